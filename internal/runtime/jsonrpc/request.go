package jsonrpc

import (
	"encoding/json"
	"maps"

	"github.com/drblury/rpcmesh/internal/runtime/jsoncodec"
)

// Payload keys carried inside params.payload.
const (
	PayloadKey        = "payload"
	PayloadSender     = "sender"
	PayloadIsInternal = "isInternal"
	PayloadHeaders    = "headers"
	PayloadEventName  = "eventName"
)

// Request is a JSON-RPC call. Callers address "service.endpoint"; the
// broker channel names the service, so only the endpoint travels.
type Request struct {
	ID     any
	Method string
	Params map[string]any
}

// NewRequest builds a request. A nil id produces a notification.
func NewRequest(id any, method string, params map[string]any) *Request {
	return &Request{ID: id, Method: method, Params: params}
}

// RequestFromMap builds a Request from an already validated JSON object.
func RequestFromMap(body map[string]any) *Request {
	req := &Request{ID: body["id"]}
	req.Method, _ = body["method"].(string)
	req.Params, _ = body["params"].(map[string]any)
	return req
}

// Clone copies the request and its params so payload edits do not leak into
// the original.
func (r *Request) Clone() *Request {
	return &Request{ID: r.ID, Method: r.Method, Params: cloneParams(r.Params)}
}

// Payload returns params.payload, or nil when absent.
func (r *Request) Payload() map[string]any {
	if r == nil || r.Params == nil {
		return nil
	}
	payload, _ := r.Params[PayloadKey].(map[string]any)
	return payload
}

// Sender is the service (or "client") that issued the request.
func (r *Request) Sender() string {
	sender, _ := r.Payload()[PayloadSender].(string)
	return sender
}

// IsInternal reports whether the request came from inside the mesh.
func (r *Request) IsInternal() bool {
	internal, _ := r.Payload()[PayloadIsInternal].(bool)
	return internal
}

// Headers returns the transport headers stamped by the ingress role.
func (r *Request) Headers() map[string]any {
	headers, _ := r.Payload()[PayloadHeaders].(map[string]any)
	return headers
}

// SetParams replaces the params object.
func (r *Request) SetParams(params map[string]any) {
	r.Params = params
}

// SetPayloadField writes params.payload[key], creating both maps on demand.
func (r *Request) SetPayloadField(key string, value any) {
	if r.Params == nil {
		r.Params = map[string]any{}
	}
	payload, ok := r.Params[PayloadKey].(map[string]any)
	if !ok {
		payload = map[string]any{}
		r.Params[PayloadKey] = payload
	}
	payload[key] = value
}

// ToJSON projects the request into its envelope, omitting absent id and
// params.
func (r *Request) ToJSON() map[string]any {
	out := map[string]any{
		"jsonrpc": Version,
		"method":  r.Method,
	}
	if r.ID != nil {
		out["id"] = r.ID
	}
	if r.Params != nil {
		out["params"] = r.Params
	}
	return out
}

// String is the JSON encoding of ToJSON.
func (r *Request) String() string {
	s, err := jsoncodec.MarshalToString(r.ToJSON())
	if err != nil {
		return ""
	}
	return s
}

func (r *Request) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(r.ToJSON())
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var w struct {
		ID     any             `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := jsoncodec.Unmarshal(data, &w); err != nil {
		return err
	}
	r.ID = w.ID
	r.Method = w.Method
	r.Params = nil
	if len(w.Params) > 0 && string(w.Params) != "null" {
		if err := jsoncodec.Unmarshal(w.Params, &r.Params); err != nil {
			return err
		}
	}
	return nil
}

// IsValidID reports whether v may be used as a request id: absent, a string
// or a number.
func IsValidID(v any) bool {
	switch v.(type) {
	case nil, string, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return true
	default:
		return false
	}
}

func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := maps.Clone(params)
	if payload, ok := params[PayloadKey].(map[string]any); ok {
		out[PayloadKey] = maps.Clone(payload)
	}
	return out
}
