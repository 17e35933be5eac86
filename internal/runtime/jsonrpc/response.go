package jsonrpc

import (
	"encoding/json"

	"github.com/drblury/rpcmesh/internal/runtime/jsoncodec"
)

// Response answers a Request. A response with neither result nor error is
// "empty" and means no content.
type Response struct {
	ID     any
	Result map[string]any
	Error  *Exception
}

// NewResponse creates an empty response bound to id.
func NewResponse(id any) *Response {
	return &Response{ID: id}
}

// ErrorResponse is shorthand for a response carrying ex.
func ErrorResponse(id any, ex *Exception) *Response {
	return &Response{ID: id, Error: ex}
}

func (r *Response) SetResult(result map[string]any) { r.Result = result }
func (r *Response) SetError(ex *Exception)          { r.Error = ex }

// IsEmpty reports whether there is nothing to send back.
func (r *Response) IsEmpty() bool {
	return r == nil || (r.Result == nil && r.Error == nil)
}

// ToJSON returns the envelope, or nil for an empty response.
func (r *Response) ToJSON() map[string]any {
	if r.IsEmpty() {
		return nil
	}
	out := map[string]any{"jsonrpc": Version}
	if r.ID != nil {
		out["id"] = r.ID
	}
	if r.Result != nil {
		out["result"] = r.Result
	}
	if r.Error != nil {
		out["error"] = r.Error.ToJSON()
	}
	return out
}

// String is the JSON encoding of ToJSON; "null" for an empty response.
func (r *Response) String() string {
	s, err := jsoncodec.MarshalToString(r.ToJSON())
	if err != nil {
		return ""
	}
	return s
}

// StackString is String with the error stack appended, for logs only.
func (r *Response) StackString() string {
	s := r.String()
	if r != nil && r.Error != nil && r.Error.Stack() != "" {
		s += "\n" + r.Error.Stack()
	}
	return s
}

func (r *Response) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(r.ToJSON())
}

func (r *Response) UnmarshalJSON(data []byte) error {
	var w struct {
		ID     any             `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *Exception      `json:"error"`
	}
	if err := jsoncodec.Unmarshal(data, &w); err != nil {
		return err
	}
	r.ID = w.ID
	r.Error = w.Error
	r.Result = nil
	if len(w.Result) > 0 && string(w.Result) != "null" {
		if err := jsoncodec.Unmarshal(w.Result, &r.Result); err != nil {
			return err
		}
	}
	return nil
}

// Task is the unit fetched from a broker channel: either a request to execute
// or a failure produced while fetching.
type Task struct {
	Request *Request
	Failure *Response
}

// ID returns the id of whichever side is set.
func (t Task) ID() any {
	if t.Failure != nil {
		return t.Failure.ID
	}
	if t.Request != nil {
		return t.Request.ID
	}
	return nil
}

// Method returns the request method, or "" for failures.
func (t Task) Method() string {
	if t.Request == nil {
		return ""
	}
	return t.Request.Method
}
