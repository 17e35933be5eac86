package runtime

import (
	"net/http"

	"github.com/drblury/rpcmesh/internal/runtime/broker"
	"github.com/drblury/rpcmesh/internal/runtime/metadata"
)

// TransportContext describes the exchange that carried a request: the broker
// reply for worker tasks, the client HTTP request at the gateway or the socket
// handshake at the realtime role.
type TransportContext struct {
	Headers     metadata.Metadata
	Query       map[string]string
	Params      map[string]string
	StatusCode  int
	StatusText  string
	HTTPVersion string

	// Request and Writer are only set by HTTP ingress.
	Request *http.Request
	Writer  http.ResponseWriter

	// Values carries role specific data, e.g. the realtime connection.
	Values map[string]any
}

// TransportFromReply builds the context of a task fetched from the broker.
func TransportFromReply(reply broker.Reply) *TransportContext {
	return &TransportContext{
		Headers:     metadata.FromHTTP(reply.Header),
		StatusCode:  reply.StatusCode,
		StatusText:  reply.Status,
		HTTPVersion: reply.Proto,
	}
}

// TransportFromHTTP builds the context of a client HTTP request.
func TransportFromHTTP(w http.ResponseWriter, r *http.Request) *TransportContext {
	query := make(map[string]string, len(r.URL.Query()))
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}
	return &TransportContext{
		Headers:     metadata.FromHTTP(r.Header),
		Query:       query,
		HTTPVersion: r.Proto,
		Request:     r,
		Writer:      w,
	}
}

// Sanitize returns the subset of the context that may be forwarded to other
// services.
func (tc *TransportContext) Sanitize() map[string]any {
	if tc == nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if tc.Headers != nil {
		out["headers"] = tc.Headers.ToPayload()
	}
	if tc.Query != nil {
		out["query"] = stringMap(tc.Query)
	}
	if tc.Params != nil {
		out["params"] = stringMap(tc.Params)
	}
	if tc.StatusCode != 0 {
		out["status"] = tc.StatusCode
		out["statusCode"] = tc.StatusCode
	}
	if tc.StatusText != "" {
		out["statusText"] = tc.StatusText
	}
	if tc.HTTPVersion != "" {
		out["httpVersion"] = tc.HTTPVersion
	}
	return out
}

// Value returns a role specific value.
func (tc *TransportContext) Value(key string) any {
	if tc == nil {
		return nil
	}
	return tc.Values[key]
}

func stringMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
