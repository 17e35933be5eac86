// Package brokertest provides an in-process broker fake for the role tests.
package brokertest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/drblury/rpcmesh/internal/runtime/jsoncodec"
)

// Call is one request received by the fake.
type Call struct {
	Method string
	Path   string
	Header http.Header
	Body   string
}

// JSON decodes the call body into a map.
func (c Call) JSON(t testing.TB) map[string]any {
	t.Helper()
	var out map[string]any
	if err := jsoncodec.Unmarshal([]byte(c.Body), &out); err != nil {
		t.Fatalf("decode broker call body %q: %v", c.Body, err)
	}
	return out
}

// HandleFunc answers one broker call. body is the already read request body.
type HandleFunc func(w http.ResponseWriter, r *http.Request, body []byte)

// Broker records every call and answers through its handler.
type Broker struct {
	*httptest.Server

	mu     sync.Mutex
	calls  []Call
	handle HandleFunc
}

// New starts a fake broker closed on test cleanup. A nil handle answers every
// call with an empty 200.
func New(t testing.TB, handle HandleFunc) *Broker {
	t.Helper()
	b := &Broker{handle: handle}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.calls = append(b.calls, Call{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone(), Body: string(body)})
		b.mu.Unlock()
		if b.handle != nil {
			b.handle(w, r, body)
		}
	}))
	t.Cleanup(b.Close)
	return b
}

// Calls returns a snapshot of the received calls.
func (b *Broker) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// CallsTo filters Calls by URL path.
func (b *Broker) CallsTo(path string) []Call {
	var out []Call
	for _, c := range b.Calls() {
		if c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

// Reply writes v as the JSON reply.
func Reply(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = jsoncodec.Encode(w, v)
}

// Echo answers task channel calls with {"jsonrpc":"2.0","id":<id>,"result":result}.
func Echo(result map[string]any) HandleFunc {
	return func(w http.ResponseWriter, _ *http.Request, body []byte) {
		var req map[string]any
		_ = jsoncodec.Unmarshal(body, &req)
		Reply(w, map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": result})
	}
}

// ClosedURL returns the address of a server that is no longer listening.
func ClosedURL() string {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()
	return url
}
