package runtime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/rpcmesh/internal/runtime/config"
)

// fakeBroker records every call and answers through handle.
type fakeBroker struct {
	*httptest.Server

	mu     sync.Mutex
	calls  []brokerCall
	handle func(w http.ResponseWriter, r *http.Request, body []byte)
}

type brokerCall struct {
	Method string
	Path   string
	Header http.Header
	Body   string
}

func newFakeBroker(t *testing.T, handle func(w http.ResponseWriter, r *http.Request, body []byte)) *fakeBroker {
	t.Helper()
	fb := &fakeBroker{handle: handle}
	fb.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fb.mu.Lock()
		fb.calls = append(fb.calls, brokerCall{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone(), Body: string(body)})
		fb.mu.Unlock()
		if fb.handle != nil {
			fb.handle(w, r, body)
		}
	}))
	t.Cleanup(fb.Close)
	return fb
}

func (fb *fakeBroker) Calls() []brokerCall {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]brokerCall(nil), fb.calls...)
}

func (fb *fakeBroker) CallsTo(path string) []brokerCall {
	var out []brokerCall
	for _, c := range fb.Calls() {
		if c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

func newTestService(t *testing.T, connection string, opts ...configpkg.Option) *Service {
	t.Helper()
	cfg := configpkg.DefaultWorker().Apply(configpkg.WithName("users"), configpkg.WithConnection(connection))
	cfg.Apply(opts...)
	svc, err := NewService(cfg, ServiceDependencies{DisableLogging: true})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Shutdown(context.Background(), 0) })
	return svc
}
