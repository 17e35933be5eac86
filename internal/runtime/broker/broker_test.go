package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/rpcmesh/internal/runtime/errors"
	"github.com/drblury/rpcmesh/internal/runtime/jsonrpc"
	"github.com/drblury/rpcmesh/internal/runtime/metadata"
)

func TestFetchTaskFirstAndFollowUp(t *testing.T) {
	var paths []string
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "worker", r.Header.Get("type"))
		body, _ := io.ReadAll(r.Body)
		paths = append(paths, r.URL.Path)
		bodies = append(bodies, string(body))
		w.Header().Set("X-Trace", "abc")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"1","method":"echo","params":{"a":1}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client())
	req, reply, err := c.FetchTask(context.Background(), srv.URL, "demo", nil)
	require.NoError(t, err)
	assert.Equal(t, "echo", req.Method)
	assert.Equal(t, "abc", reply.Header.Get("X-Trace"))
	assert.Equal(t, http.StatusOK, reply.StatusCode)

	prev := &jsonrpc.Response{ID: "1", Result: map[string]any{"ok": true}}
	_, _, err = c.FetchTask(context.Background(), srv.URL, "demo", prev)
	require.NoError(t, err)

	require.Len(t, paths, 2)
	assert.Equal(t, "/ms/demo", paths[0])
	assert.Empty(t, bodies[0])
	assert.Equal(t, "/", paths[1])
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"1","result":{"ok":true}}`, bodies[1])
}

func TestFetchTaskFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ms/empty":
			return
		case "/ms/broken":
			_, _ = w.Write([]byte(`[1,2`))
		default:
			http.Error(w, "nope", http.StatusBadGateway)
		}
	}))
	defer srv.Close()
	c := NewClient(srv.Client())

	_, _, err := c.FetchTask(context.Background(), srv.URL, "empty", nil)
	assert.ErrorIs(t, err, errspkg.ErrEmptyResponse)

	_, _, err = c.FetchTask(context.Background(), srv.URL, "broken", nil)
	assert.ErrorIs(t, err, errspkg.ErrUnexpectedBrokerReply)

	_, _, err = c.FetchTask(context.Background(), srv.URL, "other", nil)
	assert.Equal(t, http.StatusBadGateway, StatusCode(err))
	assert.False(t, IsTerminal(err))
}

func TestCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ms/users", r.URL.Path)
		if r.Header.Get("type") == "async" {
			return
		}
		_, _ = w.Write([]byte(`{"id":"7","result":{"name":"x"}}`))
	}))
	defer srv.Close()
	c := NewClient(srv.Client())

	res, err := c.Call(context.Background(), srv.URL+"/", "users", jsonrpc.NewRequest("7", "users.get", nil), nil)
	require.NoError(t, err)
	assert.Equal(t, "x", res.Result["name"])

	res, err = c.Call(context.Background(), srv.URL, "users", jsonrpc.NewRequest(nil, "users.get", nil), metadata.New("type", "async"))
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestPollEventTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "get", r.Header.Get("type"))
		assert.Equal(t, "/events/demo", r.URL.Path)
		<-r.Context().Done()
	}))
	defer srv.Close()

	_, err := NewClient(srv.Client()).PollEvent(context.Background(), srv.URL, "demo", 20*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsTerminal(err))
}

func TestPollEventDelivers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"payload":{"eventName":"user.created","sender":"users"}}`))
	}))
	defer srv.Close()

	event, err := NewClient(srv.Client()).PollEvent(context.Background(), srv.URL, "demo", time.Second)
	require.NoError(t, err)
	payload := event["payload"].(map[string]any)
	assert.Equal(t, "user.created", payload["eventName"])
}

func TestDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, DetailsPath, r.URL.Path)
		_, _ = w.Write([]byte(`{"ms/users":{"worker_ids":["w1"]},"events/users":{}}`))
	}))
	defer srv.Close()

	details, err := NewClient(srv.Client()).Details(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, details["ms/users"].WorkerIDs)
	assert.Empty(t, details["events/users"].WorkerIDs)
}

func TestIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, _, err := NewClient(nil).FetchTask(context.Background(), url, "demo", nil)
	require.Error(t, err)
	assert.True(t, IsTerminal(err))

	assert.True(t, IsTerminal(fmt.Errorf("wrapped: %w", errspkg.ErrTerminalDisconnect)))
	assert.True(t, IsTerminal(errors.New("socket hang up")))
	assert.False(t, IsTerminal(nil))
	assert.False(t, IsTerminal(context.Canceled))
}
