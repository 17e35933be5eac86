package runtime

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/rpcmesh/internal/runtime/errors"
	"github.com/drblury/rpcmesh/internal/runtime/ids"
	"github.com/drblury/rpcmesh/internal/runtime/jsoncodec"
	"github.com/drblury/rpcmesh/internal/runtime/jsonrpc"
	"github.com/drblury/rpcmesh/internal/runtime/metadata"
)

func TestSendRequestStampsPayload(t *testing.T) {
	fb := newFakeBroker(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		var req map[string]any
		require.NoError(t, jsoncodec.Unmarshal(body, &req))
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"` + req["id"].(string) + `","result":{"total":3}}`))
	})
	svc := newTestService(t, fb.URL)

	params := map[string]any{"limit": 3}
	res, err := svc.SendRequest(context.Background(), "orders.list", params)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"total": 3.0}, res.Result)
	assert.NotContains(t, params, "payload", "caller params must not be modified")

	calls := fb.CallsTo("/ms/orders")
	require.Len(t, calls, 1)
	var sent map[string]any
	require.NoError(t, jsoncodec.Unmarshal([]byte(calls[0].Body), &sent))
	assert.Equal(t, "list", sent["method"])
	id, _ := sent["id"].(string)
	_, ok := ids.RequestTime(id)
	assert.True(t, ok, "generated id must be a ULID")
	assert.Equal(t, id, res.ID)

	payload := sent["params"].(map[string]any)["payload"].(map[string]any)
	assert.Equal(t, "users", payload["sender"])
	assert.Equal(t, true, payload["isInternal"])
}

func TestSendRequestOptions(t *testing.T) {
	fb := newFakeBroker(t, func(http.ResponseWriter, *http.Request, []byte) {})
	svc := newTestService(t, fb.URL)

	res, err := svc.SendRequest(context.Background(), "orders.create", nil,
		WithExternal(), WithRequestID("client-1"), WithAsync(), WithHeaders(metadata.New("X-Trace", "t1")), WithTimeout(time.Second))
	require.NoError(t, err)
	assert.True(t, res.IsEmpty())
	assert.Equal(t, "client-1", res.ID)

	_, err = svc.SendRequest(context.Background(), "orders.notify", nil, WithoutID())
	require.NoError(t, err)

	calls := fb.CallsTo("/ms/orders")
	require.Len(t, calls, 2)
	assert.Equal(t, "async", calls[0].Header.Get("type"))
	assert.Equal(t, "t1", calls[0].Header.Get("X-Trace"))

	var sent map[string]any
	require.NoError(t, jsoncodec.Unmarshal([]byte(calls[0].Body), &sent))
	assert.Equal(t, "client-1", sent["id"])
	assert.Equal(t, false, sent["params"].(map[string]any)["payload"].(map[string]any)["isInternal"])

	require.NoError(t, jsoncodec.Unmarshal([]byte(calls[1].Body), &sent))
	assert.NotContains(t, sent, "id")
}

func TestSendRequestIfPresent(t *testing.T) {
	fb := newFakeBroker(t, func(http.ResponseWriter, *http.Request, []byte) {})
	svc := newTestService(t, fb.URL)

	_, err := svc.SendRequest(context.Background(), "ghost.get", nil, WithIfPresent())
	ex, ok := jsonrpc.AsException(err)
	require.True(t, ok)
	assert.Equal(t, jsonrpc.CodeMicroserviceNotFound, ex.Code())
	assert.Equal(t, 404, ex.Status())
	assert.Equal(t, `Microservice "ghost" not found`, ex.Message())
	assert.Equal(t, "if present", fb.Calls()[0].Header.Get("Option"))
}

func TestSendRequestRemoteError(t *testing.T) {
	fb := newFakeBroker(t, func(w http.ResponseWriter, _ *http.Request, _ []byte) {
		_, _ = w.Write([]byte(`{"id":"1","error":{"code":-32602,"status":422,"service":"orders","message":"bad limit"}}`))
	})
	svc := newTestService(t, fb.URL)

	_, err := svc.SendRequest(context.Background(), "orders.list", nil)
	ex, ok := jsonrpc.AsException(err)
	require.True(t, ok)
	assert.Equal(t, "orders", ex.Service())
	assert.Equal(t, 422, ex.Status())

	res, err := svc.SendRequest(context.Background(), "orders.list", nil, WithNoThrow())
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, "bad limit", res.Error.Message())
}

func TestSendRequestTransportFailures(t *testing.T) {
	fb := newFakeBroker(t, func(w http.ResponseWriter, r *http.Request, _ []byte) {
		if r.URL.Path == "/ms/gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	})
	svc := newTestService(t, fb.URL)

	_, err := svc.SendRequest(context.Background(), "gone.get", nil)
	ex, ok := jsonrpc.AsException(err)
	require.True(t, ok)
	assert.Equal(t, jsonrpc.CodeMicroserviceDown, ex.Code())
	assert.Equal(t, 404, ex.Status())
	assert.Equal(t, `Microservice "gone" is down.`, ex.Message())

	_, err = svc.SendRequest(context.Background(), "flaky.get", nil)
	ex, ok = jsonrpc.AsException(err)
	require.True(t, ok)
	assert.Equal(t, jsonrpc.CodeMicroserviceDown, ex.Code())
	assert.Equal(t, 500, ex.Status())
	assert.Contains(t, ex.Message(), "502")
	assert.Equal(t, "users", ex.Service())
}

func TestSendRequestValidatesMethod(t *testing.T) {
	svc := newTestService(t, "http://broker")

	_, err := svc.SendRequest(context.Background(), "", nil)
	assert.ErrorIs(t, err, errspkg.ErrMethodRequired)

	_, err = svc.SendRequest(context.Background(), "nodot", nil)
	assert.ErrorIs(t, err, errspkg.ErrInvalidMethod)

	_, err = svc.SendRequest(context.Background(), ".get", nil)
	assert.ErrorIs(t, err, errspkg.ErrInvalidMethod)
}
