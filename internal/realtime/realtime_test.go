package realtime

import (
	"context"
	"encoding/json"
	"io"
	"maps"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/rpcmesh/internal/runtime"
	"github.com/drblury/rpcmesh/internal/runtime/brokertest"
	configpkg "github.com/drblury/rpcmesh/internal/runtime/config"
	errspkg "github.com/drblury/rpcmesh/internal/runtime/errors"
	"github.com/drblury/rpcmesh/internal/runtime/jsoncodec"
	"github.com/drblury/rpcmesh/internal/runtime/jsonrpc"
)

var withoutSecret = configpkg.WithRoomSecret("")

func newSocket(t *testing.T, connection string, opts ...configpkg.Option) *Socket {
	t.Helper()
	cfg := configpkg.DefaultRealtime().Apply(configpkg.WithConnection(connection), configpkg.WithRoomSecret("secret"))
	cfg.Apply(opts...)
	s, err := New(cfg, runtime.ServiceDependencies{DisableLogging: true}, Params{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Shutdown(context.Background(), 0) })
	return s
}

func serve(t *testing.T, s *Socket) string {
	t.Helper()
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + s.Conf.SocketPath
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, jsoncodec.Unmarshal(data, &out))
	return out
}

func subscribe(t *testing.T, ws *websocket.Conn, ack int, request map[string]any) map[string]any {
	t.Helper()
	require.NoError(t, ws.WriteJSON(map[string]any{"event": "subscribe", "ack": ack, "data": request}))
	f := readFrame(t, ws)
	require.Equal(t, float64(ack), f["ack"])
	return f["data"].(map[string]any)
}

// connectUser stores the "x-user" handshake header as payload.user.
func connectUser(_ context.Context, data runtime.MiddlewareData, tc *runtime.TransportContext) (map[string]any, error) {
	if data.Task.Method != "client.connect" {
		return nil, nil
	}
	user := tc.Headers.Get("x-user")
	if user == "" {
		return nil, jsonrpc.NewException(jsonrpc.ExceptionProps{Status: http.StatusUnauthorized, Service: "auth", Message: "Unauthorized"})
	}
	params := maps.Clone(data.Task.Params)
	payload := maps.Clone(data.Task.Payload())
	payload["user"] = user
	params[jsonrpc.PayloadKey] = payload
	return params, nil
}

func TestNewDefaults(t *testing.T) {
	s, err := New(nil, runtime.ServiceDependencies{DisableLogging: true}, Params{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Shutdown(context.Background(), 0) })

	assert.Equal(t, "socket", s.Name())
	assert.Equal(t, "0.0.0.0:3005", s.Conf.Listener)
	assert.Equal(t, "/ws", s.Conf.SocketPath)
	assert.Equal(t, 15*time.Second, s.Conf.ReqTimeout)
	assert.Equal(t, 5, s.Conf.EventWorkers)
	assert.Equal(t, 30*time.Minute, s.Conf.RoomExpiration)
	assert.Nil(t, s.signer())

	assert.NotNil(t, newSocket(t, "http://broker").signer())
}

func TestRoomHandlerRegistry(t *testing.T) {
	s := newSocket(t, "http://broker")
	s.AddRoomNameHandler("svc.item", RoomKeyPath("id"))
	s.AddRoomNameHandler("svc.list", RoomKeysFromArray{ArrayPath: "items", Key: "id"})

	handlers := s.GetRoomNameHandlers()
	assert.Len(t, handlers, 2)
	assert.Equal(t, RoomKeyPath("id"), handlers["svc.item"])

	s.RemoveRoomNameHandler("svc.item")
	assert.NotContains(t, s.GetRoomNameHandlers(), "svc.item")
}

func TestRoomKeyExtractors(t *testing.T) {
	res := &jsonrpc.Response{Result: map[string]any{
		"id":    "x",
		"owner": map[string]any{"id": float64(7)},
		"items": []any{
			map[string]any{"id": "a"},
			map[string]any{"id": ""},
			"skipped",
			map[string]any{"id": float64(2)},
		},
	}}

	assert.Equal(t, []any{"x"}, RoomKeyPath("id").RoomKeys(res))
	assert.Equal(t, []any{float64(7)}, RoomKeyPath("owner.id").RoomKeys(res))
	assert.Equal(t, []any{nil}, RoomKeyPath("missing").RoomKeys(res))
	assert.Equal(t, []any{"a", "", float64(2)}, RoomKeysFromArray{ArrayPath: "items", Key: "id"}.RoomKeys(res))
	assert.Empty(t, RoomKeysFromArray{ArrayPath: "id", Key: "id"}.RoomKeys(res))

	fn := RoomKeysFunc(func(*jsonrpc.Response) []any { return []any{"k"} })
	assert.Equal(t, []any{"k"}, fn.RoomKeys(res))

	for v, want := range map[any]bool{nil: false, "": false, "a": true, false: false, true: true, float64(0): false, float64(3): true} {
		_, ok := roomKey(v)
		assert.Equal(t, want, ok, "key %v", v)
	}
	key, _ := roomKey(float64(3))
	assert.Equal(t, "3", key)

	for v, want := range map[any]string{
		float64(1000000):           "1000000",
		float64(12345678):          "12345678",
		float64(1.5):               "1.5",
		float64(-2500000):          "-2500000",
		json.Number("1000000"):     "1000000",
		json.Number("12345678901"): "12345678901",
		int64(9007199254740993):    "9007199254740993",
		uint32(4000000000):         "4000000000",
		int(1000000):               "1000000",
	} {
		key, ok := roomKey(v)
		assert.True(t, ok, "key %v", v)
		assert.Equal(t, want, key, "key %T(%v)", v, v)
		assert.Equal(t, "svc.item::"+want, joinRoomName("svc.item", key))
	}
	_, ok := roomKey(json.Number("0"))
	assert.False(t, ok)
}

func TestRoomChannelParams(t *testing.T) {
	s := newSocket(t, "http://broker")
	s.SetRoomChannelParams("svc.item::x", map[string]map[string]any{"default": {"a": 1}})
	s.SetRoomChannelParams("svc.item::x", map[string]map[string]any{"default": {"b": 2}, "admin": {}})

	info := s.GetRoomsInfo()
	assert.Equal(t, map[string]map[string]any{
		"default": {"a": 1, "b": 2},
		"admin":   {},
	}, info["svc.item::x"])

	info["svc.item::x"]["default"]["a"] = 99
	assert.Equal(t, 1, s.GetRoomsInfo()["svc.item::x"]["default"]["a"], "GetRoomsInfo returns a copy")
}

func TestRoomNames(t *testing.T) {
	assert.Equal(t, "svc.item::x", joinRoomName("svc.item", "x"))
	assert.Equal(t, "svc.item", joinRoomName("svc.item", ""))
	assert.Equal(t, "svc.item::x", baseRoomName("svc.item::x::admin"))
	assert.Equal(t, "svc.item", baseRoomName("svc.item"))
}

func TestHandshakeRejectedByConnectionMiddleware(t *testing.T) {
	s := newSocket(t, "http://broker")
	_, err := s.AddMiddleware(connectUser, runtime.MiddlewareRequest)
	require.NoError(t, err)
	url := serve(t, s)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var envelope map[string]any
	require.NoError(t, jsoncodec.Unmarshal(body, &envelope))
	assert.Equal(t, "Unauthorized", envelope["error"].(map[string]any)["message"])
}

func TestHandshakeRejectsInvalidRooms(t *testing.T) {
	s := newSocket(t, "http://broker")
	url := serve(t, s)

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Rooms": {"svc.item::x"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestSubscribeJoinsRoomAndEmits(t *testing.T) {
	fb := brokertest.New(t, brokertest.Echo(map[string]any{"id": "x", "name": "item"}))
	s := newSocket(t, fb.URL)
	_, err := s.AddMiddleware(connectUser, runtime.MiddlewareRequest)
	require.NoError(t, err)
	s.AddRoomNameHandler("svc.item", RoomKeyPath("id"))
	ws := dial(t, serve(t, s), http.Header{"X-User": {"u1"}})

	res := subscribe(t, ws, 1, map[string]any{"jsonrpc": "2.0", "id": "r1", "method": "svc.item", "params": map[string]any{"id": "x"}})
	require.NotContains(t, res, "error")
	assert.Equal(t, "r1", res["id"])
	result := res["result"].(map[string]any)
	assert.Equal(t, "item", result["name"])
	token, _ := result["payload"].(map[string]any)["roomsToken"].(string)
	require.NotEmpty(t, token)

	rooms, err := s.signer().Verify(token)
	require.NoError(t, err)
	assert.Equal(t, []string{"svc.item::x"}, rooms)
	assert.Equal(t, 1, s.RoomSize("svc.item::x"))
	assert.Equal(t, map[string]map[string]any{"default": {}}, s.GetRoomsInfo()["svc.item::x"])

	calls := fb.CallsTo("/ms/svc")
	require.Len(t, calls, 1)
	assert.Equal(t, "if present", calls[0].Header.Get("Option"))
	sent := calls[0].JSON(t)
	assert.Equal(t, "item", sent["method"])
	assert.Equal(t, "r1", sent["id"])
	payload := sent["params"].(map[string]any)["payload"].(map[string]any)
	assert.Equal(t, "u1", payload["user"])
	assert.Equal(t, false, payload["isInternal"])
	assert.Equal(t, "socket", payload["sender"])

	require.NoError(t, s.Emit(context.Background(), "svc.item", EmitParams{
		RoomKey: "x",
		Data:    map[string]any{"name": "renamed", "payload": map[string]any{"rev": float64(2)}},
	}))
	event := readFrame(t, ws)
	assert.Equal(t, "svc.item", event["event"])
	assert.Equal(t, map[string]any{"name": "renamed", "payload": map[string]any{"rev": float64(2)}}, event["data"])
}

func TestSubscribeFailures(t *testing.T) {
	fb := brokertest.New(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		var req map[string]any
		_ = jsoncodec.Unmarshal(body, &req)
		brokertest.Reply(w, map[string]any{"jsonrpc": "2.0", "id": req["id"], "error": map[string]any{
			"code": jsonrpc.CodeEndpointException, "status": 403, "service": "svc", "message": "Forbidden",
		}})
	})
	s := newSocket(t, fb.URL)
	s.AddRoomNameHandler("svc.item", RoomKeyPath("id"))
	ws := dial(t, serve(t, s), nil)

	res := subscribe(t, ws, 1, map[string]any{"id": 1, "method": "svc.unknown"})
	ex := res["error"].(map[string]any)
	assert.Equal(t, float64(jsonrpc.CodeSocketHandlerException), ex["code"])
	assert.Equal(t, "Failed subscribe, room not exist.", ex["message"])

	res = subscribe(t, ws, 2, map[string]any{"id": 2, "method": 5})
	assert.Equal(t, float64(jsonrpc.CodeInvalidRequest), res["error"].(map[string]any)["code"])

	res = subscribe(t, ws, 3, map[string]any{"id": 3, "method": "svc.item"})
	ex = res["error"].(map[string]any)
	assert.Equal(t, "Forbidden", ex["message"])
	assert.Equal(t, float64(403), ex["status"])
	assert.Equal(t, 0, s.RoomSize("svc.item::"))
}

func TestSubscribeWithRoomHooks(t *testing.T) {
	fb := brokertest.New(t, brokertest.Echo(map[string]any{"items": []any{
		map[string]any{"id": "a"},
		map[string]any{"id": "b"},
	}}))
	s := newSocket(t, fb.URL)
	s.SetParams(Params{
		MakeRoomName: func(roomName string, rc RoomNameContext) string {
			if rc.Channel != "" {
				return roomName + "::" + rc.Channel
			}
			return roomName + "::admin"
		},
		MakeRoomChannelInfo: func(RoomChannelContext) map[string]map[string]any {
			return map[string]map[string]any{"admin": {"role": "admin"}}
		},
	})
	s.AddRoomNameHandler("svc.list", RoomKeysFromArray{ArrayPath: "items", Key: "id"})
	ws := dial(t, serve(t, s), nil)

	res := subscribe(t, ws, 1, map[string]any{"id": 1, "method": "svc.list"})
	require.NotContains(t, res, "error")
	assert.Equal(t, 1, s.RoomSize("svc.list::a::admin"))
	assert.Equal(t, 1, s.RoomSize("svc.list::b::admin"))
	assert.Equal(t, map[string]map[string]any{"admin": {"role": "admin"}}, s.GetRoomsInfo()["svc.list::a"])

	require.NoError(t, s.Emit(context.Background(), "svc.list", EmitParams{RoomKey: "b", Data: map[string]any{"id": "b"}, IsVolatile: true}))
	event := readFrame(t, ws)
	assert.Equal(t, "svc.list", event["event"])
	assert.Equal(t, "b", event["data"].(map[string]any)["id"])
}

func TestReconnectRejoinsSignedRooms(t *testing.T) {
	s := newSocket(t, "http://broker")
	token, err := s.signer().Sign([]string{"svc.item::x"})
	require.NoError(t, err)

	ws := dial(t, serve(t, s), http.Header{"Rooms": {`["` + token + `"]`}})
	assert.Eventually(t, func() bool { return s.RoomSize("svc.item::x") == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, map[string]map[string]any{"default": {}}, s.GetRoomsInfo()["svc.item::x"])

	require.NoError(t, s.Emit(context.Background(), "svc.item", EmitParams{RoomKey: "x", Data: map[string]any{"v": 1}}))
	assert.Equal(t, "svc.item", readFrame(t, ws)["event"])

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool { return s.RoomSize("svc.item::x") == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestEmitMiddlewaresAndEmptyRooms(t *testing.T) {
	s := newSocket(t, "http://broker")
	var seen []string
	_, err := s.AddMiddleware(func(_ context.Context, data runtime.MiddlewareData, _ *runtime.TransportContext) (map[string]any, error) {
		seen = append(seen, data.Task.Method+":"+data.Task.Params["channel"].(string))
		out := maps.Clone(data.Result)
		out["stamped"] = true
		return out, nil
	}, runtime.MiddlewareResponse)
	require.NoError(t, err)

	// No interested channel.
	require.NoError(t, s.Emit(context.Background(), "svc.item", EmitParams{RoomKey: "x", Data: map[string]any{}}))
	// Interested channel but nobody in the room.
	s.SetRoomChannelParams("svc.item::x", map[string]map[string]any{"default": {}})
	require.NoError(t, s.Emit(context.Background(), "svc.item", EmitParams{RoomKey: "x", Data: map[string]any{}}))
	assert.Empty(t, seen)

	token, err := s.signer().Sign([]string{"svc.item::x"})
	require.NoError(t, err)
	ws := dial(t, serve(t, s), http.Header{"Rooms": {`["` + token + `"]`}})
	require.Eventually(t, func() bool { return s.RoomSize("svc.item::x") == 1 }, 5*time.Second, 10*time.Millisecond)

	data := map[string]any{"v": float64(1)}
	require.NoError(t, s.Emit(context.Background(), "svc.item", EmitParams{RoomKey: "x", Data: data}))
	assert.Equal(t, []string{"client.emit:default"}, seen)
	assert.Equal(t, map[string]any{"v": float64(1), "stamped": true, "payload": map[string]any{}}, readFrame(t, ws)["data"])
	assert.Equal(t, map[string]any{"v": float64(1)}, data, "emit data is not modified")
}

func TestShutdownClosesConnections(t *testing.T) {
	s := newSocket(t, "http://broker")
	token, err := s.signer().Sign([]string{"svc.item::x"})
	require.NoError(t, err)
	ws := dial(t, serve(t, s), http.Header{"Rooms": {`["` + token + `"]`}})
	require.Eventually(t, func() bool { return s.RoomSize("svc.item::x") == 1 }, 5*time.Second, 10*time.Millisecond)

	s.Shutdown(context.Background(), 0)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, s.RoomSize("svc.item::x"))
}

func TestStartStopsWhenBrokerIsGone(t *testing.T) {
	s := newSocket(t, brokertest.ClosedURL(), configpkg.WithListener("127.0.0.1:0"))

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errspkg.ErrTerminalDisconnect)
	case <-time.After(5 * time.Second):
		t.Fatal("socket did not stop")
	}
}
