package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/drblury/rpcmesh/internal/runtime"
	"github.com/drblury/rpcmesh/internal/runtime/jsonrpc"
	loggingpkg "github.com/drblury/rpcmesh/internal/runtime/logging"
)

// RoomKeyExtractor derives the room keys of a successful subscribe response.
type RoomKeyExtractor interface {
	RoomKeys(res *jsonrpc.Response) []any
}

// RoomKeysFunc is a RoomKeyExtractor function.
type RoomKeysFunc func(res *jsonrpc.Response) []any

func (f RoomKeysFunc) RoomKeys(res *jsonrpc.Response) []any { return f(res) }

// RoomKeysFromArray reads Key from every element of the array at ArrayPath.
type RoomKeysFromArray struct {
	ArrayPath string
	Key       string
}

func (e RoomKeysFromArray) RoomKeys(res *jsonrpc.Response) []any {
	raw, _ := jsonrpc.GetPath(res.Result, e.ArrayPath)
	items, _ := raw.([]any)
	keys := make([]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			key, _ := jsonrpc.GetPath(m, e.Key)
			keys = append(keys, key)
		}
	}
	return keys
}

// RoomKeyPath reads a single key at a dotted path of the result.
type RoomKeyPath string

func (p RoomKeyPath) RoomKeys(res *jsonrpc.Response) []any {
	key, _ := jsonrpc.GetPath(res.Result, string(p))
	return []any{key}
}

// roomKey renders a key, dropping the blank ones (nil, "", false, 0).
// Numbers are written in plain decimal notation, never with an exponent.
func roomKey(v any) (string, bool) {
	switch k := v.(type) {
	case nil:
		return "", false
	case string:
		return k, k != ""
	case bool:
		return "true", k
	case float64:
		return strconv.FormatFloat(k, 'f', -1, 64), k != 0
	case float32:
		return strconv.FormatFloat(float64(k), 'f', -1, 32), k != 0
	case json.Number:
		if i, err := k.Int64(); err == nil {
			return roomKey(i)
		}
		if f, err := k.Float64(); err == nil {
			return roomKey(f)
		}
		return k.String(), k != ""
	case int:
		return strconv.FormatInt(int64(k), 10), k != 0
	case int8:
		return strconv.FormatInt(int64(k), 10), k != 0
	case int16:
		return strconv.FormatInt(int64(k), 10), k != 0
	case int32:
		return strconv.FormatInt(int64(k), 10), k != 0
	case int64:
		return strconv.FormatInt(k, 10), k != 0
	case uint:
		return strconv.FormatUint(uint64(k), 10), k != 0
	case uint8:
		return strconv.FormatUint(uint64(k), 10), k != 0
	case uint16:
		return strconv.FormatUint(uint64(k), 10), k != 0
	case uint32:
		return strconv.FormatUint(uint64(k), 10), k != 0
	case uint64:
		return strconv.FormatUint(k, 10), k != 0
	default:
		return fmt.Sprint(k), true
	}
}

// subscribe forwards a client request to the owning service and joins the
// connection to the rooms derived from the answer. Failures are reported in
// the returned response.
func (s *Socket) subscribe(ctx context.Context, c *Conn, body any) *jsonrpc.Response {
	entry, ok := body.(map[string]any)
	if !ok {
		// Batches are not accepted on the socket.
		return jsonrpc.Validate(nil, 0, s.Conf.Name)
	}
	if invalid := jsonrpc.ValidateEntry(entry, s.Conf.Name); invalid != nil {
		return invalid
	}

	req := jsonrpc.RequestFromMap(entry).Clone()
	log := c.log.With(loggingpkg.LogFields{"method": req.Method, "id": fmt.Sprintf("%v-socket", req.ID)})
	log.Debug("--> from client", loggingpkg.LogFields{"request": req.String()})

	res := jsonrpc.NewResponse(req.ID)
	extractor, err := s.forwardSubscribe(ctx, c, req, res)
	if err != nil {
		ex, ok := jsonrpc.AsException(err)
		if !ok {
			ex = s.GetException(jsonrpc.ExceptionProps{
				Code:    jsonrpc.CodeSocketHandlerException,
				Status:  http.StatusInternalServerError,
				Message: err.Error(),
			}, err)
		}
		res.SetError(ex)
		log.Debug("<-- to client", loggingpkg.LogFields{"response": res.String()})
		return res
	}
	log.Debug("<-- to client", loggingpkg.LogFields{"response": res.String()})

	var rooms []string
	for _, raw := range extractor.RoomKeys(res) {
		key, ok := roomKey(raw)
		if !ok {
			continue
		}
		roomName := joinRoomName(req.Method, key)
		room := s.roomName(roomName, RoomNameContext{Request: req})
		s.SetRoomChannelParams(roomName, s.channelInfo(RoomChannelContext{Room: room, Request: req, Conn: c}))
		rooms = append(rooms, room)
	}
	if len(rooms) == 0 {
		return res
	}

	s.join(c, rooms...)
	if signer := s.signer(); signer != nil {
		token, err := signer.Sign(rooms)
		if err != nil {
			log.Error("Failed to sign rooms", err, nil)
			return res
		}
		if res.Result == nil {
			res.Result = map[string]any{}
		}
		jsonrpc.SetPath(res.Result, "payload.roomsToken", token)
	}
	return res
}

func (s *Socket) forwardSubscribe(ctx context.Context, c *Conn, req *jsonrpc.Request, res *jsonrpc.Response) (RoomKeyExtractor, error) {
	extractor, ok := s.roomHandler(req.Method)
	if !ok {
		return nil, s.GetException(jsonrpc.ExceptionProps{
			Code:    jsonrpc.CodeSocketHandlerException,
			Status:  http.StatusInternalServerError,
			Message: "Failed subscribe, room not exist.",
		}, nil)
	}

	for k, v := range c.payload {
		req.SetPayloadField(k, v)
	}

	tc := c.transport()
	params, err := s.ApplyMiddlewares(ctx, runtime.MiddlewareData{Task: req}, tc, runtime.MiddlewareRequest)
	if err != nil {
		return nil, err
	}

	out, err := s.SendRequest(ctx, req.Method, params,
		runtime.WithExternal(),
		runtime.WithRequestID(req.ID),
		runtime.WithIfPresent(),
		runtime.WithTimeout(s.Conf.ReqTimeout),
	)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if out != nil {
		result = out.Result
	}
	result, err = s.ApplyMiddlewares(ctx, runtime.MiddlewareData{Task: req, Result: result}, tc, runtime.MiddlewareResponse)
	if err != nil {
		return nil, err
	}
	res.SetResult(result)
	return extractor, nil
}
