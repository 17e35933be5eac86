// Package realtime is the WebSocket role of the mesh. Clients subscribe to
// rooms through a JSON-RPC call forwarded to the owning service; services
// then Emit updates to every connection in a room.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/rpcmesh/internal/runtime"
	configpkg "github.com/drblury/rpcmesh/internal/runtime/config"
	"github.com/drblury/rpcmesh/internal/runtime/jsoncodec"
	"github.com/drblury/rpcmesh/internal/runtime/jsonrpc"
	loggingpkg "github.com/drblury/rpcmesh/internal/runtime/logging"
)

// ShutdownTimeout bounds the graceful stop of the HTTP listener.
var ShutdownTimeout = 5 * time.Second

// RoomNameContext is handed to Params.MakeRoomName. Request is set on
// subscribe; Channel and ChannelParams are set on emit.
type RoomNameContext struct {
	Request       *jsonrpc.Request
	Channel       string
	ChannelParams map[string]any
}

// RoomChannelContext is handed to Params.MakeRoomChannelInfo. Request is nil
// when a connection rejoins its signed rooms.
type RoomChannelContext struct {
	Room    string
	Request *jsonrpc.Request
	Conn    *Conn
}

// Params are the runtime hooks of the socket. Nil fields keep the defaults.
type Params struct {
	// MakeRoomName maps "method::key" to the room connections join.
	MakeRoomName func(roomName string, rc RoomNameContext) string
	// MakeRoomChannelInfo describes the channels interested in a room.
	// Defaults to {"default": {}}.
	MakeRoomChannelInfo func(rc RoomChannelContext) map[string]map[string]any
	// Signer issues room tokens. Defaults to a JWTRoomSigner when RoomSecret
	// is configured.
	Signer RoomSigner
	// CheckOrigin filters upgrade requests. Defaults to accepting every origin.
	CheckOrigin func(r *http.Request) bool
}

// Socket is the realtime role.
type Socket struct {
	*runtime.Service

	paramsMu sync.RWMutex
	params   Params
	upgrader websocket.Upgrader

	handlersMu sync.RWMutex
	handlers   map[string]RoomKeyExtractor

	infoMu    sync.RWMutex
	roomsInfo map[string]map[string]map[string]any

	roomsMu sync.RWMutex
	rooms   map[string]map[*Conn]struct{}
	conns   map[*Conn]struct{}

	routerOnce sync.Once
	router     chi.Router
}

// New builds a socket. A nil cfg uses DefaultRealtime.
func New(cfg *configpkg.Config, deps runtime.ServiceDependencies, params Params) (*Socket, error) {
	if cfg == nil {
		cfg = configpkg.DefaultRealtime()
	}
	svc, err := runtime.NewService(cfg, deps)
	if err != nil {
		return nil, err
	}

	s := &Socket{
		Service:   svc,
		handlers:  make(map[string]RoomKeyExtractor),
		roomsInfo: make(map[string]map[string]map[string]any),
		rooms:     make(map[string]map[*Conn]struct{}),
		conns:     make(map[*Conn]struct{}),
	}
	if cfg.RoomSecret != "" {
		signer, err := NewJWTRoomSigner(cfg.RoomSecret, cfg.RoomExpiration)
		if err != nil {
			return nil, err
		}
		s.params.Signer = signer
	}
	s.SetParams(params)
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	s.OnExit(func(context.Context, any) error {
		s.closeAll()
		return nil
	})
	return s, nil
}

// SetParams merges the non-nil hooks of params.
func (s *Socket) SetParams(params Params) {
	s.paramsMu.Lock()
	defer s.paramsMu.Unlock()
	if params.MakeRoomName != nil {
		s.params.MakeRoomName = params.MakeRoomName
	}
	if params.MakeRoomChannelInfo != nil {
		s.params.MakeRoomChannelInfo = params.MakeRoomChannelInfo
	}
	if params.Signer != nil {
		s.params.Signer = params.Signer
	}
	if params.CheckOrigin != nil {
		s.params.CheckOrigin = params.CheckOrigin
	}
}

func (s *Socket) hooks() Params {
	s.paramsMu.RLock()
	defer s.paramsMu.RUnlock()
	return s.params
}

func (s *Socket) signer() RoomSigner { return s.hooks().Signer }

func (s *Socket) checkOrigin(r *http.Request) bool {
	if check := s.hooks().CheckOrigin; check != nil {
		return check(r)
	}
	return true
}

func (s *Socket) roomName(roomName string, rc RoomNameContext) string {
	if makeName := s.hooks().MakeRoomName; makeName != nil {
		return makeName(roomName, rc)
	}
	return roomName
}

func (s *Socket) channelInfo(rc RoomChannelContext) map[string]map[string]any {
	if makeInfo := s.hooks().MakeRoomChannelInfo; makeInfo != nil {
		if info := makeInfo(rc); info != nil {
			return info
		}
	}
	return map[string]map[string]any{"default": {}}
}

// AddRoomNameHandler makes method subscribable. extractor derives the room
// keys from the subscribe response.
func (s *Socket) AddRoomNameHandler(method string, extractor RoomKeyExtractor) {
	s.handlersMu.Lock()
	s.handlers[method] = extractor
	s.handlersMu.Unlock()
}

func (s *Socket) RemoveRoomNameHandler(method string) {
	s.handlersMu.Lock()
	delete(s.handlers, method)
	s.handlersMu.Unlock()
}

// GetRoomNameHandlers returns a copy of the room handler registry.
func (s *Socket) GetRoomNameHandlers() map[string]RoomKeyExtractor {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	out := make(map[string]RoomKeyExtractor, len(s.handlers))
	for method, extractor := range s.handlers {
		out[method] = extractor
	}
	return out
}

func (s *Socket) roomHandler(method string) (RoomKeyExtractor, bool) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	extractor, ok := s.handlers[method]
	return extractor, ok
}

// Router returns the HTTP handler serving the socket path. It is built once.
func (s *Socket) Router() http.Handler {
	s.routerOnce.Do(func() {
		r := chi.NewRouter()
		r.Get(s.Conf.SocketPath, s.handleUpgrade)
		if s.Conf.MetricsEnabled && s.Conf.MetricsRoute != "" {
			r.Method(http.MethodGet, s.Conf.MetricsRoute, s.Metrics().Handler())
		}
		if s.Conf.IntrospectionRoute != "" {
			r.Handle(s.Conf.IntrospectionRoute, s.IntrospectionHandler())
		}
		s.router = r
	})
	return s.router
}

// handleUpgrade runs the connection middlewares and checks the signed rooms
// before upgrading. A failure is answered as a JSON-RPC error.
func (s *Socket) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	tc := runtime.TransportFromHTTP(w, r)

	payload, err := s.connectionPayload(r.Context(), tc)
	if err != nil {
		s.rejectHandshake(w, err)
		return
	}
	rooms, err := s.decodeRooms(r.Header.Get("rooms"))
	if err != nil {
		s.rejectHandshake(w, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Debug("WebSocket upgrade failed", loggingpkg.LogFields{"error": err.Error()})
		return
	}

	c := newConn(s, ws, tc, payload)
	s.register(c)
	s.joinSignedRooms(c, rooms)

	go c.writePump()
	go c.readPump()
}

// connectionPayload runs the request middlewares over a synthetic
// client.connect request and returns the payload they produced.
func (s *Socket) connectionPayload(ctx context.Context, tc *runtime.TransportContext) (map[string]any, error) {
	req := jsonrpc.NewRequest(newID(), "client.connect", map[string]any{
		jsonrpc.PayloadKey: map[string]any{
			jsonrpc.PayloadSender:     "client",
			jsonrpc.PayloadIsInternal: false,
			jsonrpc.PayloadHeaders:    tc.Headers.ToPayload(),
		},
	})
	data, err := s.ApplyMiddlewares(ctx, runtime.MiddlewareData{Task: req}, tc, runtime.MiddlewareRequest)
	if err != nil {
		return nil, err
	}
	payload, _ := data[jsonrpc.PayloadKey].(map[string]any)
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}

func (s *Socket) rejectHandshake(w http.ResponseWriter, err error) {
	ex, ok := jsonrpc.AsException(err)
	if !ok {
		ex = s.GetException(jsonrpc.ExceptionProps{
			Code:    jsonrpc.CodeSocketHandlerException,
			Status:  http.StatusInternalServerError,
			Message: err.Error(),
		}, err)
	}
	status := ex.Status()
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	s.Logger.Debug("Handshake rejected", loggingpkg.LogFields{"status": status, "error": ex.Message()})

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = jsoncodec.Encode(w, jsonrpc.ErrorResponse(nil, ex))
}

// joinSignedRooms restores the rooms of a reconnecting client without
// replaying the subscribe calls.
func (s *Socket) joinSignedRooms(c *Conn, rooms []string) {
	for _, room := range rooms {
		s.SetRoomChannelParams(baseRoomName(room), s.channelInfo(RoomChannelContext{Room: room, Conn: c}))
		s.join(c, room)
	}
}

// Start serves WebSocket clients on the listener and runs one task worker plus
// the configured event workers. Open connections are closed on return.
func (s *Socket) Start(ctx context.Context) error {
	s.Logger.Info(fmt.Sprintf("%s start. Version: %s", s.Conf.Name, s.Conf.Version), nil)

	ln, err := net.Listen("tcp", s.Conf.Listener)
	if err != nil {
		return fmt.Errorf("socket listen: %w", err)
	}
	srv := &http.Server{Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}

	s.Logger.Info(fmt.Sprintf("Client listener %q started on: %s. Version: %s", s.Conf.Name, ln.Addr(), s.Conf.Version), nil)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			s.closeAll()
		}()
		return s.StartWorkers(ctx, 1, s.Conf.EventWorkers)
	})
	return eg.Wait()
}

// GetRoomsInfo returns a copy of room -> channel -> params.
func (s *Socket) GetRoomsInfo() map[string]map[string]map[string]any {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	out := make(map[string]map[string]map[string]any, len(s.roomsInfo))
	for room, channels := range s.roomsInfo {
		out[room] = copyChannels(channels)
	}
	return out
}

// SetRoomChannelParams merges the params of each channel of room.
func (s *Socket) SetRoomChannelParams(room string, channels map[string]map[string]any) {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	info, ok := s.roomsInfo[room]
	if !ok {
		info = make(map[string]map[string]any, len(channels))
		s.roomsInfo[room] = info
	}
	for channel, params := range channels {
		merged, ok := info[channel]
		if !ok {
			merged = make(map[string]any, len(params))
			info[channel] = merged
		}
		for k, v := range params {
			merged[k] = v
		}
	}
}

func (s *Socket) roomChannels(room string) ([]string, map[string]map[string]any) {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	channels := copyChannels(s.roomsInfo[room])
	names := make([]string, 0, len(channels))
	for name := range channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, channels
}

func copyChannels(in map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(in))
	for channel, params := range in {
		cp := make(map[string]any, len(params))
		for k, v := range params {
			cp[k] = v
		}
		out[channel] = cp
	}
	return out
}
