package realtime

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drblury/rpcmesh/internal/runtime"
	"github.com/drblury/rpcmesh/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/rpcmesh/internal/runtime/logging"
	"github.com/drblury/rpcmesh/internal/runtime/metadata"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 20 // 1MB
	sendBuffer = 256
)

// ConnValueKey is the TransportContext.Values key holding the *Conn.
const ConnValueKey = "connection"

// frame is the envelope of every WebSocket message. Clients send
// {"event":"subscribe","ack":N,"data":<request>}; confirmations come back as
// {"ack":N,"data":<response>} and emits as {"event":<method>,"data":<result>}.
type frame struct {
	Event string `json:"event,omitempty"`
	Ack   any    `json:"ack,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Conn is one client connection.
type Conn struct {
	id      string
	socket  *Socket
	ws      *websocket.Conn
	headers metadata.Metadata
	query   map[string]string
	payload map[string]any
	log     loggingpkg.ServiceLogger

	out       chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu    sync.Mutex
	rooms map[string]struct{}
}

func newConn(s *Socket, ws *websocket.Conn, tc *runtime.TransportContext, payload map[string]any) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	id := newID()
	return &Conn{
		id:      id,
		socket:  s,
		ws:      ws,
		headers: tc.Headers,
		query:   tc.Query,
		payload: payload,
		log:     s.Logger.With(loggingpkg.LogFields{"connection": id}),
		out:     make(chan []byte, sendBuffer),
		ctx:     ctx,
		cancel:  cancel,
		rooms:   make(map[string]struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// Headers are the handshake headers.
func (c *Conn) Headers() metadata.Metadata { return c.headers }

// Payload is what the connection middlewares stored for this connection.
func (c *Conn) Payload() map[string]any { return maps.Clone(c.payload) }

// Rooms lists the joined rooms.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

func (c *Conn) addRoom(room string) {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

// Close drops the connection and leaves every room.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.socket.unregister(c)
		_ = c.ws.Close()
	})
}

func (c *Conn) transport() *runtime.TransportContext {
	return &runtime.TransportContext{
		Headers: c.headers,
		Query:   c.query,
		Values:  map[string]any{ConnValueKey: c},
	}
}

// send queues msg, waiting for buffer space. A closed connection swallows it.
func (c *Conn) send(ctx context.Context, msg []byte) error {
	select {
	case c.out <- msg:
		return nil
	case <-c.ctx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend queues msg unless the buffer is full.
func (c *Conn) trySend(msg []byte) {
	select {
	case c.out <- msg:
	case <-c.ctx.Done():
	default:
		c.log.Debug("Client send buffer full, dropping message", nil)
	}
}

func (c *Conn) readPump() {
	defer c.Close()

	c.ws.SetReadLimit(maxMsgSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("WebSocket read error", loggingpkg.LogFields{"error": err.Error()})
			}
			return
		}

		var f frame
		if err := jsoncodec.Unmarshal(message, &f); err != nil {
			c.log.Debug("Invalid client frame", loggingpkg.LogFields{"error": err.Error()})
			continue
		}

		switch f.Event {
		case "subscribe":
			go c.handleSubscribe(f)
		default:
			c.log.Debug("Unknown client event", loggingpkg.LogFields{"event": f.Event})
		}
	}
}

func (c *Conn) handleSubscribe(f frame) {
	res := c.socket.subscribe(c.ctx, c, f.Data)
	if f.Ack == nil {
		return
	}
	msg, err := jsoncodec.Marshal(frame{Ack: f.Ack, Data: res.ToJSON()})
	if err != nil {
		c.log.Error("Failed to encode confirmation", err, nil)
		return
	}
	_ = c.send(c.ctx, msg)
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			for range len(c.out) {
				if err := c.ws.WriteMessage(websocket.TextMessage, <-c.out); err != nil {
					return
				}
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
