package realtime

import (
	"context"
	"maps"
	"strings"

	"github.com/google/uuid"

	"github.com/drblury/rpcmesh/internal/runtime"
	"github.com/drblury/rpcmesh/internal/runtime/jsoncodec"
	"github.com/drblury/rpcmesh/internal/runtime/jsonrpc"
	loggingpkg "github.com/drblury/rpcmesh/internal/runtime/logging"
)

// roomSeparator joins the method and key parts of a room name.
const roomSeparator = "::"

// EmitParams selects the room of an Emit and the data sent to it.
type EmitParams struct {
	RoomKey string
	Data    map[string]any
	// IsVolatile drops the message for connections whose buffer is full
	// instead of waiting for them.
	IsVolatile bool
}

func newID() string { return uuid.NewString() }

func joinRoomName(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, roomSeparator)
}

// baseRoomName strips a room down to "method::key".
func baseRoomName(room string) string {
	parts := strings.SplitN(room, roomSeparator, 3)
	if len(parts) < 2 {
		return room
	}
	return parts[0] + roomSeparator + parts[1]
}

func (s *Socket) register(c *Conn) {
	s.roomsMu.Lock()
	s.conns[c] = struct{}{}
	total := len(s.conns)
	s.roomsMu.Unlock()

	c.log.Debug("Client connected", loggingpkg.LogFields{"total": total})
}

func (s *Socket) unregister(c *Conn) {
	s.roomsMu.Lock()
	if _, ok := s.conns[c]; !ok {
		s.roomsMu.Unlock()
		return
	}
	delete(s.conns, c)
	for _, room := range c.Rooms() {
		if members, ok := s.rooms[room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(s.rooms, room)
			}
		}
	}
	total := len(s.conns)
	s.roomsMu.Unlock()

	c.log.Debug("Client disconnected", loggingpkg.LogFields{"total": total})
}

func (s *Socket) join(c *Conn, rooms ...string) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	if _, ok := s.conns[c]; !ok {
		return
	}
	for _, room := range rooms {
		members, ok := s.rooms[room]
		if !ok {
			members = make(map[*Conn]struct{})
			s.rooms[room] = members
		}
		members[c] = struct{}{}
		c.addRoom(room)
	}
}

func (s *Socket) members(room string) []*Conn {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()
	out := make([]*Conn, 0, len(s.rooms[room]))
	for c := range s.rooms[room] {
		out = append(out, c)
	}
	return out
}

// RoomSize returns the number of connections in room.
func (s *Socket) RoomSize(room string) int {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()
	return len(s.rooms[room])
}

func (s *Socket) closeAll() {
	s.roomsMu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.roomsMu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}

// Emit sends data as event method to the room "method::RoomKey", once per
// interested channel. Channels whose room is empty are skipped. The response
// middlewares see a synthetic client.emit request.
func (s *Socket) Emit(ctx context.Context, method string, params EmitParams) error {
	roomName := joinRoomName(method, params.RoomKey)
	channels, info := s.roomChannels(roomName)

	for _, channel := range channels {
		room := s.roomName(roomName, RoomNameContext{Channel: channel, ChannelParams: info[channel]})
		conns := s.members(room)
		if len(conns) == 0 {
			continue
		}

		task := jsonrpc.NewRequest(newID(), "client.emit", map[string]any{
			"method":                  method,
			"channel":                 channel,
			jsonrpc.PayloadIsInternal: true,
		})
		result, err := s.ApplyMiddlewares(ctx, runtime.MiddlewareData{Task: task, Result: params.Data}, nil, runtime.MiddlewareResponse)
		if err != nil {
			return err
		}

		result = maps.Clone(result)
		if result == nil {
			result = map[string]any{}
		}
		payload := map[string]any{}
		if p, ok := result[jsonrpc.PayloadKey].(map[string]any); ok {
			maps.Copy(payload, p)
		}
		if p, ok := params.Data[jsonrpc.PayloadKey].(map[string]any); ok {
			maps.Copy(payload, p)
		}
		result[jsonrpc.PayloadKey] = payload

		msg, err := jsoncodec.Marshal(frame{Event: method, Data: result})
		if err != nil {
			return err
		}
		for _, c := range conns {
			if params.IsVolatile {
				c.trySend(msg)
				continue
			}
			if err := c.send(ctx, msg); err != nil {
				return err
			}
		}
		s.Logger.Trace("Emit", loggingpkg.LogFields{"room": room, "event": method, "clients": len(conns)})
	}
	return nil
}
