package realtime

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	errspkg "github.com/drblury/rpcmesh/internal/runtime/errors"
	"github.com/drblury/rpcmesh/internal/runtime/jsoncodec"
	"github.com/drblury/rpcmesh/internal/runtime/jsonrpc"
)

// RoomSigner issues and checks the tokens that let a client rejoin its rooms
// on reconnect.
type RoomSigner interface {
	Sign(rooms []string) (string, error)
	// Verify returns the rooms of a valid token. On failure the returned rooms
	// may still carry the unverified claim, for diagnostics only.
	Verify(token string) ([]string, error)
}

// JWTRoomSigner signs rooms as an HS256 token with a "rooms" claim.
type JWTRoomSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type roomClaims struct {
	Rooms []string `json:"rooms"`
	jwt.RegisteredClaims
}

// NewJWTRoomSigner returns a signer whose tokens expire after ttl. A ttl of
// zero issues tokens without expiry.
func NewJWTRoomSigner(secret string, ttl time.Duration) (*JWTRoomSigner, error) {
	if secret == "" {
		return nil, errspkg.ErrRoomSignerRequired
	}
	return &JWTRoomSigner{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

func (s *JWTRoomSigner) Sign(rooms []string) (string, error) {
	now := s.now()
	claims := roomClaims{
		Rooms:            rooms,
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(now)},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *JWTRoomSigner) Verify(token string) ([]string, error) {
	var claims roomClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err == nil {
		return claims.Rooms, nil
	}

	var peek roomClaims
	if _, _, perr := jwt.NewParser().ParseUnverified(token, &peek); perr == nil {
		return peek.Rooms, err
	}
	return nil, err
}

// decodeRooms reads the "rooms" handshake header: a JSON array of room
// tokens. An empty header means no rooms.
func (s *Socket) decodeRooms(header string) ([]string, error) {
	if header == "" {
		return nil, nil
	}

	var decoded any
	if err := jsoncodec.Unmarshal([]byte(header), &decoded); err != nil {
		return nil, s.roomsException("Invalid signed rooms. The rooms must be a JSON string.", nil)
	}
	tokens, ok := decoded.([]any)
	if !ok {
		return nil, s.roomsException("Invalid signed rooms. The rooms must be a array.", nil)
	}

	signer := s.signer()
	var rooms []string
	for _, raw := range tokens {
		token, _ := raw.(string)
		if signer == nil {
			return nil, s.roomsException("Failed decode rooms: "+errspkg.ErrRoomSignerRequired.Error(), nil)
		}
		verified, err := signer.Verify(token)
		if err != nil {
			return nil, s.roomsException(fmt.Sprintf("Failed decode rooms: %s", err), map[string]any{"rooms": verified})
		}
		rooms = append(rooms, verified...)
	}
	return rooms, nil
}

func (s *Socket) roomsException(message string, payload map[string]any) *jsonrpc.Exception {
	return s.GetException(jsonrpc.ExceptionProps{
		Status:  http.StatusUnprocessableEntity,
		Message: message,
		Payload: payload,
	}, nil)
}
