package runtime

import (
	"context"
	"slices"
	"strings"

	errspkg "github.com/drblury/rpcmesh/internal/runtime/errors"
	"github.com/drblury/rpcmesh/internal/runtime/jsonrpc"
)

// MiddlewareType selects the pipeline a middleware runs in.
type MiddlewareType string

const (
	MiddlewareRequest  MiddlewareType = "request"
	MiddlewareResponse MiddlewareType = "response"
)

// MiddlewareData is what a middleware sees: the task and, in the response
// pipeline, the handler result.
type MiddlewareData struct {
	Task   *jsonrpc.Request
	Result map[string]any
}

// MiddlewareHandler transforms the running value of a pipeline. Returning a
// nil map leaves the value unchanged. An error aborts the pipeline.
type MiddlewareHandler func(ctx context.Context, data MiddlewareData, tc *TransportContext) (map[string]any, error)

// MiddlewareRegistration is the handle returned by AddMiddleware and accepted
// by RemoveMiddleware.
type MiddlewareRegistration struct {
	Handler MiddlewareHandler
	Type    MiddlewareType
	// Match is a method prefix; a single "*" is stripped before matching.
	Match string
	// Exclude lists methods the middleware never runs for.
	Exclude []string
}

// MiddlewareOption customises AddMiddleware.
type MiddlewareOption func(*MiddlewareRegistration)

// WithMatch limits the middleware to methods starting with prefix.
func WithMatch(prefix string) MiddlewareOption {
	return func(r *MiddlewareRegistration) { r.Match = prefix }
}

// WithExclude skips the middleware for the given methods.
func WithExclude(methods ...string) MiddlewareOption {
	return func(r *MiddlewareRegistration) { r.Exclude = append(r.Exclude, methods...) }
}

func (r *MiddlewareRegistration) applies(method string) bool {
	if !strings.HasPrefix(method, strings.Replace(r.Match, "*", "", 1)) {
		return false
	}
	return !slices.Contains(r.Exclude, method)
}

// AddMiddleware appends handler to the pipeline of the given type.
func (s *Service) AddMiddleware(handler MiddlewareHandler, typ MiddlewareType, opts ...MiddlewareOption) (*MiddlewareRegistration, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if typ == "" {
		typ = MiddlewareRequest
	}

	reg := &MiddlewareRegistration{Handler: handler, Type: typ, Match: "*"}
	for _, opt := range opts {
		if opt != nil {
			opt(reg)
		}
	}

	s.middlewaresMu.Lock()
	s.middlewares[typ] = append(s.middlewares[typ], reg)
	s.middlewaresMu.Unlock()
	return reg, nil
}

// RemoveMiddleware removes reg from whichever pipeline holds it. It reports
// whether anything was removed.
func (s *Service) RemoveMiddleware(reg *MiddlewareRegistration) bool {
	if reg == nil {
		return false
	}

	s.middlewaresMu.Lock()
	defer s.middlewaresMu.Unlock()

	for _, typ := range []MiddlewareType{MiddlewareRequest, MiddlewareResponse} {
		list := s.middlewares[typ]
		if i := slices.Index(list, reg); i >= 0 {
			s.middlewares[typ] = slices.Delete(slices.Clone(list), i, i+1)
			return true
		}
	}
	return false
}

// GetMiddlewares returns a snapshot of the pipeline of the given type.
func (s *Service) GetMiddlewares(typ MiddlewareType) []*MiddlewareRegistration {
	s.middlewaresMu.RLock()
	defer s.middlewaresMu.RUnlock()
	return slices.Clone(s.middlewares[typ])
}

// ApplyMiddlewares runs the pipeline of the given type. The running value
// starts at the task params (request) or the result (response); every handler
// sees the original data.
func (s *Service) ApplyMiddlewares(ctx context.Context, data MiddlewareData, tc *TransportContext, typ MiddlewareType) (map[string]any, error) {
	var value map[string]any
	if typ == MiddlewareRequest {
		if data.Task != nil {
			value = data.Task.Params
		}
	} else {
		value = data.Result
	}

	method := ""
	if data.Task != nil {
		method = data.Task.Method
	}

	for _, reg := range s.GetMiddlewares(typ) {
		if !reg.applies(method) {
			continue
		}
		out, err := reg.Handler(ctx, data, tc)
		if err != nil {
			return nil, err
		}
		if out != nil {
			value = out
		}
	}
	return value, nil
}
