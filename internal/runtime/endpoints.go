package runtime

import (
	"context"
	"maps"

	errspkg "github.com/drblury/rpcmesh/internal/runtime/errors"
	loggingpkg "github.com/drblury/rpcmesh/internal/runtime/logging"
)

// EndpointOptions is handed to every endpoint handler next to its params.
type EndpointOptions struct {
	// Service is the runtime that owns the endpoint.
	Service *Service
	// Sender is payload.sender of the request.
	Sender string
	// Transport describes the exchange that delivered the request.
	Transport *TransportContext
}

// EndpointHandler serves one endpoint. A nil result is answered with {}.
// Returning a *jsonrpc.Exception keeps its code, status and payload.
type EndpointHandler func(ctx context.Context, params map[string]any, opts EndpointOptions) (map[string]any, error)

// Endpoint is a registered handler and its flags.
type Endpoint struct {
	Handler             EndpointHandler
	IsPrivate           bool
	IsDisableMiddleware bool
}

// EndpointOption customises AddEndpoint.
type EndpointOption func(*Endpoint)

// WithPrivate restricts the endpoint to requests issued inside the mesh.
func WithPrivate() EndpointOption {
	return func(e *Endpoint) { e.IsPrivate = true }
}

// WithoutMiddlewares skips request and response middlewares for the endpoint.
func WithoutMiddlewares() EndpointOption {
	return func(e *Endpoint) { e.IsDisableMiddleware = true }
}

// AddEndpoint registers handler under path, replacing any previous one.
func (s *Service) AddEndpoint(path string, handler EndpointHandler, opts ...EndpointOption) error {
	if path == "" {
		return errspkg.ErrMethodRequired
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}

	endpoint := Endpoint{Handler: handler}
	for _, opt := range opts {
		if opt != nil {
			opt(&endpoint)
		}
	}

	s.endpointsMu.Lock()
	s.endpoints[path] = endpoint
	s.endpointsMu.Unlock()

	s.Logger.Debug("Endpoint registered", loggingpkg.LogFields{"endpoint": path, "private": endpoint.IsPrivate})
	return nil
}

// RemoveEndpoint unregisters path. Unknown paths are ignored.
func (s *Service) RemoveEndpoint(path string) {
	s.endpointsMu.Lock()
	delete(s.endpoints, path)
	s.endpointsMu.Unlock()
}

// GetEndpoints returns a snapshot of the registered endpoints.
func (s *Service) GetEndpoints() map[string]Endpoint {
	s.endpointsMu.RLock()
	defer s.endpointsMu.RUnlock()
	return maps.Clone(s.endpoints)
}

func (s *Service) endpoint(path string) (Endpoint, bool) {
	s.endpointsMu.RLock()
	defer s.endpointsMu.RUnlock()
	e, ok := s.endpoints[path]
	return e, ok
}
