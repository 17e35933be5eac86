package runtime

import (
	"net/http"
	"sort"
	"strings"

	"github.com/drblury/rpcmesh/internal/runtime/jsoncodec"
)

// EndpointInfo describes a registered endpoint.
type EndpointInfo struct {
	Method             string `json:"method"`
	Private            bool   `json:"private"`
	MiddlewareDisabled bool   `json:"middleware_disabled"`
}

// Introspection is the JSON document served by IntrospectionHandler.
type Introspection struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Endpoints   []EndpointInfo `json:"endpoints"`
	Middlewares map[string]int `json:"middlewares"`
	Events      []string       `json:"events"`
}

// Describe returns a snapshot of the service registries.
func (s *Service) Describe() Introspection {
	out := Introspection{
		Name:    s.Conf.Name,
		Version: s.Conf.Version,
		Middlewares: map[string]int{
			string(MiddlewareRequest):  len(s.GetMiddlewares(MiddlewareRequest)),
			string(MiddlewareResponse): len(s.GetMiddlewares(MiddlewareResponse)),
		},
		Endpoints: []EndpointInfo{},
		Events:    []string{},
	}
	for method, e := range s.GetEndpoints() {
		out.Endpoints = append(out.Endpoints, EndpointInfo{
			Method:             method,
			Private:            e.IsPrivate,
			MiddlewareDisabled: e.IsDisableMiddleware,
		})
	}
	sort.Slice(out.Endpoints, func(i, j int) bool { return out.Endpoints[i].Method < out.Endpoints[j].Method })
	for pattern := range s.GetEventHandlers() {
		out.Events = append(out.Events, pattern)
	}
	sort.Strings(out.Events)
	return out
}

// IntrospectionHandler serves Describe as JSON.
func (s *Service) IntrospectionHandler() http.Handler {
	return http.HandlerFunc(s.handleIntrospection)
}

func (s *Service) handleIntrospection(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if len(s.Conf.IntrospectionCORSAllowedOrigins) > 0 {
		if allowed := s.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := jsoncodec.Encode(w, s.Describe()); err != nil {
		s.Logger.Error("Failed to encode introspection", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// allowedCORSOrigin checks if the request origin is allowed and returns the
// matching Access-Control-Allow-Origin value.
func (s *Service) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.IntrospectionCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
