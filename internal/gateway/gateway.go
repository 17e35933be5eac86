// Package gateway exposes the mesh to HTTP clients. Client JSON-RPC calls
// (single or batch) are validated, run through the middlewares and routed to
// the service named by the method prefix.
package gateway

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
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/drblury/rpcmesh/internal/runtime"
	configpkg "github.com/drblury/rpcmesh/internal/runtime/config"
	errspkg "github.com/drblury/rpcmesh/internal/runtime/errors"
	"github.com/drblury/rpcmesh/internal/runtime/jsonrpc"
	loggingpkg "github.com/drblury/rpcmesh/internal/runtime/logging"
)

// ShutdownTimeout bounds the graceful stop of the HTTP listener.
var ShutdownTimeout = 5 * time.Second

// MicroserviceHandler serves a service in-process instead of through the
// broker. req carries the client id, the full method and the params after the
// request middlewares.
type MicroserviceHandler func(ctx context.Context, req *jsonrpc.Request, tc *runtime.TransportContext) (*jsonrpc.Response, error)

// RouteHook customises the router before or after the gateway routes.
type RouteHook func(r chi.Router)

// Option customises New.
type Option func(*Gateway)

// WithBeforeRoute runs hook before the gateway routes are mounted. Use it to
// add chi middlewares.
func WithBeforeRoute(hook RouteHook) Option {
	return func(g *Gateway) { g.beforeRoute = hook }
}

// WithAfterRoute runs hook after the gateway routes are mounted.
func WithAfterRoute(hook RouteHook) Option {
	return func(g *Gateway) { g.afterRoute = hook }
}

// Gateway is the HTTP ingress role.
type Gateway struct {
	*runtime.Service

	beforeRoute RouteHook
	afterRoute  RouteHook
	limiter     *rate.Limiter

	mu            sync.RWMutex
	microservices map[string]MicroserviceHandler

	routerOnce sync.Once
	router     chi.Router
}

// New builds a gateway. A nil cfg uses DefaultGateway.
func New(cfg *configpkg.Config, deps runtime.ServiceDependencies, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		cfg = configpkg.DefaultGateway()
	}
	svc, err := runtime.NewService(cfg, deps)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		Service:       svc,
		microservices: make(map[string]MicroserviceHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = max(1, int(cfg.RateLimit))
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	if cfg.HasAutoRegistration {
		err := g.AddEndpoint(cfg.AutoRegistrationEndpoint, g.handleRegistration,
			runtime.WithPrivate(), runtime.WithoutMiddlewares())
		if err != nil {
			return nil, fmt.Errorf("failed to add auto-registration endpoint: %w", err)
		}
	}
	return g, nil
}

// AddMicroservice makes name routable. A nil handler forwards calls through
// the broker; otherwise handler serves them in-process.
func (g *Gateway) AddMicroservice(name string, handler MicroserviceHandler) error {
	if name == "" {
		return errspkg.ErrServiceRequired
	}
	g.mu.Lock()
	g.microservices[name] = handler
	g.mu.Unlock()

	g.Logger.Debug("Microservice added", loggingpkg.LogFields{"microservice": name, "local": handler != nil})
	return nil
}

// RemoveMicroservice makes name unroutable again.
func (g *Gateway) RemoveMicroservice(name string) {
	g.mu.Lock()
	delete(g.microservices, name)
	g.mu.Unlock()

	g.Logger.Debug("Microservice removed", loggingpkg.LogFields{"microservice": name})
}

// GetMicroservices lists the registered service names.
func (g *Gateway) GetMicroservices() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.microservices))
	for name := range g.microservices {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (g *Gateway) microservice(name string) (MicroserviceHandler, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	handler, ok := g.microservices[name]
	return handler, ok
}

// handleRegistration serves the auto-registration endpoint: the sending
// service is added or removed.
func (g *Gateway) handleRegistration(_ context.Context, params map[string]any, opts runtime.EndpointOptions) (map[string]any, error) {
	if opts.Sender == "" {
		return nil, errspkg.ErrSenderRequired
	}
	action, ok := runtime.ParseRegistrationAction(params["action"])
	if !ok {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrUnknownAction, params["action"])
	}

	switch action {
	case runtime.ActionAdd:
		if err := g.AddMicroservice(opts.Sender, nil); err != nil {
			return nil, err
		}
	case runtime.ActionRemove:
		g.RemoveMicroservice(opts.Sender)
	}
	g.Logger.Info("Microservice registration", loggingpkg.LogFields{"microservice": opts.Sender, "action": string(action)})
	return map[string]any{"ok": true}, nil
}

// Router returns the HTTP handler of the gateway. It is built once.
func (g *Gateway) Router() http.Handler {
	g.routerOnce.Do(func() {
		g.router = g.buildRouter()
	})
	return g.router
}

func (g *Gateway) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(g.recoverer)
	if !g.Conf.DisableCompression {
		r.Use(middleware.Compress(5))
	}
	if g.limiter != nil {
		r.Use(g.rateLimit)
	}
	if g.beforeRoute != nil {
		g.beforeRoute(r)
	}
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		g.writeError(w, &statusError{status: http.StatusMethodNotAllowed, err: errors.New("method not allowed")})
	})

	if g.Conf.InfoRoute != "" {
		r.Get(g.Conf.InfoRoute, g.handleInfo)
	}
	if g.Conf.MetricsEnabled && g.Conf.MetricsRoute != "" {
		r.Method(http.MethodGet, g.Conf.MetricsRoute, g.Metrics().Handler())
	}
	if g.Conf.IntrospectionRoute != "" {
		r.Handle(g.Conf.IntrospectionRoute, g.IntrospectionHandler())
	}
	r.Post(g.Conf.Route, g.handleClientRequest)

	if g.afterRoute != nil {
		g.afterRoute(r)
	}
	return r
}

func (g *Gateway) handleInfo(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "%s - available - version: %s", g.Conf.Name, g.Conf.Version)
}

func (g *Gateway) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.limiter.Allow() {
			ex := g.GetException(jsonrpc.ExceptionProps{
				Code:    jsonrpc.CodeInvalidRequest,
				Status:  http.StatusTooManyRequests,
				Message: "Too many requests",
			}, nil)
			writeJSON(w, http.StatusTooManyRequests, jsonrpc.ErrorResponse(nil, ex))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start serves client requests on the listener and runs one task worker plus
// the configured event workers. It returns when ctx is cancelled or either
// side fails; the listener is shut down in both cases.
func (g *Gateway) Start(ctx context.Context) error {
	g.Logger.Info(fmt.Sprintf("%s start. Version: %s", g.Conf.Name, g.Conf.Version), nil)
	if g.Conf.HasAutoRegistration {
		g.Logger.Info("Auto-registration is enabled: any service may register itself", loggingpkg.LogFields{
			"endpoint": g.Conf.AutoRegistrationEndpoint,
		})
	}

	ln, err := net.Listen("tcp", g.Conf.Listener)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	srv := &http.Server{Handler: g.Router(), ReadHeaderTimeout: 10 * time.Second}

	g.Logger.Info(fmt.Sprintf("Client listener %q started on: %s", g.Conf.Name, ln.Addr()), nil)

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
		}()
		return g.StartWorkers(ctx, 1, g.Conf.EventWorkers)
	})
	return eg.Wait()
}
