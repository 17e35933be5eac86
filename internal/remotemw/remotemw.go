// Package remotemw lets a service run another service's endpoint as one of
// its middlewares. The owner of the endpoint asks the target to install a
// proxy through RegisterRemote; the target forwards every matching task to it.
package remotemw

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/drblury/rpcmesh/internal/runtime"
	errspkg "github.com/drblury/rpcmesh/internal/runtime/errors"
	"github.com/drblury/rpcmesh/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/rpcmesh/internal/runtime/logging"
)

// EndpointName is the private endpoint that accepts registrations.
const EndpointName = "middlewares"

const (
	ActionAdd    = runtime.ActionAdd
	ActionRemove = runtime.ActionRemove
)

// AddOptions describes how a proxy runs.
type AddOptions struct {
	Type runtime.MiddlewareType `json:"type,omitempty"`
	// IsRequired fails the pipeline when the remote call fails. Otherwise the
	// error is logged and the value passes through unchanged.
	IsRequired bool `json:"isRequired,omitempty"`
	// TimeoutMS bounds the forwarded call. Zero keeps the runtime default.
	TimeoutMS int64 `json:"timeout,omitempty"`
}

// EndpointParams is the body of a registration call.
type EndpointParams struct {
	Action  runtime.RegistrationAction `json:"action"`
	Method  string                     `json:"method"`
	Options AddOptions                 `json:"options"`
}

func (p EndpointParams) toMap() (map[string]any, error) {
	out := map[string]any{}
	if err := jsoncodec.Convert(p, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type registration struct {
	service string
	method  string
}

// Service manages the proxies installed on one runtime and the registrations
// it holds on other services.
type Service struct {
	svc *runtime.Service
	log loggingpkg.ServiceLogger

	mu      sync.Mutex
	methods map[string]*runtime.MiddlewareRegistration
	active  map[registration]EndpointParams

	exitOnce sync.Once
}

// New binds the protocol to svc.
func New(svc *runtime.Service) *Service {
	return &Service{
		svc:     svc,
		log:     svc.Logger.With(loggingpkg.LogFields{"component": "remote-middleware"}),
		methods: make(map[string]*runtime.MiddlewareRegistration),
		active:  make(map[registration]EndpointParams),
	}
}

// Add installs a middleware that forwards the task, the running result and
// the sanitized transport context to method.
func (r *Service) Add(method string, opts AddOptions) (*runtime.MiddlewareRegistration, error) {
	if method == "" {
		return nil, errspkg.ErrMethodRequired
	}
	switch opts.Type {
	case "", runtime.MiddlewareRequest, runtime.MiddlewareResponse:
	default:
		return nil, fmt.Errorf("rpcmesh: unknown middleware type %q", opts.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.methods[method]; ok {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrMiddlewareRegistered, method)
	}

	reg, err := r.svc.AddMiddleware(r.proxy(method, opts), opts.Type)
	if err != nil {
		return nil, err
	}
	r.methods[method] = reg
	r.log.Debug("Remote middleware added", loggingpkg.LogFields{"method": method, "type": reg.Type})
	return reg, nil
}

func (r *Service) proxy(method string, opts AddOptions) runtime.MiddlewareHandler {
	var reqOpts []runtime.RequestOption
	if opts.TimeoutMS > 0 {
		reqOpts = append(reqOpts, runtime.WithTimeout(time.Duration(opts.TimeoutMS)*time.Millisecond))
	}

	return func(ctx context.Context, data runtime.MiddlewareData, tc *runtime.TransportContext) (map[string]any, error) {
		params := map[string]any{
			"result": data.Result,
			"req":    tc.Sanitize(),
		}
		var id any
		if data.Task != nil {
			params["task"] = data.Task.ToJSON()
			id = data.Task.ID
		}

		res, err := r.svc.SendRequest(ctx, method, params, reqOpts...)
		if err != nil {
			r.log.Error("Remote middleware error", err, loggingpkg.LogFields{"method": method, "id": id})
			if opts.IsRequired {
				return nil, err
			}
			return nil, nil
		}
		return res.Result, nil
	}
}

// Remove uninstalls the proxy for method. It reports whether one existed.
func (r *Service) Remove(method string) bool {
	r.mu.Lock()
	reg, ok := r.methods[method]
	delete(r.methods, method)
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.svc.RemoveMiddleware(reg)
	r.log.Debug("Remote middleware removed", loggingpkg.LogFields{"method": method})
	return true
}

// Methods lists the installed proxies.
func (r *Service) Methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.methods))
	for method := range r.methods {
		out = append(out, method)
	}
	sort.Strings(out)
	return out
}

// AddEndpoint exposes EndpointName. The remote method is namespaced with the
// sender so two services cannot replace each other's proxies. A repeated ADD
// replaces the existing proxy.
func (r *Service) AddEndpoint() error {
	return r.svc.AddEndpoint(EndpointName, r.handleEndpoint, runtime.WithPrivate(), runtime.WithoutMiddlewares())
}

func (r *Service) handleEndpoint(_ context.Context, params map[string]any, opts runtime.EndpointOptions) (map[string]any, error) {
	action, ok := runtime.ParseRegistrationAction(params["action"])
	method, _ := params["method"].(string)
	if !ok || opts.Sender == "" || method == "" {
		r.log.Debug("Rejected remote middleware registration", loggingpkg.LogFields{"sender": opts.Sender, "action": params["action"]})
		return map[string]any{"ok": false}, nil
	}

	var p EndpointParams
	if err := jsoncodec.Convert(params, &p); err != nil {
		return map[string]any{"ok": false}, nil
	}

	namespaced := opts.Sender + "." + method
	switch action {
	case ActionAdd:
		r.Remove(namespaced)
		if _, err := r.Add(namespaced, p.Options); err != nil {
			return nil, err
		}
	case ActionRemove:
		r.Remove(namespaced)
	}
	return map[string]any{"ok": true}, nil
}

// RegisterRemote asks service to install (or remove) a proxy to one of this
// service's endpoints. Actions other than ADD and REMOVE are ignored.
func (r *Service) RegisterRemote(ctx context.Context, service string, params EndpointParams, opts ...runtime.RegisterOption) error {
	action, ok := runtime.ParseRegistrationAction(string(params.Action))
	if !ok {
		return nil
	}
	params.Action = action
	o := runtime.NewRegisterOptions(opts...)

	body, err := params.toMap()
	if err != nil {
		return err
	}
	if _, err := r.svc.SendRequest(ctx, service+"."+EndpointName, body, runtime.WithTimeout(o.Timeout)); err != nil {
		return err
	}

	key := registration{service: service, method: params.Method}
	r.mu.Lock()
	if action == ActionAdd && o.CancelOnExit {
		r.active[key] = params
	} else {
		delete(r.active, key)
	}
	r.mu.Unlock()
	return nil
}

// Active lists the registrations that will be cancelled on exit, as
// "service.method".
func (r *Service) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.active))
	for key := range r.active {
		out = append(out, key.service+"."+key.method)
	}
	sort.Strings(out)
	return out
}

// RegisterOnExit cancels every active registration when the runtime shuts
// down. Calling it more than once has no effect.
func (r *Service) RegisterOnExit() {
	r.exitOnce.Do(func() {
		r.svc.OnExit(func(ctx context.Context, _ any) error {
			return r.cancelAll(ctx)
		})
	})
}

func (r *Service) cancelAll(ctx context.Context) error {
	r.mu.Lock()
	pending := make(map[registration]EndpointParams, len(r.active))
	for key, params := range r.active {
		pending[key] = params
	}
	r.mu.Unlock()

	var errs []error
	for key, params := range pending {
		params.Action = runtime.ActionRemove
		if err := r.RegisterRemote(ctx, key.service, params); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s.%s: %w", key.service, key.method, err))
		}
	}
	return errors.Join(errs...)
}
