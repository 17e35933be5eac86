// Package worker is the plain service role: it serves its endpoints from the
// broker, announces itself to a gateway and accepts remote middlewares.
package worker

import (
	"context"
	"fmt"

	"github.com/drblury/rpcmesh/internal/remotemw"
	"github.com/drblury/rpcmesh/internal/runtime"
	configpkg "github.com/drblury/rpcmesh/internal/runtime/config"
	loggingpkg "github.com/drblury/rpcmesh/internal/runtime/logging"
)

// Worker embeds the runtime so endpoints, middlewares and event handlers are
// registered on it directly.
type Worker struct {
	*runtime.Service

	remote *remotemw.Service
}

// New builds a worker. A nil cfg uses DefaultWorker.
func New(cfg *configpkg.Config, deps runtime.ServiceDependencies) (*Worker, error) {
	if cfg == nil {
		cfg = configpkg.DefaultWorker()
	}
	svc, err := runtime.NewService(cfg, deps)
	if err != nil {
		return nil, err
	}

	w := &Worker{Service: svc, remote: remotemw.New(svc)}
	w.remote.RegisterOnExit()
	if cfg.HasRemoteMiddlewareEndpoint {
		if err := w.remote.AddEndpoint(); err != nil {
			return nil, fmt.Errorf("failed to add remote middleware endpoint: %w", err)
		}
	}
	return w, nil
}

// RemoteMiddleware exposes the remote middleware protocol of the worker.
func (w *Worker) RemoteMiddleware() *remotemw.Service {
	return w.remote
}

// GatewayRegister announces the worker to gateway so client calls for its
// name are routed here. Unless WithoutCancelOnExit is given the registration
// is withdrawn on shutdown.
func (w *Worker) GatewayRegister(ctx context.Context, gateway string, opts ...runtime.RegisterOption) error {
	o := runtime.NewRegisterOptions(opts...)

	_, err := w.SendRequest(ctx, w.registrationMethod(gateway),
		map[string]any{"action": string(runtime.ActionAdd)},
		runtime.WithTimeout(o.Timeout))
	if err != nil {
		return err
	}

	if o.CancelOnExit {
		w.OnExit(func(ctx context.Context, _ any) error {
			return w.GatewayRegisterCancel(ctx, gateway, true)
		})
	}
	w.Logger.Info("Registered on gateway", loggingpkg.LogFields{"gateway": gateway})
	return nil
}

// GatewayRegisterCancel withdraws the registration. With async the broker
// does not wait for the gateway to answer.
func (w *Worker) GatewayRegisterCancel(ctx context.Context, gateway string, async bool) error {
	opts := []runtime.RequestOption{}
	if async {
		opts = append(opts, runtime.WithAsync())
	}
	_, err := w.SendRequest(ctx, w.registrationMethod(gateway),
		map[string]any{"action": string(runtime.ActionRemove)},
		opts...)
	return err
}

func (w *Worker) registrationMethod(gateway string) string {
	return gateway + "." + w.Conf.AutoRegistrationEndpoint
}

// Start registers on the configured gateway in the background and serves
// tasks and events until ctx is cancelled or the broker goes away.
func (w *Worker) Start(ctx context.Context) error {
	w.Logger.Info(fmt.Sprintf("%s started. Version: %s", w.Conf.Name, w.Conf.Version), nil)

	if gateway := w.Conf.AutoRegistrationGateway; gateway != "" {
		go func() {
			if err := w.GatewayRegister(ctx, gateway); err != nil && ctx.Err() == nil {
				w.Logger.Error("Gateway registration failed", err, loggingpkg.LogFields{"gateway": gateway})
			}
		}()
	}

	return w.StartWorkers(ctx, w.Conf.Workers, w.Conf.EventWorkers)
}
