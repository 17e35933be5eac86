package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/rpcmesh/internal/runtime/logging"
	"github.com/drblury/rpcmesh/internal/runtime/metadata"
)

// RequestContext provides information about a request execution to hooks.
type RequestContext struct {
	// Service is the name of the executing service.
	Service string
	// Method is the endpoint being executed.
	Method string
	// ID is the request id, nil for notifications.
	ID any
	// Sender is payload.sender of the request.
	Sender string
	// Headers are the transport headers of the exchange.
	Headers metadata.Metadata
	// Context is the context of the execution.
	Context context.Context
	// StartedAt is when execution started.
	StartedAt time.Time
	// Duration is how long execution took (only set in OnRequestDone and OnRequestError).
	Duration time.Duration
}

// RequestHooks defines callbacks for the request lifecycle.
// All hooks are optional - nil hooks are simply not called.
type RequestHooks struct {
	// OnRequestStart is called before middlewares and the handler run.
	OnRequestStart func(ctx RequestContext)

	// OnRequestDone is called when execution produced a result.
	OnRequestDone func(ctx RequestContext)

	// OnRequestError is called when execution produced an error response.
	OnRequestError func(ctx RequestContext, err error)
}

// Merge combines two RequestHooks, creating a new RequestHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h RequestHooks) Merge(other RequestHooks) RequestHooks {
	return RequestHooks{
		OnRequestStart: chainHooks(h.OnRequestStart, other.OnRequestStart),
		OnRequestDone:  chainHooks(h.OnRequestDone, other.OnRequestDone),
		OnRequestError: chainErrorHooks(h.OnRequestError, other.OnRequestError),
	}
}

func chainHooks(a, b func(RequestContext)) func(RequestContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx RequestContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(RequestContext, error)) func(RequestContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx RequestContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h RequestHooks) start(ctx RequestContext) {
	if h.OnRequestStart != nil {
		h.OnRequestStart(ctx)
	}
}

func (h RequestHooks) finish(ctx RequestContext, err error) {
	if err != nil {
		if h.OnRequestError != nil {
			h.OnRequestError(ctx, err)
		}
		return
	}
	if h.OnRequestDone != nil {
		h.OnRequestDone(ctx)
	}
}

// LoggingHooks returns pre-built hooks that log the request lifecycle.
func LoggingHooks(logger interface {
	Info(msg string, fields loggingpkg.LogFields)
	Error(msg string, err error, fields loggingpkg.LogFields)
}) RequestHooks {
	return RequestHooks{
		OnRequestStart: func(ctx RequestContext) {
			logger.Info("Request started", loggingpkg.LogFields{
				"method": ctx.Method,
				"id":     ctx.ID,
				"sender": ctx.Sender,
			})
		},
		OnRequestDone: func(ctx RequestContext) {
			logger.Info("Request completed", loggingpkg.LogFields{
				"method":      ctx.Method,
				"id":          ctx.ID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnRequestError: func(ctx RequestContext, err error) {
			logger.Error("Request failed", err, loggingpkg.LogFields{
				"method":      ctx.Method,
				"id":          ctx.ID,
				"sender":      ctx.Sender,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that report the request lifecycle to
// plain callbacks.
func MetricsHooks(onStart, onDone, onError func(service, method string)) RequestHooks {
	return RequestHooks{
		OnRequestStart: func(ctx RequestContext) {
			if onStart != nil {
				onStart(ctx.Service, ctx.Method)
			}
		},
		OnRequestDone: func(ctx RequestContext) {
			if onDone != nil {
				onDone(ctx.Service, ctx.Method)
			}
		},
		OnRequestError: func(ctx RequestContext, err error) {
			if onError != nil {
				onError(ctx.Service, ctx.Method)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on request errors.
func AlertingHooks(alertFunc func(ctx RequestContext, err error)) RequestHooks {
	return RequestHooks{
		OnRequestError: alertFunc,
	}
}
