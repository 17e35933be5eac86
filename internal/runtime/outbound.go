package runtime

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/drblury/rpcmesh/internal/runtime/broker"
	errspkg "github.com/drblury/rpcmesh/internal/runtime/errors"
	"github.com/drblury/rpcmesh/internal/runtime/ids"
	"github.com/drblury/rpcmesh/internal/runtime/jsonrpc"
	loggingpkg "github.com/drblury/rpcmesh/internal/runtime/logging"
	"github.com/drblury/rpcmesh/internal/runtime/metadata"
)

// DefaultRequestTimeout bounds SendRequest when no WithTimeout is given.
const DefaultRequestTimeout = 5 * time.Minute

type requestOptions struct {
	id         any
	generateID bool
	isInternal bool
	noThrow    bool
	timeout    time.Duration
	headers    metadata.Metadata
}

// RequestOption customises SendRequest.
type RequestOption func(*requestOptions)

// WithRequestID reuses id instead of generating one. A nil id is ignored.
func WithRequestID(id any) RequestOption {
	return func(o *requestOptions) {
		if id != nil {
			o.id = id
		}
	}
}

// WithoutID sends a notification: no id is generated.
func WithoutID() RequestOption {
	return func(o *requestOptions) { o.generateID = false }
}

// WithExternal marks the request as coming from outside the mesh, so private
// endpoints reject it.
func WithExternal() RequestOption {
	return func(o *requestOptions) { o.isInternal = false }
}

// WithNoThrow returns a remote error inside the response instead of as error.
func WithNoThrow() RequestOption {
	return func(o *requestOptions) { o.noThrow = true }
}

// WithTimeout bounds the broker round trip.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithHeaders adds headers to the broker call.
func WithHeaders(headers metadata.Metadata) RequestOption {
	return func(o *requestOptions) { o.headers = o.headers.WithAll(headers) }
}

// WithAsync asks the broker to answer immediately without waiting for the
// result.
func WithAsync() RequestOption {
	return WithHeaders(metadata.New(metadata.HeaderType, metadata.TypeAsync))
}

// WithIfPresent fails with MICROSERVICE_NOT_FOUND instead of queueing when
// the target has no worker.
func WithIfPresent() RequestOption {
	return WithHeaders(metadata.New(metadata.HeaderOption, metadata.OptionIfPresent))
}

// SendRequest calls method ("service.endpoint") through the broker. Remote
// and transport failures are returned as *jsonrpc.Exception errors; with
// WithNoThrow a remote error is carried by the returned response instead.
func (s *Service) SendRequest(ctx context.Context, method string, params map[string]any, opts ...RequestOption) (*jsonrpc.Response, error) {
	if method == "" {
		return nil, errspkg.ErrMethodRequired
	}
	service, endpoint, ok := strings.Cut(method, ".")
	if !ok || service == "" {
		return nil, fmt.Errorf("%w: %q", errspkg.ErrInvalidMethod, method)
	}

	o := requestOptions{generateID: true, isInternal: true, timeout: DefaultRequestTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	id := o.id
	if id == nil && o.generateID {
		id = ids.NewRequestID()
	}
	req := jsonrpc.NewRequest(id, endpoint, params).Clone()
	req.SetPayloadField(jsonrpc.PayloadSender, s.Conf.Name)
	req.SetPayloadField(jsonrpc.PayloadIsInternal, o.isInternal)

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	ctx, span := s.startSpan(ctx, "rpcmesh.send", method)

	started := time.Now()
	res, err := s.sendRequest(ctx, service, req, o)
	endSpan(span, err)

	code := 0
	if ex, ok := jsonrpc.AsException(err); ok {
		code = ex.Code()
	}
	s.metrics.RecordOutbound(s.Conf.Name, service, code, time.Since(started))
	return res, err
}

func (s *Service) sendRequest(ctx context.Context, service string, req *jsonrpc.Request, o requestOptions) (*jsonrpc.Response, error) {
	res, err := s.call(ctx, service, req, o)
	if err == nil {
		return res, nil
	}

	s.InvalidateConnection()
	if _, ok := jsonrpc.AsException(err); ok {
		return nil, err
	}

	props := jsonrpc.ExceptionProps{
		Code:    jsonrpc.CodeMicroserviceDown,
		Status:  http.StatusInternalServerError,
		Message: err.Error(),
	}
	if broker.StatusCode(err) == http.StatusNotFound {
		props.Status = http.StatusNotFound
		props.Message = fmt.Sprintf("Microservice %q is down.", service)
	}
	s.Logger.Debug("Outbound request failed", loggingpkg.LogFields{
		"method": req.Method,
		"id":     req.ID,
		"error":  err.Error(),
	})
	return nil, s.GetException(props, err)
}

func (s *Service) call(ctx context.Context, service string, req *jsonrpc.Request, o requestOptions) (*jsonrpc.Response, error) {
	conn, err := s.GetConnection(ctx)
	if err != nil {
		return nil, err
	}

	reply, err := s.broker.Call(ctx, conn, service, req, o.headers)
	if err != nil {
		return nil, err
	}

	res := jsonrpc.NewResponse(req.ID)
	if reply == nil {
		if o.headers.Get(metadata.HeaderOption) == metadata.OptionIfPresent {
			return nil, s.GetException(jsonrpc.ExceptionProps{
				Code:    jsonrpc.CodeMicroserviceNotFound,
				Status:  http.StatusNotFound,
				Message: fmt.Sprintf("Microservice %q not found", service),
			}, nil)
		}
		return res, nil
	}

	if reply.Error != nil {
		if !o.noThrow {
			return nil, reply.Error
		}
		res.SetError(reply.Error)
		return res, nil
	}
	res.SetResult(reply.Result)
	return res, nil
}
