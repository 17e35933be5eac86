package runtime

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/drblury/rpcmesh/internal/runtime/jsonrpc"
	loggingpkg "github.com/drblury/rpcmesh/internal/runtime/logging"
)

// ExecuteRequest runs task against the local endpoints and returns the
// response to send back. It never returns nil and never panics: handler
// failures become error responses.
func (s *Service) ExecuteRequest(ctx context.Context, task jsonrpc.Task, tc *TransportContext) *jsonrpc.Response {
	res := jsonrpc.NewResponse(task.ID())
	if task.Failure != nil {
		res.SetError(task.Failure.Error)
		return res
	}
	req := task.Request
	if req == nil {
		res.SetError(s.GetException(jsonrpc.ExceptionProps{
			Code:    jsonrpc.CodeInvalidRequest,
			Status:  500,
			Message: "Empty task.",
		}, nil))
		return res
	}

	endpoint, ok := s.endpoint(req.Method)
	if !ok || (endpoint.IsPrivate && !req.IsInternal()) {
		res.SetError(s.GetException(jsonrpc.ExceptionProps{
			Code:    jsonrpc.CodeMethodNotFound,
			Status:  404,
			Message: "Unknown method: " + req.Method,
		}, nil))
		return res
	}

	rc := RequestContext{
		Service:   s.Conf.Name,
		Method:    req.Method,
		ID:        req.ID,
		Sender:    req.Sender(),
		Context:   ctx,
		StartedAt: time.Now(),
	}
	if tc != nil {
		rc.Headers = tc.Headers
	}
	s.hooks.start(rc)

	ctx, span := s.startSpan(ctx, "rpcmesh.execute", req.Method)
	result, err := s.invoke(ctx, req, endpoint, tc)
	endSpan(span, err)

	rc.Duration = time.Since(rc.StartedAt)
	s.hooks.finish(rc, err)

	if err == nil {
		res.SetResult(result)
		s.metrics.RecordRequest(s.Conf.Name, req.Method, 0, rc.Duration)
		return res
	}

	props := jsonrpc.ExceptionProps{
		Code:    jsonrpc.CodeEndpointException,
		Status:  500,
		Message: fmt.Sprintf("Endpoint exception (%s): %s", req.Method, err.Error()),
	}
	if ex, ok := jsonrpc.AsException(err); ok {
		props.Message = fmt.Sprintf("Endpoint exception (%s): %s", req.Method, ex.Message())
		if ex.Code() != 0 {
			props.Code = ex.Code()
		}
		if ex.Status() != 0 {
			props.Status = ex.Status()
		}
		props.Payload = ex.Payload()
		props.Stack = ex.Stack()
	}
	res.SetError(s.GetException(props, err))

	s.metrics.RecordRequest(s.Conf.Name, req.Method, props.Code, rc.Duration)
	s.Logger.Error("Endpoint exception", err, loggingpkg.LogFields{
		"method": req.Method,
		"id":     req.ID,
		"sender": rc.Sender,
	})
	return res
}

func (s *Service) invoke(ctx context.Context, req *jsonrpc.Request, endpoint Endpoint, tc *TransportContext) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error("Endpoint panic", fmt.Errorf("%v", r), loggingpkg.LogFields{
				"method": req.Method,
				"stack":  string(debug.Stack()),
			})
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	params := req.Params
	if !endpoint.IsDisableMiddleware {
		if params, err = s.ApplyMiddlewares(ctx, MiddlewareData{Task: req}, tc, MiddlewareRequest); err != nil {
			return nil, err
		}
	}
	if params == nil {
		params = map[string]any{}
	}

	result, err = endpoint.Handler(ctx, params, EndpointOptions{
		Service:   s,
		Sender:    req.Sender(),
		Transport: tc,
	})
	if err != nil {
		return nil, err
	}

	if !endpoint.IsDisableMiddleware {
		if result, err = s.ApplyMiddlewares(ctx, MiddlewareData{Task: req, Result: result}, tc, MiddlewareResponse); err != nil {
			return nil, err
		}
	}
	if result == nil {
		result = map[string]any{}
	}
	return result, nil
}
