package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/rpcmesh/internal/runtime"
	"github.com/drblury/rpcmesh/internal/runtime/jsoncodec"
	"github.com/drblury/rpcmesh/internal/runtime/jsonrpc"
	loggingpkg "github.com/drblury/rpcmesh/internal/runtime/logging"
	"github.com/drblury/rpcmesh/internal/runtime/metadata"
)

// handleClientRequest is the POST route of the gateway.
func (g *Gateway) handleClientRequest(w http.ResponseWriter, r *http.Request) {
	body, err := g.decodeBody(w, r)
	if err != nil {
		g.writeError(w, err)
		return
	}

	if invalid := jsonrpc.Validate(body, g.Conf.BatchLimit, g.Conf.Name); invalid != nil {
		writeJSON(w, http.StatusOK, invalid)
		return
	}

	tc := runtime.TransportFromHTTP(w, r)

	entries, isBatch := body.([]any)
	if !isBatch {
		res := g.dispatch(r.Context(), body.(map[string]any), tc)
		g.applyCookies(w, res)
		writeJSON(w, http.StatusOK, res)
		return
	}

	batchID := fmt.Sprintf("%v-batch", entries[0].(map[string]any)["id"])
	log := g.Logger.With(loggingpkg.LogFields{"batch": batchID, "size": len(entries)})
	log.Debug("Batch request", nil)

	responses := make([]*jsonrpc.Response, len(entries))
	var eg errgroup.Group
	for i, entry := range entries {
		eg.Go(func() error {
			responses[i] = g.dispatch(r.Context(), entry.(map[string]any), tc)
			return nil
		})
	}
	_ = eg.Wait()
	log.Debug("End batch request", nil)

	for _, res := range responses {
		g.applyCookies(w, res)
	}

	if tc.Headers.Get(metadata.HeaderType) == metadata.TypeAsync {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	out := make([]map[string]any, 0, len(responses))
	for _, res := range responses {
		if envelope := res.ToJSON(); envelope != nil {
			out = append(out, envelope)
		}
	}
	if len(out) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request) (any, error) {
	if g.Conf.JSONBodyLimit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, g.Conf.JSONBodyLimit)
	}
	body, err := jsoncodec.DecodeAny(r.Body)
	if err == nil {
		return body, nil
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return nil, &statusError{status: http.StatusRequestEntityTooLarge, err: errors.New("request entity too large")}
	}
	return nil, &statusError{status: http.StatusBadRequest, err: err}
}

// dispatch serves one call of a client body and always returns a response.
func (g *Gateway) dispatch(ctx context.Context, body map[string]any, tc *runtime.TransportContext) *jsonrpc.Response {
	if invalid := jsonrpc.ValidateEntry(body, g.Conf.Name); invalid != nil {
		return invalid
	}

	req := jsonrpc.RequestFromMap(body).Clone()
	req.SetPayloadField(jsonrpc.PayloadSender, "client")
	req.SetPayloadField(jsonrpc.PayloadIsInternal, false)
	req.SetPayloadField(jsonrpc.PayloadHeaders, tc.Headers.ToPayload())

	res := jsonrpc.NewResponse(req.ID)
	service, _, _ := strings.Cut(req.Method, ".")
	handler, registered := g.microservice(service)
	if service == "" || (!registered && !g.Conf.HasAutoRegistration) {
		res.SetError(g.GetException(jsonrpc.ExceptionProps{
			Code:    jsonrpc.CodeMicroserviceNotFound,
			Status:  http.StatusNotFound,
			Message: fmt.Sprintf("Microservice %q not found", service),
		}, nil))
		return res
	}

	log := g.Logger.With(loggingpkg.LogFields{"method": req.Method, "id": req.ID})
	log.Debug("Client request", nil)

	result, err := g.forward(ctx, req, handler, tc)
	if err != nil {
		ex, ok := jsonrpc.AsException(err)
		if !ok {
			ex = g.GetException(jsonrpc.ExceptionProps{
				Code:    jsonrpc.CodeGatewayHandlerException,
				Status:  http.StatusInternalServerError,
				Message: err.Error(),
			}, err)
		}
		res.SetError(ex)
		log.Debug("Client request failed", loggingpkg.LogFields{"error": ex.Message()})
		return res
	}

	res.SetResult(result)
	log.Debug("Client response", nil)
	return res
}

func (g *Gateway) forward(ctx context.Context, req *jsonrpc.Request, handler MicroserviceHandler, tc *runtime.TransportContext) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	params, err := g.ApplyMiddlewares(ctx, runtime.MiddlewareData{Task: req}, tc, runtime.MiddlewareRequest)
	if err != nil {
		return nil, err
	}

	var res *jsonrpc.Response
	if handler != nil {
		res, err = handler(ctx, jsonrpc.NewRequest(req.ID, req.Method, params), tc)
	} else {
		opts := []runtime.RequestOption{
			runtime.WithExternal(),
			runtime.WithRequestID(req.ID),
			runtime.WithTimeout(g.Conf.ReqTimeout),
		}
		if tc.Headers.Get(metadata.HeaderType) == metadata.TypeAsync {
			opts = append(opts, runtime.WithAsync())
		} else {
			opts = append(opts, runtime.WithIfPresent())
		}
		res, err = g.SendRequest(ctx, req.Method, params, opts...)
	}
	if err != nil {
		return nil, err
	}
	if res != nil && res.Error != nil {
		return nil, res.Error
	}

	if res != nil {
		result = res.Result
	}
	return g.ApplyMiddlewares(ctx, runtime.MiddlewareData{Task: req, Result: result}, tc, runtime.MiddlewareResponse)
}

// statusError carries the HTTP status of a transport level failure.
type statusError struct {
	status int
	err    error
}

func (e *statusError) Error() string   { return e.err.Error() }
func (e *statusError) Unwrap() error   { return e.err }
func (e *statusError) StatusCode() int { return e.status }

// writeError translates a transport failure into an error envelope. Status,
// code and service come from the error when it carries them.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var coder interface{ StatusCode() int }
	if errors.As(err, &coder) && coder.StatusCode() != 0 {
		status = coder.StatusCode()
	}

	props := jsonrpc.ExceptionProps{
		Code:    jsonrpc.CodeParseError,
		Status:  status,
		Service: g.Conf.Name,
		Message: err.Error(),
	}
	if ex, ok := jsonrpc.AsException(err); ok {
		props = ex.Props()
		if props.Status == 0 {
			props.Status = status
		}
		if props.Code == 0 {
			props.Code = jsonrpc.CodeParseError
		}
	}

	g.Logger.Debug("Client transport error", loggingpkg.LogFields{"status": props.Status, "error": props.Message})
	writeJSON(w, props.Status, jsonrpc.ErrorResponse(nil, jsonrpc.NewException(props)))
}

// recoverer turns handler panics into error envelopes.
func (g *Gateway) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			err, ok := rec.(error)
			if !ok {
				err = fmt.Errorf("%v", rec)
			}
			g.Logger.Error("Gateway panic", err, loggingpkg.LogFields{"path": r.URL.Path})
			g.writeError(w, err)
		}()
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes v, or 204 when v encodes to nothing.
func writeJSON(w http.ResponseWriter, status int, v any) {
	if res, ok := v.(*jsonrpc.Response); ok && res.IsEmpty() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = jsoncodec.Encode(w, v)
}
