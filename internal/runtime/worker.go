package runtime

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/rpcmesh/internal/runtime/broker"
	errspkg "github.com/drblury/rpcmesh/internal/runtime/errors"
	"github.com/drblury/rpcmesh/internal/runtime/jsonrpc"
	loggingpkg "github.com/drblury/rpcmesh/internal/runtime/logging"
)

// RunWorker serves the task channel of the service: it fetches a task,
// executes it and hands the response back while fetching the next one. It
// returns nil on cancellation and an error when the broker goes away.
func (s *Service) RunWorker(ctx context.Context, n int) error {
	log := s.Logger.With(loggingpkg.LogFields{"worker": n})
	s.metrics.WorkerStarted(s.Conf.Name, "task")
	defer s.metrics.WorkerStopped(s.Conf.Name, "task")

	log.Debug("Worker started", nil)

	var prev *jsonrpc.Response
	for {
		task, tc, err := s.getTask(ctx, prev)
		if err != nil {
			if ctx.Err() != nil {
				log.Debug("Worker stopped", nil)
				return nil
			}
			log.Error("Worker shutdown", err, nil)
			return err
		}
		prev = s.ExecuteRequest(ctx, task, tc)
	}
}

// getTask acknowledges prev and returns the next task. Broker failures that
// are not terminal turn into a failure task answering prev.
func (s *Service) getTask(ctx context.Context, prev *jsonrpc.Response) (jsonrpc.Task, *TransportContext, error) {
	conn, err := s.GetConnection(ctx)
	if err == nil {
		req, reply, fetchErr := s.broker.FetchTask(ctx, conn, s.Conf.Name, prev)
		if fetchErr == nil {
			return jsonrpc.Task{Request: req}, TransportFromReply(reply), nil
		}
		err = fetchErr
	}
	if ctx.Err() != nil {
		return jsonrpc.Task{}, nil, ctx.Err()
	}

	s.InvalidateConnection()
	if broker.IsTerminal(err) {
		return jsonrpc.Task{}, nil, fmt.Errorf("%w: %v", errspkg.ErrTerminalDisconnect, err)
	}

	// A blank or undecodable reply still acknowledged prev, so the failure
	// must not answer it a second time.
	var id any
	if prev != nil && !errors.Is(err, errspkg.ErrEmptyResponse) && !errors.Is(err, errspkg.ErrUnexpectedBrokerReply) {
		id = prev.ID
	}
	return jsonrpc.Task{Failure: jsonrpc.ErrorResponse(id, s.GetException(jsonrpc.ExceptionProps{}, err))}, &TransportContext{}, nil
}

// StartWorkers runs count task workers and eventCount event workers, plus
// the event sink consumer when enabled. The first failure stops the others
// and is returned.
func (s *Service) StartWorkers(ctx context.Context, count, eventCount int) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range count {
		g.Go(func() error { return s.RunWorker(ctx, i) })
	}
	for i := range eventCount {
		g.Go(func() error { return s.RunEventWorker(ctx, i) })
	}
	if s.Conf.EventSinkConsume && s.sink.Subscriber != nil {
		g.Go(func() error { return s.consumeSink(ctx) })
	}

	if err := g.Wait(); err != nil {
		s.Logger.Error(s.Conf.Name+" shutdown", err, nil)
		return err
	}
	return nil
}
