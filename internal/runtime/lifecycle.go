package runtime

import (
	"context"
	"fmt"

	loggingpkg "github.com/drblury/rpcmesh/internal/runtime/logging"
)

// ExitHook runs once on shutdown. cause is the signal, error or exit code
// that triggered it.
type ExitHook func(ctx context.Context, cause any) error

// OnExit appends hook to the shutdown hooks. Hooks run in registration order.
func (s *Service) OnExit(hook ExitHook) {
	if hook == nil {
		return
	}
	s.exitMu.Lock()
	s.exitHooks = append(s.exitHooks, hook)
	s.exitMu.Unlock()
}

// Shutdown runs the exit hooks, closes the event publishers and returns the
// process exit code: cause itself when it is a non-zero int, 1 otherwise.
// Only the first call does work; later calls return the same code.
func (s *Service) Shutdown(ctx context.Context, cause any) int {
	s.exitMu.Lock()
	if s.exited {
		code := s.exitCode
		s.exitMu.Unlock()
		return code
	}
	s.exited = true
	s.exitCode = exitCode(cause)
	hooks := append([]ExitHook(nil), s.exitHooks...)
	closers := append([]func() error(nil), s.closers...)
	s.exitMu.Unlock()

	s.Logger.Info("Shutting down", loggingpkg.LogFields{"cause": fmt.Sprint(cause)})

	for _, hook := range hooks {
		if err := runExitHook(ctx, hook, cause); err != nil {
			s.Logger.Error("Process killed with error", err, nil)
		}
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			s.Logger.Debug("Close failed", loggingpkg.LogFields{"error": err.Error()})
		}
	}
	return s.exitCode
}

func runExitHook(ctx context.Context, hook ExitHook, cause any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return hook(ctx, cause)
}

func exitCode(cause any) int {
	if code, ok := cause.(int); ok && code != 0 {
		return code
	}
	return 1
}
