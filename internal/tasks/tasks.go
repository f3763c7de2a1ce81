// Package tasks provides the cooperative task fabric: named activities
// paced in milliseconds, cancellable at pace boundaries.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Func is one pass of a periodic task. Returning an error logs it; the
// task keeps running.
type Func func(ctx context.Context) error

// Supervisor owns the task set. Tasks are cancel-safe at their pace
// boundary: cancellation is observed between passes and during the sleep.
type Supervisor struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	tasks   map[string]context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
	stopped bool
}

// NewSupervisor creates an empty supervisor parented to ctx.
func NewSupervisor(ctx context.Context, logger *slog.Logger) *Supervisor {
	sctx, cancel := context.WithCancel(ctx)
	return &Supervisor{
		ctx:    sctx,
		cancel: cancel,
		tasks:  make(map[string]context.CancelFunc),
		logger: logger.With("component", "tasks"),
	}
}

// Periodic starts a named task running fn every pace. Starting a name that
// is already running replaces the prior instance.
func (s *Supervisor) Periodic(name string, pace time.Duration, fn Func) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("supervisor stopped")
	}
	if cancel, ok := s.tasks[name]; ok {
		cancel()
	}
	tctx, cancel := context.WithCancel(s.ctx)
	s.tasks[name] = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Debug("task started", "task", name, "pace", pace)
		ticker := time.NewTicker(pace)
		defer ticker.Stop()
		for {
			if err := fn(tctx); err != nil {
				s.logger.Warn("task pass failed", "task", name, "err", err)
			}
			select {
			case <-ticker.C:
			case <-tctx.Done():
				s.logger.Debug("task stopped", "task", name)
				return
			}
		}
	}()
	return nil
}

// Loop starts a named task that runs fn once; fn owns its own pacing and
// must return when ctx is done (event-driven tasks).
func (s *Supervisor) Loop(name string, fn func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("supervisor stopped")
	}
	if cancel, ok := s.tasks[name]; ok {
		cancel()
	}
	tctx, cancel := context.WithCancel(s.ctx)
	s.tasks[name] = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Debug("task started", "task", name)
		fn(tctx)
		s.logger.Debug("task stopped", "task", name)
	}()
	return nil
}

// Stop cancels one named task. Unknown names are ignored.
func (s *Supervisor) Stop(name string) {
	s.mu.Lock()
	cancel, ok := s.tasks[name]
	if ok {
		delete(s.tasks, name)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Running reports whether a named task is registered.
func (s *Supervisor) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	return ok
}

// StopAll cancels every task and waits for them to exit.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
