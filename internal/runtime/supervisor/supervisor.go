// Package supervisor runs named goroutines tied to a shared context, with
// panic recovery and optional cancel-on-first-error. The runtime uses one
// supervisor for its long-lived loops (config watch, scheduler ticks) so a
// crashing loop takes the process down cleanly instead of dying silently.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	logx "missiond/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	started  uint64
	active   int64
	firstErr atomic.Value
	errOnce  sync.Once
	wg       sync.WaitGroup
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context when the first goroutine
// returns a non-nil error or panics.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, log: logx.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error observed, if any.
func (s *Supervisor) Err() error {
	if v := s.firstErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Counters reports best-effort goroutine counts for diagnostics.
func (s *Supervisor) Counters() (active int64, started uint64) {
	return atomic.LoadInt64(&s.active), atomic.LoadUint64(&s.started)
}

// Go runs fn under the supervisor. A panic is recovered and recorded as an
// error; context.Canceled on shutdown is not treated as a failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.active, -1)
		defer func() {
			if p := recover(); p != nil {
				err := fmt.Errorf("%s panicked: %v", name, p)
				s.log.Error("goroutine panic",
					logx.String("name", name),
					logx.Any("panic", p),
					logx.String("stack", string(debug.Stack())))
				s.setErr(err)
			}
		}()
		err := fn(s.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("goroutine failed", logx.String("name", name), logx.Err(err))
			s.setErr(fmt.Errorf("%s: %w", name, err))
			return
		}
		s.log.Debug("goroutine exited", logx.String("name", name))
	}()
}

// Go0 runs a goroutine that cannot fail (beyond panicking).
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Stop cancels the shared context and waits for goroutines, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until all goroutines finish or ctx expires.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		active, _ := s.Counters()
		return fmt.Errorf("supervisor wait: %d goroutines still active: %w", active, ctx.Err())
	}
}

func (s *Supervisor) setErr(err error) {
	s.errOnce.Do(func() {
		s.firstErr.Store(err)
		if s.cancelOnErr {
			s.cancel()
		}
	})
}
