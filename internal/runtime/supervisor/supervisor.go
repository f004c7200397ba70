package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	logx "recurd/pkg/logx"
)

// Supervisor owns a set of named goroutines sharing one context. Panics are
// recovered and reported as errors; the first error is kept for Err.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	drained  func() chan struct{}
	firstErr atomic.Pointer[error]
	launched atomic.Uint64
	running  atomic.Int64

	book ledger
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first failing goroutine cancel the others.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	s := &Supervisor{book: ledger{byName: map[string]*GoroutineStats{}}}
	s.ctx, s.cancel = context.WithCancel(parent)
	s.drained = sync.OnceValue(func() chan struct{} {
		ch := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(ch)
		}()
		return ch
	})
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel signals shutdown and returns immediately.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure, if any.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Go runs fn once. Returning context.Canceled counts as a clean exit.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.launch(func() {
		s.log.Debug("goroutine started", logx.String("name", name))
		defer s.log.Debug("goroutine stopped", logx.String("name", name))

		err := s.attempt(name, fn, false)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		s.fail(err)
		if s.cancelOnErr {
			s.cancel()
		}
	})
}

// Stop cancels every goroutine and waits for them within ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until all goroutines have returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case <-s.drained():
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) launch(body func()) {
	s.launched.Add(1)
	s.running.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Add(-1)
		body()
	}()
}

// attempt runs fn a single time with bookkeeping. A panic comes back as an
// error; other errors are wrapped with the goroutine name.
func (s *Supervisor) attempt(name string, fn func(ctx context.Context) error, restart bool) (err error) {
	began := s.book.begin(name, restart)
	defer func() {
		if p := recover(); p != nil {
			s.book.panicked(name, p)
			s.log.Error("goroutine panicked",
				logx.String("name", name),
				logx.Bool("restartable", restart),
				logx.Any("panic", p),
				logx.Stack(string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", name, p)
		}
		var recorded error
		if err != nil && !errors.Is(err, context.Canceled) {
			recorded = err
		}
		s.book.end(name, began, recorded)
	}()
	if err = fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%s: %w", name, err)
	}
	return err
}

func (s *Supervisor) fail(err error) {
	if err != nil {
		s.firstErr.CompareAndSwap(nil, &err)
	}
}
