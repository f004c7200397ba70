package dispatcher

import (
	"context"
	"fmt"
	"time"

	"recurd/internal/storage"
)

// Hooks are the external side effects of a dispatch. Implementations must
// honour ctx; the dispatcher abandons calls that outlive HookTimeout.
type Hooks interface {
	Notify(ctx context.Context, r storage.Reminder) error
	InstantiateTaskOccurrence(ctx context.Context, s storage.Schedule, occurrence time.Time) error
}

// Breaker names used for the engine's per-hook circuit breaker.
const (
	BreakerNotify      = "hook.notify"
	BreakerInstantiate = "hook.instantiate"
)

// HookFuncs adapts plain functions to Hooks. Nil fields succeed.
type HookFuncs struct {
	NotifyFunc      func(ctx context.Context, r storage.Reminder) error
	InstantiateFunc func(ctx context.Context, s storage.Schedule, occurrence time.Time) error
}

func (h HookFuncs) Notify(ctx context.Context, r storage.Reminder) error {
	if h.NotifyFunc == nil {
		return nil
	}
	return h.NotifyFunc(ctx, r)
}

func (h HookFuncs) InstantiateTaskOccurrence(ctx context.Context, s storage.Schedule, occurrence time.Time) error {
	if h.InstantiateFunc == nil {
		return nil
	}
	return h.InstantiateFunc(ctx, s, occurrence)
}

// callHook runs fn under timeout. A hook that ignores ctx is abandoned once
// the deadline passes and its eventual result is discarded.
func callHook(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("hook panic: %v", r)
			}
		}()
		done <- fn(hctx)
	}()
	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		return hctx.Err()
	}
}
