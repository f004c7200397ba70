package app

import (
	"context"
	"sync/atomic"
	"time"

	"recurd/internal/dispatcher"
	"recurd/internal/storage"
)

// swapHooks lets config reload replace the hook driver under a running
// dispatcher. In-flight calls finish on the driver they started with.
type swapHooks struct {
	cur atomic.Pointer[hooksBox]
}

type hooksBox struct{ h dispatcher.Hooks }

func newSwapHooks(h dispatcher.Hooks) *swapHooks {
	s := &swapHooks{}
	s.Set(h)
	return s
}

func (s *swapHooks) Set(h dispatcher.Hooks) { s.cur.Store(&hooksBox{h: h}) }

func (s *swapHooks) Notify(ctx context.Context, r storage.Reminder) error {
	return s.cur.Load().h.Notify(ctx, r)
}

func (s *swapHooks) InstantiateTaskOccurrence(ctx context.Context, sc storage.Schedule, occurrence time.Time) error {
	return s.cur.Load().h.InstantiateTaskOccurrence(ctx, sc, occurrence)
}
