package eventbus

import (
	"sync"
	"time"
)

// Dispatch lifecycle event types.
const (
	TypeClaimed      = "dispatch.claimed"
	TypeFired        = "dispatch.fired"
	TypeRolledBack   = "dispatch.rolled_back"
	TypeFailed       = "dispatch.failed"
	TypeConflict     = "dispatch.conflict"
	TypeStaleRelease = "dispatch.stale_released"
	TypeTick         = "dispatch.tick"
	TypeConfigReload = "config.reloaded"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events.
//
// Data should be small and JSON-serializable.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Item is the payload of dispatch.* events that concern one record.
type Item struct {
	Kind     string `json:"kind"`
	ID       string `json:"id"`
	TaskID   string `json:"task_id,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[*subscriber]struct{}{}}
}

// Nop discards every event.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type subscriber struct {
	ch chan Event
}

// memBus delivers under the read lock, so a subscriber's channel is never
// closed mid-send: unsubscribe takes the write lock before closing.
type memBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- e:
		default: // slow subscriber, drop
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub.ch, sync.OnceFunc(func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		close(sub.ch)
	})
}
