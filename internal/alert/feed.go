// Package alert keeps the operator-facing feed of failed dispatches and
// forwarded high-severity log lines.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"recurd/internal/eventbus"
	logx "recurd/pkg/logx"
)

const defaultSize = 200

// Entry is one alert.
type Entry struct {
	Seq     uint64         `json:"seq"`
	Time    time.Time      `json:"time"`
	Source  string         `json:"source"` // "log" | "dispatch"
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Item    *eventbus.Item `json:"item,omitempty"`
}

// Feed is a bounded in-memory alert ring. It implements logx.Alerter and
// consumes dispatch.failed events from the bus.
type Feed struct {
	mu   sync.Mutex
	ring []Entry
	next int
	full bool
	seq  uint64

	now func() time.Time
	log logx.Logger
}

func New(size int) *Feed {
	if size <= 0 {
		size = defaultSize
	}
	return &Feed{ring: make([]Entry, size), now: time.Now, log: logx.Nop()}
}

// SetLogger sets the logger for dispatch alerts. They are logged at warn so
// they are not forwarded back into the feed as error lines.
func (f *Feed) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	f.mu.Lock()
	f.log = log.With(logx.String("comp", "alert"))
	f.mu.Unlock()
}

// Alert implements logx.Alerter.
func (f *Feed) Alert(level logx.Level, line string) {
	f.add(Entry{Source: "log", Level: level.String(), Message: line})
}

func (f *Feed) add(e Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	e.Seq = f.seq
	if e.Time.IsZero() {
		e.Time = f.now()
	}
	f.ring[f.next] = e
	f.next = (f.next + 1) % len(f.ring)
	if f.next == 0 {
		f.full = true
	}
}

// Recent returns up to n entries, newest first. n <= 0 returns all.
func (f *Feed) Recent(n int) []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	size := f.next
	if f.full {
		size = len(f.ring)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Entry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (f.next - i + len(f.ring)) % len(f.ring)
		out = append(out, f.ring[idx])
	}
	return out
}

// Total is the number of alerts ever recorded.
func (f *Feed) Total() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

// Run records dispatch alerts from bus until ctx is done.
func (f *Feed) Run(ctx context.Context, bus eventbus.Bus) error {
	events, unsub := bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			f.observe(e)
		}
	}
}

func (f *Feed) observe(e eventbus.Event) {
	var entry Entry
	switch e.Type {
	case eventbus.TypeFailed:
		item, ok := e.Data.(eventbus.Item)
		if !ok {
			return
		}
		entry = Entry{
			Level:   "error",
			Message: fmt.Sprintf("%s %s failed after %d attempts: %s", item.Kind, item.ID, item.Attempts, item.Error),
			Item:    &item,
		}
	case eventbus.TypeStaleRelease:
		n, _ := e.Data.(int)
		entry = Entry{Level: "warn", Message: fmt.Sprintf("released %d stale claims", n)}
	default:
		return
	}
	entry.Time = e.Time
	entry.Source = "dispatch"
	f.add(entry)

	f.mu.Lock()
	log := f.log
	f.mu.Unlock()
	log.Warn("operator alert", logx.String("type", e.Type), logx.String("message", entry.Message))
}
