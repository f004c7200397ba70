package supervisor

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// GoroutineStats accumulates every run of one goroutine name.
type GoroutineStats struct {
	Name         string        `json:"name"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Panics       uint64        `json:"panics"`
	Restarts     uint64        `json:"restarts"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at"`
	LastErrAt    time.Time     `json:"last_err_at"`
	LastErr      string        `json:"last_err,omitempty"`
	LastPanicAt  time.Time     `json:"last_panic_at"`
	LastPanic    string        `json:"last_panic,omitempty"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

// Snapshot is served by the ops endpoint.
type Snapshot struct {
	Running    int64            `json:"running"`
	Launched   uint64           `json:"launched"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

type ledger struct {
	mu     sync.Mutex
	byName map[string]*GoroutineStats
}

func (l *ledger) entry(name string) *GoroutineStats {
	st, ok := l.byName[name]
	if !ok {
		st = &GoroutineStats{Name: name}
		l.byName[name] = st
	}
	return st
}

func (l *ledger) begin(name string, restart bool) time.Time {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.entry(name)
	st.Active++
	st.Started++
	st.LastStartAt = now
	if restart {
		st.Restarts++
	}
	return now
}

func (l *ledger) end(name string, began time.Time, err error) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.entry(name)
	st.Active = max(st.Active-1, 0)
	st.LastStopAt = now
	st.TotalRuntime += now.Sub(began)
	if err != nil {
		st.LastErr, st.LastErrAt = err.Error(), now
	}
}

func (l *ledger) panicked(name string, p any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.entry(name)
	st.Panics++
	st.LastPanic, st.LastPanicAt = fmt.Sprint(p), time.Now()
}

// Healthy reports whether each named goroutine has a live run. The readiness
// probe relies on it.
func (s *Supervisor) Healthy(names ...string) bool {
	if s == nil || s.ctx.Err() != nil {
		return false
	}
	s.book.mu.Lock()
	defer s.book.mu.Unlock()
	for _, n := range names {
		if st, ok := s.book.byName[n]; !ok || st.Active == 0 {
			return false
		}
	}
	return true
}

// Snapshot copies the current stats, live goroutines first.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	out := Snapshot{Running: s.running.Load(), Launched: s.launched.Load()}
	if err := s.Err(); err != nil {
		out.FirstError = err.Error()
	}
	s.book.mu.Lock()
	out.Goroutines = make([]GoroutineStats, 0, len(s.book.byName))
	for _, st := range s.book.byName {
		out.Goroutines = append(out.Goroutines, *st)
	}
	s.book.mu.Unlock()
	slices.SortFunc(out.Goroutines, func(a, b GoroutineStats) int {
		if a.Active != b.Active {
			return int(b.Active - a.Active)
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out
}
