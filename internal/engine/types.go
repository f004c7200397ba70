package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the job execution engine.
//
// The app layer maps config.engine into this struct.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Job.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops jobs that have been queued longer than this duration.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int

	// Circuit breaker (consecutive-failure based, keyed by Job.Breaker).
	//
	// If CircuitTripFailures < 0, the circuit breaker is disabled.
	// If CircuitTripFailures == 0, a default is applied.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

// Job is a unit of work executed by the engine.
//
// Key gates overlap: a job whose Key is already queued or running is
// rejected with ErrOverlapSkip. Breaker names the downstream dependency whose
// consecutive failures open the circuit; empty disables the breaker for the
// job.
type Job struct {
	ID      string
	Name    string
	Key     string
	Breaker string
	Timeout time.Duration
	Run     func(ctx context.Context) error

	// Dropped is called instead of Run when an accepted job never runs
	// (stale in queue or engine stopped). Optional.
	Dropped func(err error)
}

// keyGate tracks which job keys are in flight.
type keyGate struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

func (g *keyGate) tryAcquire(key string) bool {
	if key == "" {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy == nil {
		g.busy = make(map[string]struct{})
	}
	if _, ok := g.busy[key]; ok {
		return false
	}
	g.busy[key] = struct{}{}
	return true
}

func (g *keyGate) release(key string) {
	if key == "" {
		return
	}
	g.mu.Lock()
	delete(g.busy, key)
	g.mu.Unlock()
}

func (g *keyGate) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.busy)
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// JobEvent is emitted on the event bus for job lifecycle events.
type JobEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`
	Keys     int  `json:"keys"`

	Dropped          uint64 `json:"dropped"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxQueueDelay  time.Duration `json:"max_queue_delay"`

	CircuitTotal int      `json:"circuit_total"`
	CircuitOpen  []string `json:"circuit_open,omitempty"`

	History []HistoryItem `json:"history"`
}
