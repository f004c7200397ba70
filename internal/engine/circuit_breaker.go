package engine

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// breaker counts consecutive failures of one downstream dependency. Reaching
// the trip count opens it for a cooldown that doubles with every further
// failure, up to CircuitMaxDelay. A quiet period of CircuitResetAfter forgets
// past failures.
type breaker struct {
	fails     int
	lastFail  time.Time
	openUntil time.Time
}

func (b *breaker) isOpen(now time.Time) bool {
	return now.Before(b.openUntil)
}

func (b *breaker) forgetIfQuiet(now time.Time, resetAfter time.Duration) {
	if !b.lastFail.IsZero() && now.Sub(b.lastFail) > resetAfter {
		*b = breaker{}
	}
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*breaker
}

// lookup returns the breaker named key, creating it; callers hold c.mu.
func (c *circuitStore) lookup(key string) *breaker {
	if c.m == nil {
		c.m = make(map[string]*breaker)
	}
	b, ok := c.m[key]
	if !ok {
		b = &breaker{}
		c.m[key] = b
	}
	return b
}

// breakerKey returns the normalized breaker name, or "" when the job has none
// or circuit breaking is off.
func breakerKey(name string, cfg Config) string {
	if cfg.CircuitTripFailures < 0 {
		return ""
	}
	return strings.TrimSpace(name)
}

// CircuitOpen reports whether the named breaker is currently open.
func (s *Service) CircuitOpen(name string) bool {
	open, _ := s.circuitIsOpen(time.Now(), name, s.config())
	return open
}

func (s *Service) circuitIsOpen(now time.Time, name string, cfg Config) (bool, time.Time) {
	key := breakerKey(name, cfg)
	if key == "" {
		return false, time.Time{}
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	b := s.circuits.lookup(key)
	b.forgetIfQuiet(now, cfg.CircuitResetAfter)
	if b.isOpen(now) {
		return true, b.openUntil
	}
	return false, time.Time{}
}

// circuitRecordResult feeds a job outcome into its breaker. NoRetry failures
// belong to the job, not the dependency, and are ignored.
func (s *Service) circuitRecordResult(now time.Time, name string, cfg Config, err error) {
	key := breakerKey(name, cfg)
	if key == "" || IsNoRetry(err) {
		return
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	b := s.circuits.lookup(key)
	if err == nil {
		*b = breaker{}
		return
	}
	b.forgetIfQuiet(now, cfg.CircuitResetAfter)
	b.fails++
	b.lastFail = now
	over := b.fails - cfg.CircuitTripFailures
	if over < 0 {
		return
	}
	cooldown := cfg.CircuitBaseDelay
	for ; over > 0 && cooldown < cfg.CircuitMaxDelay; over-- {
		cooldown *= 2
	}
	b.openUntil = now.Add(min(cooldown, cfg.CircuitMaxDelay))
}

func (s *Service) circuitSnapshot(now time.Time, cfg Config) (total int, open []string) {
	if cfg.CircuitTripFailures < 0 {
		return 0, nil
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	for key, b := range s.circuits.m {
		if b.isOpen(now) {
			open = append(open, key)
		}
	}
	slices.Sort(open)
	return len(s.circuits.m), open
}
