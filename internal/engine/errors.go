package engine

import (
	"errors"
	"fmt"
)

var (
	ErrDisabled    = errors.New("engine disabled")
	ErrStopped     = errors.New("engine stopped")
	ErrStopping    = errors.New("engine stopping")
	ErrQueueFull   = errors.New("engine queue full")
	ErrStale       = errors.New("job dropped: queued too long")
	ErrOverlapSkip = errors.New("job skipped: key already in flight")
	ErrCircuitOpen = errors.New("job skipped: circuit breaker open")
)

// NoRetry marks an error as permanent.
//
// A NoRetry failure is attributed to the job itself, not to its breaker:
// it does not count toward opening the circuit. Callers use IsNoRetry to skip
// their own retry accounting.
//
// Example:
//
//	return engine.NoRetry(fmt.Errorf("bad payload: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
