package supervisor

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	logx "recurd/pkg/logx"
)

// A run that lasted this long resets the backoff to its floor.
const stableRun = 30 * time.Second

// RestartOption configures GoRestart.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	floor, ceiling time.Duration
	limit          int // 0 = unlimited
	publish        bool
}

// WithRestartBackoff sets the exponential backoff bounds between restarts.
func WithRestartBackoff(floor, ceiling time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if floor > 0 {
			p.floor = floor
		}
		if ceiling > 0 {
			p.ceiling = ceiling
		}
	}
}

// WithMaxRestarts caps restarts after the first run.
func WithMaxRestarts(n int) RestartOption {
	return func(p *restartPolicy) { p.limit = max(n, 0) }
}

// WithPublishFirstError exposes restart failures through Err.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publish = enabled }
}

// GoRestart keeps fn running until it returns nil or the supervisor stops.
// Errors and panics trigger a restart after a jittered backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{floor: 250 * time.Millisecond, ceiling: 30 * time.Second}
	for _, opt := range opts {
		opt(&p)
	}
	p.ceiling = max(p.ceiling, p.floor)

	s.launch(func() { s.restartLoop(name, fn, p) })
}

func (s *Supervisor) restartLoop(name string, fn func(ctx context.Context) error, p restartPolicy) {
	delay := p.floor
	for n := 0; s.ctx.Err() == nil; n++ {
		began := time.Now()
		err := s.attempt(name, fn, n > 0)
		if err == nil || errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
			return
		}
		if p.publish {
			s.fail(err)
		}
		if p.limit > 0 && n+1 > p.limit {
			s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", n+1), logx.Err(err))
			return
		}
		if time.Since(began) >= stableRun {
			delay = p.floor
		}
		wait := jitter(delay)
		s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
		if !sleepCtx(s.ctx, wait) {
			return
		}
		delay = min(delay*2, p.ceiling)
	}
}

// jitter adds up to 20% on top of d.
func jitter(d time.Duration) time.Duration {
	if spread := int64(d) / 5; spread > 0 {
		return d + time.Duration(rand.Int64N(spread+1))
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
