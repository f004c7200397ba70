package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"recurd/internal/eventbus"
	logx "recurd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, p *pool) {
	for {
		// Shutdown wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case qj := <-p.queue:
			s.inFlight.Add(1)
			s.execOne(ctx, qj)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qj queuedJob) {
	j := qj.job
	defer s.keys.release(j.Key)

	start := time.Now()
	queueDelay := max(start.Sub(qj.enqueuedAt), 0)

	cfg := s.config()

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onStaleDropped(start, j, queueDelay)
		s.record(cfg, HistoryItem{ID: j.ID, Name: j.Name, Key: j.Key, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		if j.Dropped != nil {
			j.Dropped(ErrStale)
		}
		return
	}

	s.log.Debug("job.started", logx.String("job", j.Name), logx.String("key", j.Key), logx.Duration("queue_delay", queueDelay))
	s.bus.Publish(eventbus.Event{Type: EventStarted, Time: start, Data: JobEvent{ID: j.ID, Name: j.Name, Key: j.Key, Started: start, QueueDelay: queueDelay}})

	err := s.runGuarded(ctx, j, qj.timeout)

	dur := time.Since(start)
	item := HistoryItem{ID: j.ID, Name: j.Name, Key: j.Key, Started: start, Duration: dur, QueueDelay: queueDelay}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("job.failed", logx.String("job", j.Name), logx.String("key", j.Key), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		s.bus.Publish(eventbus.Event{Type: EventFailed, Time: time.Now(), Data: JobEvent{ID: j.ID, Name: j.Name, Key: j.Key, Started: start, QueueDelay: queueDelay, Duration: dur, Error: item.Error}})
	} else {
		if dur >= 750*time.Millisecond {
			s.log.Info("job.completed", logx.String("job", j.Name), logx.String("key", j.Key), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		} else {
			s.log.Debug("job.completed", logx.String("job", j.Name), logx.String("key", j.Key), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		}
		s.bus.Publish(eventbus.Event{Type: EventFinished, Time: time.Now(), Data: JobEvent{ID: j.ID, Name: j.Name, Key: j.Key, Started: start, QueueDelay: queueDelay, Duration: dur}})
	}

	s.circuitRecordResult(time.Now(), j.Breaker, cfg, err)
	s.record(cfg, item)
}

// runGuarded runs the job under its timeout and converts a panic into an
// error so one bad job cannot kill a worker.
func (s *Service) runGuarded(ctx context.Context, j Job, timeout time.Duration) (err error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job.panic", logx.String("job", j.Name), logx.String("key", j.Key), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return j.Run(runCtx)
}
