package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"recurd/internal/engine"
	"recurd/internal/eventbus"
	"recurd/internal/recurrence"
	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

// finalizeTimeout bounds the store write after a successful hook. It runs
// detached from the tick context so shutdown does not strand a fired item.
const finalizeTimeout = 10 * time.Second

// TickReport counts what one tick did.
type TickReport struct {
	Started  time.Time     `json:"started,omitzero"`
	Duration time.Duration `json:"duration"`

	Released  int `json:"released"`  // stale claims returned to pending
	Scanned   int `json:"scanned"`   // due items listed
	Claimed   int `json:"claimed"`   // claims won
	Conflicts int `json:"conflicts"` // claims lost to another dispatcher or an edit
	Fired     int `json:"fired"`
	Retried   int `json:"retried"` // hook failed, back to pending
	Failed    int `json:"failed"`  // hook failed, retry limit reached
	Lost      int `json:"lost"`    // claim gone before finalize or rollback
	Skipped   int `json:"skipped"` // not submitted (circuit open, overlap, queue)
	Errors    int `json:"errors"`  // store errors
}

func (r *TickReport) add(o TickReport) {
	r.Duration += o.Duration
	r.Released += o.Released
	r.Scanned += o.Scanned
	r.Claimed += o.Claimed
	r.Conflicts += o.Conflicts
	r.Fired += o.Fired
	r.Retried += o.Retried
	r.Failed += o.Failed
	r.Lost += o.Lost
	r.Skipped += o.Skipped
	r.Errors += o.Errors
}

// tally collects per-item outcomes from concurrent jobs.
type tally struct {
	mu sync.Mutex
	r  TickReport
}

func (t *tally) inc(f func(r *TickReport)) {
	t.mu.Lock()
	f(&t.r)
	t.mu.Unlock()
}

// item is one due record prepared for dispatch.
type item struct {
	ref      storage.ItemRef
	taskID   string
	version  int64
	attempts int
	breaker  string
	fire     func(ctx context.Context) error
	finalize func(ctx context.Context, c storage.Claim, now time.Time) error
}

// Tick runs one scan: release stale claims, list due items, then claim, fire
// and finalize each. It returns when every submitted item is done.
func (d *Dispatcher) Tick(ctx context.Context) TickReport {
	d.mu.Lock()
	cfg := d.cfg
	owner := d.owner
	d.mu.Unlock()

	start := time.Now()
	now := d.zone.NowUTC()
	t := &tally{r: TickReport{Started: start}}

	n, err := d.gw.ReleaseStaleClaims(ctx, now.Add(-cfg.ClaimTTL))
	switch {
	case err != nil:
		t.r.Errors++
		d.log.Warn("release stale claims failed", logx.Err(err))
	case n > 0:
		t.r.Released = n
		d.log.Warn("released stale claims", logx.Int("count", n), logx.Duration("claim_ttl", cfg.ClaimTTL))
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeStaleRelease, Data: n})
	}

	items := d.collect(ctx, now, cfg.BatchSize, t)
	t.r.Scanned = len(items)

	var wg sync.WaitGroup
	for _, it := range items {
		wg.Add(1)
		d.submit(ctx, it, cfg, owner, t, &wg)
	}
	wg.Wait()

	rep := t.r
	rep.Duration = time.Since(start)
	d.record(rep)
	return rep
}

func (d *Dispatcher) collect(ctx context.Context, now time.Time, limit int, t *tally) []item {
	var items []item

	rems, err := d.gw.ListDueReminders(ctx, now, limit)
	if err != nil {
		t.r.Errors++
		d.log.Warn("list due reminders failed", logx.Err(err))
	}
	for _, r := range rems {
		items = append(items, d.reminderItem(r))
	}

	scheds, err := d.gw.ListDueSchedules(ctx, now, limit)
	if err != nil {
		t.r.Errors++
		d.log.Warn("list due schedules failed", logx.Err(err))
	}
	for _, s := range scheds {
		if s.NextOccurrenceAt == nil {
			continue
		}
		items = append(items, d.scheduleItem(s))
	}
	return items
}

func (d *Dispatcher) reminderItem(r storage.Reminder) item {
	return item{
		ref:      r.Ref(),
		taskID:   r.TaskID,
		version:  r.Version,
		attempts: r.Attempts,
		breaker:  BreakerNotify,
		fire: func(ctx context.Context) error {
			return d.hooks.Notify(ctx, r)
		},
		finalize: func(ctx context.Context, c storage.Claim, now time.Time) error {
			return d.gw.MarkReminderSent(ctx, c, now)
		},
	}
}

// scheduleItem fires the stored occurrence and rolls forward from it, not
// from now, so a late tick fires each missed occurrence once and then resumes
// the original cadence.
func (d *Dispatcher) scheduleItem(s storage.Schedule) item {
	occurrence := *s.NextOccurrenceAt
	return item{
		ref:      s.Ref(),
		taskID:   s.TaskID,
		version:  s.Version,
		attempts: s.Attempts,
		breaker:  BreakerInstantiate,
		fire: func(ctx context.Context) error {
			return d.hooks.InstantiateTaskOccurrence(ctx, s, occurrence)
		},
		finalize: func(ctx context.Context, c storage.Claim, now time.Time) error {
			next := recurrence.NextOccurrence(s.Rule, d.zone.ToLocal(occurrence))
			nextStart, nextDue := d.zone.ToUTC(next.Start), d.zone.ToUTC(next.Due)
			if !nextStart.After(now) {
				d.log.Info("schedule behind, catching up",
					logx.String("id", s.ID),
					logx.Time("fired", occurrence),
					logx.Time("next", nextStart),
				)
			}
			return d.gw.MarkScheduleFired(ctx, c, nextStart, nextDue, now)
		},
	}
}

// submit hands the item to the engine, or runs it inline without one.
// wg.Done is called exactly once per item.
func (d *Dispatcher) submit(ctx context.Context, it item, cfg Config, owner string, t *tally, wg *sync.WaitGroup) {
	run := func(jctx context.Context) error {
		defer wg.Done()
		return d.dispatch(jctx, it, cfg, owner, t)
	}

	if d.eng == nil || !d.eng.Enabled() {
		_ = run(ctx)
		return
	}

	err := d.eng.Submit(ctx, engine.Job{
		Name:    "dispatch." + string(it.ref.Kind),
		Key:     it.ref.String(),
		Breaker: it.breaker,
		Run:     run,
		Dropped: func(err error) {
			defer wg.Done()
			t.inc(func(r *TickReport) { r.Skipped++ })
			d.log.Warn("dispatch job dropped", logx.String("ref", it.ref.String()), logx.Err(err))
		},
	})
	if err == nil {
		return
	}
	wg.Done()
	t.inc(func(r *TickReport) { r.Skipped++ })
	switch {
	case errors.Is(err, engine.ErrCircuitOpen), errors.Is(err, engine.ErrOverlapSkip):
		d.log.Debug("dispatch skipped", logx.String("ref", it.ref.String()), logx.Err(err))
	default:
		d.log.Warn("dispatch not submitted", logx.String("ref", it.ref.String()), logx.Err(err))
	}
}

// dispatch claims, fires and finalizes one item. The returned error is the
// hook failure only; claim conflicts and store errors are reported through t.
func (d *Dispatcher) dispatch(ctx context.Context, it item, cfg Config, owner string, t *tally) error {
	d.mu.Lock()
	lim := d.limiter
	d.mu.Unlock()
	if err := lim.Wait(ctx); err != nil {
		t.inc(func(r *TickReport) { r.Skipped++ })
		return nil
	}

	log := d.log.With(logx.String("ref", it.ref.String()), logx.String("task_id", it.taskID))

	ok, err := d.gw.TryClaim(ctx, it.ref, it.version, owner, d.zone.NowUTC())
	if err != nil {
		t.inc(func(r *TickReport) { r.Errors++ })
		log.Warn("claim failed", logx.Err(err))
		return nil
	}
	if !ok {
		t.inc(func(r *TickReport) { r.Conflicts++ })
		log.Debug("claim conflict")
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeConflict, Data: d.eventItem(it, 0, nil)})
		return nil
	}
	claim := storage.ClaimOf(it.ref, it.version, owner)
	t.inc(func(r *TickReport) { r.Claimed++ })
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeClaimed, Data: d.eventItem(it, 0, nil)})

	hookErr := callHook(ctx, cfg.HookTimeout, it.fire)

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if hookErr == nil {
		err := it.finalize(fctx, claim, d.zone.NowUTC())
		switch {
		case errors.Is(err, storage.ErrClaimLost):
			t.inc(func(r *TickReport) { r.Lost++ })
			log.Warn("claim lost before finalize; hook already ran")
		case err != nil:
			t.inc(func(r *TickReport) { r.Errors++ })
			log.Error("finalize failed; claim left for reaper", logx.Err(err))
		default:
			t.inc(func(r *TickReport) { r.Fired++ })
			log.Debug("dispatched")
			d.bus.Publish(eventbus.Event{Type: eventbus.TypeFired, Data: d.eventItem(it, 0, nil)})
		}
		return nil
	}

	fail := newFailure(it.ref, it.taskID, it.attempts, hookErr)
	limit := cfg.RetryLimit
	if engine.IsNoRetry(hookErr) {
		limit = 1
	}
	state, err := d.gw.RollbackClaim(fctx, claim, fail.Error(), limit, d.zone.NowUTC())
	switch {
	case errors.Is(err, storage.ErrClaimLost):
		t.inc(func(r *TickReport) { r.Lost++ })
		log.Warn("claim lost before rollback", logx.Err(fail))
	case err != nil:
		t.inc(func(r *TickReport) { r.Errors++ })
		log.Error("rollback failed; claim left for reaper", logx.Err(err), logx.String("cause", fail.Error()))
	case state == storage.StateFailed:
		t.inc(func(r *TickReport) { r.Failed++ })
		log.Error("dispatch failed permanently", logx.Int("attempts", fail.Attempt), logx.Err(fail))
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeFailed, Data: d.eventItem(it, fail.Attempt, fail)})
	default:
		t.inc(func(r *TickReport) { r.Retried++ })
		log.Warn("dispatch failed, will retry", logx.Int("attempts", fail.Attempt), logx.Err(fail))
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeRolledBack, Data: d.eventItem(it, fail.Attempt, fail)})
	}
	return fail
}

func (d *Dispatcher) eventItem(it item, attempts int, err error) eventbus.Item {
	ev := eventbus.Item{Kind: string(it.ref.Kind), ID: it.ref.ID, TaskID: it.taskID, Attempts: attempts}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

func (d *Dispatcher) record(rep TickReport) {
	d.rmu.Lock()
	d.last = rep
	d.totals.add(rep)
	d.ticks++
	d.rmu.Unlock()

	if rep.Scanned > 0 || rep.Released > 0 || rep.Errors > 0 {
		d.log.Info("tick",
			logx.Int("scanned", rep.Scanned),
			logx.Int("fired", rep.Fired),
			logx.Int("conflicts", rep.Conflicts),
			logx.Int("retried", rep.Retried),
			logx.Int("failed", rep.Failed),
			logx.Int("skipped", rep.Skipped),
			logx.Duration("dur", rep.Duration),
		)
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeTick, Data: rep})
}
