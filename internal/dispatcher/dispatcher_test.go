package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"recurd/internal/civiltime"
	"recurd/internal/engine"
	"recurd/internal/eventbus"
	"recurd/internal/recurrence"
	"recurd/internal/reminder"
	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fixture struct {
	store storage.Store
	clock *fakeClock
	zone  civiltime.Zone
	bus   eventbus.Bus
}

// 2024-01-10 09:00 UTC+05:30 (a Wednesday).
var base = time.Date(2024, 1, 10, 3, 30, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{t: base}
	return &fixture{
		store: storage.NewMemory(),
		clock: clock,
		zone:  civiltime.NewZone(civiltime.DefaultOffset).WithClock(clock.Now),
		bus:   eventbus.New(),
	}
}

func (f *fixture) dispatcher(t *testing.T, cfg Config, hooks Hooks, eng *engine.Service) *Dispatcher {
	t.Helper()
	if cfg.Owner == "" {
		cfg.Owner = "test-owner"
	}
	d, err := New(cfg, Deps{Store: f.store, Hooks: hooks, Zone: f.zone, Engine: eng, Bus: f.bus, Log: logx.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func (f *fixture) reminder(t *testing.T, trigger time.Time) storage.Reminder {
	t.Helper()
	r, err := f.store.CreateReminder(context.Background(), storage.Reminder{
		TaskID:    "task-1",
		Rule:      reminder.Rule{Anchor: reminder.AnchorDue, Timing: reminder.Before, Value: 15, Unit: reminder.Minutes},
		TriggerAt: trigger,
	})
	if err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}
	return r
}

func (f *fixture) dailySchedule(t *testing.T, first time.Time) storage.Schedule {
	t.Helper()
	due := first.Add(8 * time.Hour)
	s, err := f.store.CreateSchedule(context.Background(), storage.Schedule{
		TaskID: "task-daily",
		Rule: recurrence.Rule{
			Type:      recurrence.Daily,
			StartTime: civiltime.MustTimeOfDay("09:00"),
			DueTime:   civiltime.MustTimeOfDay("17:00"),
		},
		IsActive:         true,
		NextOccurrenceAt: &first,
		NextDueAt:        &due,
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	return s
}

type recorder struct {
	mu       sync.Mutex
	notified map[string]int
	occ      []time.Time
}

func newRecorder() *recorder { return &recorder{notified: map[string]int{}} }

func (r *recorder) hooks(notifyErr func() error) HookFuncs {
	return HookFuncs{
		NotifyFunc: func(ctx context.Context, rem storage.Reminder) error {
			r.mu.Lock()
			r.notified[rem.ID]++
			r.mu.Unlock()
			if notifyErr != nil {
				return notifyErr()
			}
			return nil
		},
		InstantiateFunc: func(ctx context.Context, s storage.Schedule, occurrence time.Time) error {
			r.mu.Lock()
			r.occ = append(r.occ, occurrence)
			r.mu.Unlock()
			return nil
		},
	}
}

func TestTickFiresDueReminderOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := newRecorder()
	d := f.dispatcher(t, Config{RetryLimit: 3}, rec.hooks(nil), nil)

	due := f.reminder(t, base.Add(-time.Minute))
	future := f.reminder(t, base.Add(time.Hour))

	rep := d.Tick(context.Background())
	if rep.Scanned != 1 || rep.Claimed != 1 || rep.Fired != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	got, err := f.store.GetReminder(context.Background(), due.ID)
	if err != nil {
		t.Fatalf("GetReminder: %v", err)
	}
	if !got.Sent || got.State != storage.StateFired || got.SentAt == nil {
		t.Fatalf("reminder not finalized: %+v", got)
	}

	rep = d.Tick(context.Background())
	if rep.Scanned != 0 {
		t.Fatalf("sent reminder rescanned: %+v", rep)
	}
	if rec.notified[due.ID] != 1 || rec.notified[future.ID] != 0 {
		t.Fatalf("unexpected notify calls %v", rec.notified)
	}
}

func TestHookFailureRetriesThenFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	events, unsub := f.bus.Subscribe(32)
	defer unsub()

	rec := newRecorder()
	d := f.dispatcher(t, Config{RetryLimit: 2}, rec.hooks(func() error { return errors.New("smtp down") }), nil)
	r := f.reminder(t, base.Add(-time.Minute))
	ctx := context.Background()

	rep := d.Tick(ctx)
	if rep.Retried != 1 || rep.Failed != 0 {
		t.Fatalf("first failure: %+v", rep)
	}
	got, _ := f.store.GetReminder(ctx, r.ID)
	if got.State != storage.StatePending || got.Attempts != 1 || !strings.Contains(got.LastError, "smtp down") {
		t.Fatalf("after first failure: %+v", got.Dispatch)
	}

	rep = d.Tick(ctx)
	if rep.Failed != 1 {
		t.Fatalf("second failure: %+v", rep)
	}
	got, _ = f.store.GetReminder(ctx, r.ID)
	if got.State != storage.StateFailed || got.Sent {
		t.Fatalf("after retry limit: %+v", got)
	}

	if rep := d.Tick(ctx); rep.Scanned != 0 {
		t.Fatalf("failed item rescanned: %+v", rep)
	}
	failed, err := f.store.ListFailed(ctx, 10)
	if err != nil || len(failed) != 1 || failed[0].Ref.ID != r.ID {
		t.Fatalf("ListFailed = %+v, %v", failed, err)
	}

	var sawFailed bool
	for len(events) > 0 {
		if ev := <-events; ev.Type == eventbus.TypeFailed {
			it := ev.Data.(eventbus.Item)
			sawFailed = it.ID == r.ID && it.Attempts == 2
		}
	}
	if !sawFailed {
		t.Fatal("dispatch.failed event not published")
	}
}

func TestNoRetryFailsImmediately(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := newRecorder()
	d := f.dispatcher(t, Config{RetryLimit: 5}, rec.hooks(func() error {
		return engine.NoRetry(errors.New("recipient unknown"))
	}), nil)
	r := f.reminder(t, base)

	if rep := d.Tick(context.Background()); rep.Failed != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	got, _ := f.store.GetReminder(context.Background(), r.ID)
	if got.State != storage.StateFailed || got.Attempts != 1 {
		t.Fatalf("unexpected state %+v", got.Dispatch)
	}
}

func TestHookTimeoutCountsAsFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	hooks := HookFuncs{NotifyFunc: func(ctx context.Context, _ storage.Reminder) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	d := f.dispatcher(t, Config{RetryLimit: 3, HookTimeout: 20 * time.Millisecond}, hooks, nil)
	r := f.reminder(t, base)

	if rep := d.Tick(context.Background()); rep.Retried != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	got, _ := f.store.GetReminder(context.Background(), r.ID)
	if got.Sent || got.Attempts != 1 || !strings.Contains(got.LastError, "timed out") {
		t.Fatalf("timeout not recorded: %+v", got.Dispatch)
	}
}

func TestHookIgnoringContextIsAbandoned(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	err := callHook(context.Background(), 10*time.Millisecond, func(context.Context) error {
		<-release
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
}

func TestScheduleCatchUpFiresEachMissedOccurrence(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := newRecorder()
	d := f.dispatcher(t, Config{}, rec.hooks(nil), nil)
	ctx := context.Background()

	// Occurrence on Jan 10 09:00 local; the dispatcher wakes up on Jan 12 12:00.
	s := f.dailySchedule(t, base)
	f.clock.Set(base.Add(2*24*time.Hour + 3*time.Hour))

	for i := 0; i < 3; i++ {
		if rep := d.Tick(ctx); rep.Fired != 1 {
			t.Fatalf("tick %d: %+v", i, rep)
		}
	}
	if rep := d.Tick(ctx); rep.Scanned != 0 {
		t.Fatalf("caught-up schedule still due: %+v", rep)
	}

	want := []time.Time{base, base.Add(24 * time.Hour), base.Add(48 * time.Hour)}
	if len(rec.occ) != len(want) {
		t.Fatalf("occurrences = %v", rec.occ)
	}
	for i := range want {
		if !rec.occ[i].Equal(want[i]) {
			t.Fatalf("occurrence %d = %v, want %v", i, rec.occ[i], want[i])
		}
	}

	got, _ := f.store.GetSchedule(ctx, s.ID)
	if !got.NextOccurrenceAt.Equal(base.Add(72*time.Hour)) || !got.LastFiredAt.Equal(want[2]) {
		t.Fatalf("unexpected roll forward: next=%v last=%v", got.NextOccurrenceAt, got.LastFiredAt)
	}
	// The due side is resolved from the same reference as the start side:
	// the first 17:00 after the fired Jan 12 09:00 occurrence.
	if !got.NextDueAt.Equal(base.Add(48*time.Hour + 8*time.Hour)) {
		t.Fatalf("next due = %v", got.NextDueAt)
	}
	if got.State != storage.StatePending {
		t.Fatalf("schedule state = %s", got.State)
	}
}

func TestInactiveScheduleIsNotFired(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := newRecorder()
	d := f.dispatcher(t, Config{}, rec.hooks(nil), nil)
	ctx := context.Background()

	s := f.dailySchedule(t, base)
	s.IsActive = false
	if _, err := f.store.UpdateSchedule(ctx, s); err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	if rep := d.Tick(ctx); rep.Fired != 0 || len(rec.occ) != 0 {
		t.Fatalf("inactive schedule fired: %+v", rep)
	}
}

func TestEditDuringHookLosesClaim(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	hooks := HookFuncs{NotifyFunc: func(ctx context.Context, r storage.Reminder) error {
		r.TriggerAt = r.TriggerAt.Add(time.Hour)
		_, err := f.store.UpdateReminder(ctx, r)
		return err
	}}
	d := f.dispatcher(t, Config{}, hooks, nil)
	r := f.reminder(t, base)

	rep := d.Tick(context.Background())
	if rep.Lost != 1 || rep.Fired != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	got, _ := f.store.GetReminder(context.Background(), r.ID)
	if got.Sent || got.State != storage.StatePending {
		t.Fatalf("edited reminder finalized: %+v", got)
	}
}

func TestStaleClaimsReleasedAndRedispatched(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := newRecorder()
	d := f.dispatcher(t, Config{ClaimTTL: 5 * time.Minute}, rec.hooks(nil), nil)
	ctx := context.Background()

	r := f.reminder(t, base.Add(-time.Hour))
	ok, err := f.store.TryClaim(ctx, r.Ref(), r.Version, "crashed-owner", base.Add(-10*time.Minute))
	if err != nil || !ok {
		t.Fatalf("TryClaim: %v %v", ok, err)
	}

	rep := d.Tick(ctx)
	if rep.Released != 1 || rep.Fired != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if rec.notified[r.ID] != 1 {
		t.Fatalf("notify calls = %d", rec.notified[r.ID])
	}
}

func TestDefaultRetryLimitEndsInFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := newRecorder()
	d := f.dispatcher(t, Config{}, rec.hooks(func() error { return errors.New("down") }), nil)
	r := f.reminder(t, base.Add(-time.Minute))
	ctx := context.Background()

	for i := 0; i < 3*DefaultRetryLimit; i++ {
		d.Tick(ctx)
	}
	got, _ := f.store.GetReminder(ctx, r.ID)
	if got.State != storage.StateFailed || got.Attempts != DefaultRetryLimit {
		t.Fatalf("state = %s attempts = %d, want failed after %d", got.State, got.Attempts, DefaultRetryLimit)
	}
	if c := rec.notified[r.ID]; c != DefaultRetryLimit {
		t.Fatalf("notify calls = %d, want %d", c, DefaultRetryLimit)
	}
}

func TestDefaultClaimTTLRecoversCrashedClaim(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := newRecorder()
	d := f.dispatcher(t, Config{}, rec.hooks(nil), nil)
	ctx := context.Background()

	crashed := f.reminder(t, base.Add(-time.Hour))
	ttl := DefaultClaimTTL(10 * time.Second)
	if ok, err := f.store.TryClaim(ctx, crashed.Ref(), crashed.Version, "crashed-owner", base.Add(-ttl-time.Second)); err != nil || !ok {
		t.Fatalf("TryClaim crashed: %v %v", ok, err)
	}
	live := f.reminder(t, base.Add(-time.Hour))
	if ok, err := f.store.TryClaim(ctx, live.Ref(), live.Version, "live-owner", base.Add(-time.Minute)); err != nil || !ok {
		t.Fatalf("TryClaim live: %v %v", ok, err)
	}

	rep := d.Tick(ctx)
	if rep.Released != 1 || rep.Fired != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if rec.notified[crashed.ID] != 1 || rec.notified[live.ID] != 0 {
		t.Fatalf("notified = %v", rec.notified)
	}
}

func TestClaimTTLOutlastsHookAndFinalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want time.Duration
	}{
		{name: "unset", cfg: Config{}, want: 5 * time.Minute},
		{name: "shorter than hook", cfg: Config{ClaimTTL: time.Millisecond, HookTimeout: time.Second}, want: 5 * time.Minute},
		{name: "long hook", cfg: Config{HookTimeout: 5 * time.Minute}, want: 2 * (5*time.Minute + finalizeTimeout)},
		{name: "explicit", cfg: Config{ClaimTTL: time.Hour}, want: time.Hour},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.cfg.withDefaults()
			if got.ClaimTTL != tt.want {
				t.Fatalf("ClaimTTL = %v, want %v", got.ClaimTTL, tt.want)
			}
			if got.ClaimTTL <= MinClaimTTL(got.HookTimeout) {
				t.Fatalf("ClaimTTL %v can expire during a hook of %v", got.ClaimTTL, got.HookTimeout)
			}
		})
	}
}

func TestShortClaimTTLCannotStealInFlightClaim(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := newRecorder()
	r := f.reminder(t, base.Add(-time.Minute))
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	slow := rec.hooks(func() error {
		close(entered)
		<-release
		return nil
	})
	first := f.dispatcher(t, Config{ClaimTTL: time.Millisecond, HookTimeout: 5 * time.Second, Owner: "first"}, slow, nil)
	second := f.dispatcher(t, Config{ClaimTTL: time.Millisecond, HookTimeout: 5 * time.Second, Owner: "second"}, rec.hooks(nil), nil)

	done := make(chan TickReport, 1)
	go func() { done <- first.Tick(ctx) }()
	<-entered

	// The first hook has been running for a few seconds when the second
	// dispatcher ticks.
	f.clock.Set(base.Add(3 * time.Second))
	rep := second.Tick(ctx)
	close(release)
	firstRep := <-done

	if rep.Released != 0 || rep.Claimed != 0 {
		t.Fatalf("second dispatcher took a live claim: %+v", rep)
	}
	if firstRep.Fired != 1 {
		t.Fatalf("first dispatcher report %+v", firstRep)
	}
	rec.mu.Lock()
	calls := rec.notified[r.ID]
	rec.mu.Unlock()
	if calls != 1 {
		t.Fatalf("notify calls = %d, want 1", calls)
	}
}

func TestRacingDispatchersFireExactlyOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := newRecorder()

	const n = 25
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, f.reminder(t, base.Add(-time.Duration(i)*time.Minute)).ID)
	}

	var ds []*Dispatcher
	for i := 0; i < 4; i++ {
		ds = append(ds, f.dispatcher(t, Config{Owner: fmt.Sprintf("owner-%d", i)}, rec.hooks(nil), nil))
	}

	var wg sync.WaitGroup
	reports := make([]TickReport, len(ds))
	for i, d := range ds {
		wg.Add(1)
		go func(i int, d *Dispatcher) {
			defer wg.Done()
			reports[i] = d.Tick(context.Background())
		}(i, d)
	}
	wg.Wait()

	fired := 0
	for _, rep := range reports {
		fired += rep.Fired
	}
	if fired != n {
		t.Fatalf("fired = %d, want %d", fired, n)
	}
	for _, id := range ids {
		if c := rec.notified[id]; c != 1 {
			t.Fatalf("reminder %s notified %d times", id, c)
		}
	}
}

func TestTickThroughEngineWithCircuitBreaker(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	eng := engine.New(engine.Config{Enabled: true, Workers: 2, CircuitTripFailures: 1, CircuitBaseDelay: time.Minute}, logx.Nop(), f.bus)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})

	rec := newRecorder()
	d := f.dispatcher(t, Config{RetryLimit: 10}, rec.hooks(func() error { return errors.New("down") }), eng)
	r := f.reminder(t, base)
	ctx := context.Background()

	if rep := d.Tick(ctx); rep.Retried != 1 {
		t.Fatalf("first tick: %+v", rep)
	}

	// Breaker state is recorded after the job returns.
	deadline := time.Now().Add(time.Second)
	for !eng.CircuitOpen(BreakerNotify) {
		if time.Now().After(deadline) {
			t.Fatal("notify circuit never opened")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rep := d.Tick(ctx)
	if rep.Skipped != 1 || rep.Claimed != 0 {
		t.Fatalf("open circuit must skip without claiming: %+v", rep)
	}
	got, _ := f.store.GetReminder(ctx, r.ID)
	if got.State != storage.StatePending || got.Attempts != 1 {
		t.Fatalf("skipped item changed: %+v", got.Dispatch)
	}
}

func TestSnapshotAccumulatesTotals(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	d := f.dispatcher(t, Config{Tick: "@every 1m"}, newRecorder().hooks(nil), nil)
	f.reminder(t, base)
	d.Tick(context.Background())
	d.Tick(context.Background())

	snap := d.Snapshot()
	if snap.Ticks != 2 || snap.Totals.Fired != 1 || snap.Last.Scanned != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Owner != "test-owner" || snap.Tick != "@every 1m0s" || snap.Running {
		t.Fatalf("unexpected snapshot header %+v", snap)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, Deps{Hooks: HookFuncs{}}); err == nil {
		t.Fatal("expected error without store")
	}
	if _, err := New(Config{}, Deps{Store: storage.NewMemory()}); err == nil {
		t.Fatal("expected error without hooks")
	}
	if _, err := New(Config{Tick: "nonsense"}, Deps{Store: storage.NewMemory(), Hooks: HookFuncs{}}); err == nil {
		t.Fatal("expected tick parse error")
	}
}
