package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"recurd/internal/civiltime"
	"recurd/internal/engine"
	"recurd/internal/eventbus"
	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

// Config controls the dispatcher loop.
type Config struct {
	Enabled bool
	Tick    string

	// RetryLimit is the number of consecutive hook failures after which an
	// item becomes failed. 0 means DefaultRetryLimit.
	RetryLimit  int
	HookTimeout time.Duration
	BatchSize   int

	// ClaimTTL releases claims older than this at the start of each tick,
	// recovering items left claimed by a crashed process. It must outlast
	// HookTimeout plus the finalize bound, or a live claim could be released
	// and fired twice; shorter values (and 0) become DefaultClaimTTL.
	ClaimTTL time.Duration

	// Owner identifies this process in claims. Empty generates one.
	Owner string

	// HookRatePerSec bounds hook calls per second; 0 is unlimited.
	HookRatePerSec float64
}

// DefaultRetryLimit is the failure count that marks an item failed when
// Config.RetryLimit is unset.
const DefaultRetryLimit = 5

// MinClaimTTL is the shortest claim lifetime that cannot expire while the
// claiming dispatcher is still running the hook or writing the outcome.
func MinClaimTTL(hookTimeout time.Duration) time.Duration {
	return hookTimeout + finalizeTimeout
}

// DefaultClaimTTL is used when Config.ClaimTTL is unset or too short.
func DefaultClaimTTL(hookTimeout time.Duration) time.Duration {
	return max(5*time.Minute, 2*MinClaimTTL(hookTimeout))
}

func (c Config) withDefaults() Config {
	if c.Tick == "" {
		c.Tick = "30s"
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = DefaultRetryLimit
	}
	if c.HookTimeout <= 0 {
		c.HookTimeout = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ClaimTTL <= MinClaimTTL(c.HookTimeout) {
		c.ClaimTTL = DefaultClaimTTL(c.HookTimeout)
	}
	return c
}

// Deps are the collaborators of a Dispatcher. Engine is optional; without
// it items are dispatched inline on the tick goroutine.
type Deps struct {
	Store  storage.Gateway
	Hooks  Hooks
	Zone   civiltime.Zone
	Engine *engine.Service
	Bus    eventbus.Bus
	Log    logx.Logger
}

// Dispatcher claims due reminders and schedules, fires their hooks and rolls
// records forward.
type Dispatcher struct {
	gw    storage.Gateway
	hooks Hooks
	zone  civiltime.Zone
	eng   *engine.Service
	bus   eventbus.Bus
	log   logx.Logger

	mu      sync.Mutex
	cfg     Config
	owner   string
	tick    TickSpec
	limiter *rate.Limiter

	c       *cron.Cron
	entry   cron.EntryID
	stopRun context.CancelFunc
	base    context.Context // parent of tick contexts, fixed by the first Start

	rmu    sync.Mutex
	last   TickReport
	totals TickReport
	ticks  uint64
}

func New(cfg Config, deps Deps) (*Dispatcher, error) {
	if deps.Store == nil {
		return nil, errors.New("dispatcher: store is required")
	}
	if deps.Hooks == nil {
		return nil, errors.New("dispatcher: hooks are required")
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	d := &Dispatcher{
		gw:    deps.Store,
		hooks: deps.Hooks,
		zone:  deps.Zone,
		eng:   deps.Engine,
		bus:   deps.Bus,
		log:   deps.Log.With(logx.String("comp", "dispatcher")),
	}
	if err := d.apply(cfg); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dispatcher) apply(cfg Config) error {
	raw := cfg
	cfg = cfg.withDefaults()
	if raw.ClaimTTL > 0 && raw.ClaimTTL != cfg.ClaimTTL {
		d.log.Warn("claim_ttl too short for hook_timeout; raised",
			logx.Duration("claim_ttl", raw.ClaimTTL),
			logx.Duration("hook_timeout", cfg.HookTimeout),
			logx.Duration("using", cfg.ClaimTTL),
		)
	}
	spec, err := ParseTick(cfg.Tick)
	if err != nil {
		return err
	}
	owner := cfg.Owner
	if owner == "" {
		owner = defaultOwner()
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.HookRatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.HookRatePerSec), max(1, int(cfg.HookRatePerSec)))
	}

	d.mu.Lock()
	d.cfg = cfg
	d.tick = spec
	d.limiter = lim
	if d.owner == "" || cfg.Owner != "" {
		d.owner = owner
	}
	d.mu.Unlock()
	return nil
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "recurd"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Owner returns the claim owner id of this dispatcher.
func (d *Dispatcher) Owner() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.owner
}

func (d *Dispatcher) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Enabled
}

// Apply swaps the config. A changed tick re-registers the cron entry; an
// enabled flip starts or stops the loop.
func (d *Dispatcher) Apply(ctx context.Context, cfg Config) error {
	d.mu.Lock()
	prev := d.cfg
	running := d.c != nil
	d.mu.Unlock()

	if err := d.apply(cfg); err != nil {
		return err
	}
	cfg = cfg.withDefaults()

	switch {
	case running && !cfg.Enabled:
		d.Stop(ctx)
	case running && prev.Tick != cfg.Tick:
		d.Stop(ctx)
		return d.Start(ctx)
	case !running && cfg.Enabled:
		return d.Start(ctx)
	}
	return nil
}

// Start registers the tick with a robfig/cron runner. Overlapping ticks are
// skipped, never queued. Tick contexts derive from the ctx of the first Start,
// so restarts from Apply outlive the reload that triggered them.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.c != nil || !d.cfg.Enabled {
		return nil
	}

	clog := logx.Cron(d.log)
	c := cron.New(
		cron.WithLocation(d.zone.Location()),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	sched, jitter, err := d.tick.schedule(time.Now(), d.owner)
	if err != nil {
		return fmt.Errorf("dispatcher tick: %w", err)
	}

	if d.base == nil {
		d.base = ctx
	}
	runCtx, stop := context.WithCancel(d.base)
	d.entry = c.Schedule(sched, cron.FuncJob(func() { d.Tick(runCtx) }))
	d.c = c
	d.stopRun = stop
	c.Start()

	d.log.Info("dispatcher started",
		logx.String("owner", d.owner),
		logx.String("tick", d.tick.String()),
		logx.Duration("startup_spread", jitter),
		logx.String("zone", d.zone.String()),
	)
	return nil
}

// Stop halts ticking and waits for a running tick to return or ctx to end.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	c, stop := d.c, d.stopRun
	d.c, d.stopRun = nil, nil
	d.mu.Unlock()
	if c == nil {
		return
	}
	stop()
	select {
	case <-c.Stop().Done():
		d.log.Info("dispatcher stopped")
	case <-ctx.Done():
		d.log.Warn("dispatcher stop timed out", logx.Err(ctx.Err()))
	}
}

// Run starts the loop and blocks until ctx ends. It fits supervisor.Go.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d.Stop(stopCtx)
	return nil
}

// Snapshot is the operator view of the dispatcher.
type Snapshot struct {
	Enabled bool       `json:"enabled"`
	Running bool       `json:"running"`
	Owner   string     `json:"owner"`
	Tick    string     `json:"tick"`
	NextRun time.Time  `json:"next_run,omitzero"`
	Ticks   uint64     `json:"ticks"`
	Last    TickReport `json:"last"`
	Totals  TickReport `json:"totals"`
}

func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.Lock()
	snap := Snapshot{
		Enabled: d.cfg.Enabled,
		Running: d.c != nil,
		Owner:   d.owner,
		Tick:    d.tick.String(),
	}
	if d.c != nil {
		snap.NextRun = d.c.Entry(d.entry).Next
	}
	d.mu.Unlock()

	d.rmu.Lock()
	snap.Ticks = d.ticks
	snap.Last = d.last
	snap.Totals = d.totals
	d.rmu.Unlock()
	return snap
}
