package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"recurd/internal/eventbus"
	rtsup "recurd/internal/runtime/supervisor"
	logx "recurd/pkg/logx"
)

// Job lifecycle event types.
const (
	EventStarted  = "job.started"
	EventFinished = "job.finished"
	EventFailed   = "job.failed"
	EventSkipped  = "job.skipped"
	EventDropped  = "job.dropped"
)

// Service runs jobs on a bounded worker pool. Workers are restarted by a
// supervisor; the pool itself is rebuilt when the worker count or queue size
// changes.
type Service struct {
	mu  sync.Mutex
	cfg Config
	cur *pool

	log logx.Logger
	bus eventbus.Bus

	inFlight atomic.Int32
	ids      atomic.Uint64
	drops    dropCounters

	keys     keyGate
	circuits circuitStore
	hist     history
}

// pool is one generation of workers and their queue.
type pool struct {
	queue    chan queuedJob
	sup      *rtsup.Supervisor
	quit     chan struct{} // closed when Stop begins
	done     chan struct{} // closed once workers exited and the queue drained
	stopping bool          // guarded by Service.mu

	// senders counts enqueue calls that may still write to queue. Add only
	// happens under Service.mu while !stopping, so once Stop has begun the
	// count can only fall.
	senders sync.WaitGroup
}

type queuedJob struct {
	job        Job
	enqueuedAt time.Time
	timeout    time.Duration
}

type dropCounters struct {
	total, queueFull, stale atomic.Uint64

	warnFull, warnStale rate.Sometimes
}

type history struct {
	mu    sync.Mutex
	items []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		cfg: withDefaults(cfg),
		log: log.With(logx.String("comp", "engine")),
		bus: bus,
	}
	s.drops.warnFull.Interval = 5 * time.Second
	s.drops.warnStale.Interval = 5 * time.Second
	return s
}

func withDefaults(cfg Config) Config {
	set := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if cfg.CircuitTripFailures == 0 {
		cfg.CircuitTripFailures = 5
	}
	set(&cfg.CircuitBaseDelay, 5*time.Second)
	set(&cfg.CircuitMaxDelay, 2*time.Minute)
	set(&cfg.CircuitResetAfter, 5*time.Minute)
	return cfg
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the config. Worker count or queue size changes rebuild the
// pool; jobs still queued at that point are dropped with ErrStopped.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.cur != nil && !s.cur.stopping
	s.mu.Unlock()

	resized := prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize
	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case running && resized:
		s.Stop(ctx)
		s.Start(ctx)
	case !running && cfg.Enabled && !prev.Enabled:
		s.Start(ctx)
	}
}

// Start launches the worker pool. It waits for a pool that is still stopping
// to finish first, and does nothing if a pool is already running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		if !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		old := s.cur
		if old == nil {
			break
		}
		stopping := old.stopping
		s.mu.Unlock()
		if !stopping {
			return
		}
		select {
		case <-old.done:
		case <-ctx.Done():
			return
		}
	}
	cfg := s.cfg
	p := &pool{
		queue: make(chan queuedJob, cfg.QueueSize),
		sup:   rtsup.New(ctx, rtsup.WithLogger(s.log)),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	s.cur = p
	s.inFlight.Store(0)
	s.mu.Unlock()

	for i := range cfg.Workers {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, p)
			select {
			case <-p.quit:
				return context.Canceled
			default:
			}
			if err := c.Err(); err != nil {
				return err
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop cancels the workers and reports every still-queued job as dropped.
// It returns when the pool is gone or ctx ends, whichever is first.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.cur
	if p == nil {
		s.mu.Unlock()
		return
	}
	first := !p.stopping
	if first {
		p.stopping = true
		close(p.quit)
	}
	s.mu.Unlock()

	if first {
		p.sup.Cancel()
		go s.retire(p)
	}
	select {
	case <-p.done:
		if first {
			s.log.Info("engine stopped")
		}
	case <-ctx.Done():
		s.log.Warn("engine stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) retire(p *pool) {
	_ = p.sup.Wait(context.Background())
	// A sender blocked on a full queue returns once quit is closed; one that
	// won the race against quit has already written and is drained below.
	p.senders.Wait()
	// No worker reads the queue and nobody writes to it anymore.
	for {
		var qj queuedJob
		select {
		case qj = <-p.queue:
		default:
			s.mu.Lock()
			if s.cur == p {
				s.cur = nil
			}
			s.mu.Unlock()
			close(p.done)
			return
		}
		s.keys.release(qj.job.Key)
		if qj.job.Dropped != nil {
			qj.job.Dropped(ErrStopped)
		}
	}
}

// Enqueue hands j to the pool without blocking; a full queue rejects it with
// ErrQueueFull.
func (s *Service) Enqueue(j Job) error {
	return s.enqueue(context.Background(), j, false)
}

// Submit blocks until j is queued, ctx is canceled, or the engine stops.
func (s *Service) Submit(ctx context.Context, j Job) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, j, true)
}

func (s *Service) enqueue(ctx context.Context, j Job, block bool) error {
	if j.Run == nil {
		return errors.New("job Run is nil")
	}
	if j.Name = strings.TrimSpace(j.Name); j.Name == "" {
		return errors.New("job Name is required")
	}
	j.Key = strings.TrimSpace(j.Key)
	now := time.Now()
	if strings.TrimSpace(j.ID) == "" {
		j.ID = fmt.Sprintf("job-%x-%x", now.UnixNano(), s.ids.Add(1))
	}

	s.mu.Lock()
	cfg, p := s.cfg, s.cur
	switch {
	case !cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case p == nil:
		s.mu.Unlock()
		return ErrStopped
	case p.stopping:
		s.mu.Unlock()
		return ErrStopping
	}
	p.senders.Add(1)
	s.mu.Unlock()
	defer p.senders.Done()

	if open, until := s.circuitIsOpen(now, j.Breaker, cfg); open {
		s.skip(now, j, "circuit_open")
		s.log.Debug("job skipped: circuit open", logx.String("job", j.Name), logx.String("breaker", j.Breaker), logx.Time("until", until))
		s.record(cfg, HistoryItem{ID: j.ID, Name: j.Name, Key: j.Key, Started: now, Error: "circuit_open"})
		return ErrCircuitOpen
	}
	if !s.keys.tryAcquire(j.Key) {
		s.skip(now, j, "overlap_skip")
		s.log.Debug("job skipped due to overlap", logx.String("job", j.Name), logx.String("key", j.Key))
		return ErrOverlapSkip
	}

	timeout := j.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	qj := queuedJob{job: j, enqueuedAt: now, timeout: timeout}

	if !block {
		select {
		case p.queue <- qj:
			return nil
		default:
			s.keys.release(j.Key)
			s.onQueueFullDropped(now, j, p.queue)
			return ErrQueueFull
		}
	}
	select {
	case p.queue <- qj:
		return nil
	case <-ctx.Done():
		s.keys.release(j.Key)
		return ctx.Err()
	case <-p.quit:
		s.keys.release(j.Key)
		return ErrStopping
	}
}

func (s *Service) skip(now time.Time, j Job, reason string) {
	s.bus.Publish(eventbus.Event{Type: EventSkipped, Time: now, Data: JobEvent{ID: j.ID, Name: j.Name, Key: j.Key, Started: now, Error: reason}})
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, p := s.cfg, s.cur
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		Keys:             s.keys.len(),
		Dropped:          s.drops.total.Load(),
		DroppedQueueFull: s.drops.queueFull.Load(),
		DroppedStale:     s.drops.stale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
	}
	if p != nil {
		snap.QueueLen, snap.QueueCap = len(p.queue), cap(p.queue)
	}
	snap.CircuitTotal, snap.CircuitOpen = s.circuitSnapshot(time.Now(), cfg)

	s.hist.mu.Lock()
	snap.History = append([]HistoryItem(nil), s.hist.items...)
	s.hist.mu.Unlock()
	return snap
}

func (s *Service) record(cfg Config, item HistoryItem) {
	s.hist.mu.Lock()
	defer s.hist.mu.Unlock()
	s.hist.items = append(s.hist.items, item)
	if n := cfg.HistorySize; n > 0 && len(s.hist.items) > n {
		s.hist.items = s.hist.items[len(s.hist.items)-n:]
	}
}

func (s *Service) onQueueFullDropped(now time.Time, j Job, q chan queuedJob) {
	s.drops.total.Add(1)
	n := s.drops.queueFull.Add(1)
	s.bus.Publish(eventbus.Event{Type: EventDropped, Time: now, Data: JobEvent{ID: j.ID, Name: j.Name, Key: j.Key, Started: now, Error: "queue_full"}})
	s.drops.warnFull.Do(func() {
		s.log.Warn("job dropped: queue full",
			logx.String("job", j.Name),
			logx.String("key", j.Key),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", n),
		)
	})
}

func (s *Service) onStaleDropped(now time.Time, j Job, queueDelay time.Duration) {
	s.drops.total.Add(1)
	n := s.drops.stale.Add(1)
	s.bus.Publish(eventbus.Event{Type: EventDropped, Time: now, Data: JobEvent{ID: j.ID, Name: j.Name, Key: j.Key, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"}})
	s.drops.warnStale.Do(func() {
		s.log.Warn("job dropped: stale queue",
			logx.String("job", j.Name),
			logx.String("key", j.Key),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", n),
		)
	})
}
