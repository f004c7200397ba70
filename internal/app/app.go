package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"recurd/internal/alert"
	"recurd/internal/civiltime"
	"recurd/internal/config"
	"recurd/internal/dispatcher"
	"recurd/internal/engine"
	"recurd/internal/eventbus"
	"recurd/internal/hooks"
	"recurd/internal/observability/ops"
	"recurd/internal/planner"
	rtsup "recurd/internal/runtime/supervisor"
	"recurd/internal/storage"
	logx "recurd/pkg/logx"
	"recurd/pkg/systemd"
)

// App wires the recurrence daemon: config, logging, storage, the engine, the
// dispatcher, the planner and the ops server.
type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log    logx.Logger
	logs   *logx.Service
	alerts *alert.Feed
	bus    eventbus.Bus
	store  storage.Store
	zone   civiltime.Zone

	hooks   *swapHooks
	engine  *engine.Service
	disp    *dispatcher.Dispatcher
	planner *planner.Service
	ops     *ops.Service
}

// NewApp loads cfgPath and builds every component. Nothing runs until Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := checkLive(cfg); err != nil {
		return nil, err
	}

	zone, err := mapZone(cfg)
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}

	alerts := alert.New(0)
	logSvc, log := logx.New(mapLoggingConfig(cfg), alerts)
	alerts.SetLogger(log)
	appLog := log.With(logx.String("comp", "app"))
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver), logx.String("zone", zone.String()))

	// Everything below must close the store on failure.
	a, err := build(cfg, cfgm, store, zone, alerts, logSvc, log)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func build(cfg *config.Config, cfgm *config.ConfigManager, store storage.Store, zone civiltime.Zone,
	alerts *alert.Feed, logSvc *logx.Service, log logx.Logger,
) (*App, error) {
	bus := eventbus.New()

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engCfg, log.With(logx.String("comp", "engine")), bus)

	hc, err := mapHooksConfig(cfg)
	if err != nil {
		return nil, err
	}
	h, err := hooks.New(hc, log)
	if err != nil {
		return nil, err
	}
	sh := newSwapHooks(h)

	dc, err := mapDispatcherConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp, err := dispatcher.New(dc, dispatcher.Deps{
		Store:  store,
		Hooks:  sh,
		Zone:   zone,
		Engine: eng,
		Bus:    bus,
		Log:    log,
	})
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		alerts:  alerts,
		bus:     bus,
		store:   store,
		zone:    zone,
		hooks:   sh,
		engine:  eng,
		disp:    disp,
		planner: planner.New(store, zone, log),
	}

	oc, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.ops = ops.New(oc, ops.Sources{
		Ready:    a.Ready,
		Snapshot: func() any { return a.Snapshot() },
		Failures: a.planner.ListFailed,
		Requeue:  a.planner.Requeue,
		Alerts:   alerts.Recent,
		Preview:  a.planner.PreviewSchedule,
	}, log.With(logx.String("comp", "ops")))
	return a, nil
}

// Planner is the write API for schedules and reminders.
func (a *App) Planner() *planner.Service { return a.planner }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Ready returns nil when the daemon is dispatching and following its config.
func (a *App) Ready() error {
	if a.sup == nil {
		return errors.New("not started")
	}
	if err := a.sup.Context().Err(); err != nil {
		return fmt.Errorf("stopping: %w", err)
	}
	if a.disp.Enabled() && !a.disp.Snapshot().Running {
		return errors.New("dispatcher not running")
	}
	if !a.sup.Healthy("config.watch") {
		return errors.New("config watcher not running")
	}
	return nil
}

// Snapshot is the operator view served on /snapshot.
type Snapshot struct {
	Zone        string              `json:"zone"`
	Dispatcher  dispatcher.Snapshot `json:"dispatcher"`
	Engine      engine.Snapshot     `json:"engine"`
	Supervisor  rtsup.Snapshot      `json:"supervisor"`
	AlertsTotal uint64              `json:"alerts_total"`
}

func (a *App) Snapshot() Snapshot {
	snap := Snapshot{
		Zone:        a.zone.String(),
		Dispatcher:  a.disp.Snapshot(),
		Engine:      a.engine.Snapshot(),
		AlertsTotal: a.alerts.Total(),
	}
	if a.sup != nil {
		snap.Supervisor = a.sup.Snapshot()
	}
	return snap
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// config.Validate already ran; reject what the live mappers cannot apply.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return checkLive(cfg)
	})

	a.sup.Go("alert.feed", func(c context.Context) error {
		return a.alerts.Run(c, a.bus)
	})

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if err := a.disp.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}
	if a.ops.Enabled() {
		a.ops.Start(a.sup.Context())
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if _, err := systemd.Ready(fmt.Sprintf("dispatching in %s", a.zone)); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}
	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			if err := systemd.Watchdog(c, iv, a.Ready); err != nil {
				a.log.Warn("systemd watchdog stopped", logx.Err(err))
			}
			return nil
		})
	}

	a.log.Info("app started",
		logx.String("config", a.cfgm.Path()),
		logx.Bool("dispatcher", a.disp.Enabled()),
		logx.Bool("engine", a.engine.Enabled()),
		logx.Bool("ops", a.ops.Enabled()),
	)
	return nil
}

// applyConfig pushes a committed config into the live components. Sections
// that need a restart are only reported.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if rs := config.RestartRequired(sections); len(rs) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(rs, ",")))
	}

	a.logs.Apply(mapLoggingConfig(next))

	if h, err := a.nextHooks(prev, next); err != nil {
		a.log.Warn("invalid hooks config; keeping previous", logx.Err(err))
	} else if h != nil {
		a.hooks.Set(h)
	}

	engCfg, engErr := mapEngineConfig(next)
	dispCfg, dispErr := mapDispatcherConfig(next)
	if engErr != nil || dispErr != nil {
		a.log.Warn("invalid engine/dispatcher config; keeping previous",
			logx.Err(errors.Join(engErr, dispErr)))
	} else if !dispCfg.Enabled {
		// Stop the producer before its executor.
		a.applyDispatcher(ctx, dispCfg)
		a.engine.Apply(ctx, engCfg)
	} else {
		a.engine.Apply(ctx, engCfg)
		a.applyDispatcher(ctx, dispCfg)
	}

	if oc, err := mapOpsConfig(next); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// nextHooks returns a new driver when the hooks section changed.
func (a *App) nextHooks(prev, next *config.Config) (dispatcher.Hooks, error) {
	if prev != nil && prev.Hooks == next.Hooks {
		return nil, nil
	}
	hc, err := mapHooksConfig(next)
	if err != nil {
		return nil, err
	}
	return hooks.New(hc, a.log)
}

func (a *App) applyDispatcher(ctx context.Context, cfg dispatcher.Config) {
	if err := a.disp.Apply(ctx, cfg); err != nil {
		a.log.Warn("dispatcher reconfigure failed", logx.Err(err))
	}
}
