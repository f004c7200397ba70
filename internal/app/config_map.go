package app

import (
	"strings"
	"time"

	"recurd/internal/civiltime"
	"recurd/internal/config"
	"recurd/internal/dispatcher"
	"recurd/internal/engine"
	"recurd/internal/hooks"
	"recurd/internal/observability/ops"
	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapZone(cfg *config.Config) (civiltime.Zone, error) {
	off, err := civiltime.ParseOffset(cfg.CivilTime.Offset)
	if err != nil {
		return civiltime.Zone{}, err
	}
	return civiltime.NewZone(off), nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		DSN:         sc.DSN,
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, nil
}

// mapEngineConfig applies engine overrides on top of defaults. An omitted
// engine section follows dispatcher.enabled.
func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:   cfg.Dispatcher.Enabled,
		Workers:   4,
		QueueSize: 256,
	}
	ec := cfg.Engine
	if ec == nil {
		return out, nil
	}
	if ec.Enabled != nil {
		out.Enabled = *ec.Enabled
	}
	if ec.Workers != 0 {
		out.Workers = ec.Workers
	}
	if ec.QueueSize != 0 {
		out.QueueSize = ec.QueueSize
	}
	out.HistorySize = ec.HistorySize
	out.CircuitTripFailures = ec.CircuitTripFailures

	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("engine.default_timeout", ec.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("engine.max_queue_delay", ec.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	if out.CircuitBaseDelay, err = config.ParseDurationField("engine.circuit_base_delay", ec.CircuitBaseDelay); err != nil {
		return engine.Config{}, err
	}
	if out.CircuitMaxDelay, err = config.ParseDurationField("engine.circuit_max_delay", ec.CircuitMaxDelay); err != nil {
		return engine.Config{}, err
	}
	if out.CircuitResetAfter, err = config.ParseDurationField("engine.circuit_reset_after", ec.CircuitResetAfter); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapDispatcherConfig(cfg *config.Config) (dispatcher.Config, error) {
	dc := cfg.Dispatcher
	hookTimeout, err := config.ParseDurationField("dispatcher.hook_timeout", dc.HookTimeout)
	if err != nil {
		return dispatcher.Config{}, err
	}
	claimTTL, err := config.ParseDurationField("dispatcher.claim_ttl", dc.ClaimTTL)
	if err != nil {
		return dispatcher.Config{}, err
	}
	tick := strings.TrimSpace(dc.Tick)
	if tick != "" {
		if _, err := dispatcher.ParseTick(tick); err != nil {
			return dispatcher.Config{}, err
		}
	}
	return dispatcher.Config{
		Enabled:        dc.Enabled,
		Tick:           tick,
		RetryLimit:     dc.RetryLimit,
		HookTimeout:    hookTimeout,
		BatchSize:      dc.BatchSize,
		ClaimTTL:       claimTTL,
		Owner:          strings.TrimSpace(dc.Owner),
		HookRatePerSec: dc.HookRatePerSec,
	}, nil
}

func mapHooksConfig(cfg *config.Config) (hooks.Config, error) {
	hc := cfg.Hooks
	timeout, err := config.ParseDurationField("hooks.timeout", hc.Timeout)
	if err != nil {
		return hooks.Config{}, err
	}
	return hooks.Config{
		Driver:         strings.TrimSpace(hc.Driver),
		NotifyURL:      strings.TrimSpace(hc.NotifyURL),
		InstantiateURL: strings.TrimSpace(hc.InstantiateURL),
		Token:          hc.Token,
		Timeout:        timeout,
	}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	out := ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         oc.Token,
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 10*time.Second); err != nil {
		return ops.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("ops.write_timeout", oc.WriteTimeout); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 60*time.Second); err != nil {
		return ops.Config{}, err
	}
	if err := out.Check(); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}

// checkLive rejects a config whose live-applied sections cannot be mapped.
func checkLive(cfg *config.Config) error {
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatcherConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHooksConfig(cfg); err != nil {
		return err
	}
	_, err := mapOpsConfig(cfg)
	return err
}
