package config

import (
	"fmt"
	"strings"
	"time"

	"recurd/internal/civiltime"
	"recurd/internal/validate"
	logx "recurd/pkg/logx"
)

type durationField struct{ path, raw string }

const (
	defaultHookTimeout = 10 * time.Second
	// finalizeBudget is how long a dispatcher may spend recording an outcome
	// after the hook returns.
	finalizeBudget = 10 * time.Second
)

// checkClaimTTL rejects a claim lifetime that could lapse while the claiming
// dispatcher is still inside the hook, letting another process fire the
// same item again.
func checkClaimTTL(dc DispatcherConfig) error {
	ttl, _ := ParseDurationField("dispatcher.claim_ttl", dc.ClaimTTL)
	if ttl == 0 {
		return nil
	}
	hook, _ := ParseDurationOrDefault("dispatcher.hook_timeout", dc.HookTimeout, defaultHookTimeout)
	if floor := hook + finalizeBudget; ttl <= floor {
		return validate.Field("dispatcher.claim_ttl", "%s must exceed hook_timeout plus %s (%s)", ttl, finalizeBudget, floor)
	}
	return nil
}

// Validate checks cfg before it is committed: struct tags first, then
// durations, the civil offset and cross-field rules. Component-specific
// parsing (tick spec, listen address) happens where cfg is mapped.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			return validate.Field("logging.level", "unknown level %q", lvl)
		}
	}
	if lvl := strings.TrimSpace(cfg.Logging.Alert.MinLevel); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			return validate.Field("logging.alert.min_level", "unknown level %q", lvl)
		}
	}
	if _, err := civiltime.ParseOffset(cfg.CivilTime.Offset); err != nil {
		return validate.Field("civil_time.offset", "%v", err)
	}

	durations := []durationField{
		{"dispatcher.hook_timeout", cfg.Dispatcher.HookTimeout},
		{"dispatcher.claim_ttl", cfg.Dispatcher.ClaimTTL},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"hooks.timeout", cfg.Hooks.Timeout},
		{"ops.read_timeout", cfg.Ops.ReadTimeout},
		{"ops.write_timeout", cfg.Ops.WriteTimeout},
		{"ops.idle_timeout", cfg.Ops.IdleTimeout},
	}
	if e := cfg.Engine; e != nil {
		durations = append(durations,
			durationField{"engine.default_timeout", e.DefaultTimeout},
			durationField{"engine.max_queue_delay", e.MaxQueueDelay},
			durationField{"engine.circuit_base_delay", e.CircuitBaseDelay},
			durationField{"engine.circuit_max_delay", e.CircuitMaxDelay},
			durationField{"engine.circuit_reset_after", e.CircuitResetAfter},
		)
		if cfg.Dispatcher.Enabled && e.Enabled != nil && !*e.Enabled {
			return validate.Field("engine.enabled", "cannot be false while dispatcher.enabled is true")
		}
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	if err := checkClaimTTL(cfg.Dispatcher); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return validate.Field("storage.path", "required when storage.driver=sqlite")
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return validate.Field("storage.dsn", "required when storage.driver=postgres")
		}
	}

	if strings.EqualFold(strings.TrimSpace(cfg.Hooks.Driver), "webhook") {
		if strings.TrimSpace(cfg.Hooks.NotifyURL) == "" {
			return validate.Field("hooks.notify_url", "required when hooks.driver=webhook")
		}
		if strings.TrimSpace(cfg.Hooks.InstantiateURL) == "" {
			return validate.Field("hooks.instantiate_url", "required when hooks.driver=webhook")
		}
	}
	return nil
}
