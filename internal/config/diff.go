package config

import (
	"reflect"
	"sort"
	"strings"

	logx "recurd/pkg/logx"
)

// restartSections cannot be applied live.
var restartSections = map[string]bool{"civil_time": true, "storage": true}

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured attrs for logging. Secrets (tokens, DSN) are reported only as
// "_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.CivilTime.Offset) != strings.TrimSpace(newCfg.CivilTime.Offset) {
		changed = append(changed, "civil_time")
		attrs = append(attrs, logx.String("civil_time.offset", strings.TrimSpace(newCfg.CivilTime.Offset)))
	}

	od, nd := oldCfg.Dispatcher, newCfg.Dispatcher
	if od != nd {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Bool("dispatcher.enabled", nd.Enabled),
			logx.String("dispatcher.tick", strings.TrimSpace(nd.Tick)),
			logx.Int("dispatcher.retry_limit", nd.RetryLimit),
			logx.String("dispatcher.hook_timeout", strings.TrimSpace(nd.HookTimeout)),
			logx.Int("dispatcher.batch_size", nd.BatchSize),
			logx.String("dispatcher.claim_ttl", strings.TrimSpace(nd.ClaimTTL)),
		)
	}

	oe, ne := derefEngine(oldCfg.Engine), derefEngine(newCfg.Engine)
	if (oldCfg.Engine != nil) != (newCfg.Engine != nil) || !reflect.DeepEqual(oe, ne) {
		changed = append(changed, "engine")
		enabled := newCfg.Dispatcher.Enabled
		if ne.Enabled != nil {
			enabled = *ne.Enabled
		}
		attrs = append(attrs,
			logx.Bool("engine.present", newCfg.Engine != nil),
			logx.Bool("engine.enabled", enabled),
			logx.Int("engine.workers", ne.Workers),
			logx.Int("engine.queue_size", ne.QueueSize),
			logx.Int("engine.circuit_trip_failures", ne.CircuitTripFailures),
		)
	}

	ost, nst := oldCfg.Storage, newCfg.Storage
	if !strings.EqualFold(strings.TrimSpace(ost.Driver), strings.TrimSpace(nst.Driver)) ||
		strings.TrimSpace(ost.Path) != strings.TrimSpace(nst.Path) ||
		ost.DSN != nst.DSN ||
		strings.TrimSpace(ost.BusyTimeout) != strings.TrimSpace(nst.BusyTimeout) ||
		ost.MaxConns != nst.MaxConns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nst.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nst.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nst.DSN) != ""),
		)
	}

	if oldCfg.Hooks != newCfg.Hooks {
		changed = append(changed, "hooks")
		attrs = append(attrs,
			logx.String("hooks.driver", strings.TrimSpace(newCfg.Hooks.Driver)),
			logx.Bool("hooks.notify_url_set", strings.TrimSpace(newCfg.Hooks.NotifyURL) != ""),
			logx.Bool("hooks.instantiate_url_set", strings.TrimSpace(newCfg.Hooks.InstantiateURL) != ""),
			logx.Bool("hooks.token_set", strings.TrimSpace(newCfg.Hooks.Token) != ""),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired returns the changed sections that only take effect after a
// restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func derefEngine(e *EngineConfig) EngineConfig {
	if e == nil {
		return EngineConfig{}
	}
	return *e
}
