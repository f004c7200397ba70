package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	CivilTime CivilTimeConfig `json:"civil_time"`

	// Dispatcher controls the trigger loop (tick, claims, retries).
	Dispatcher DispatcherConfig `json:"dispatcher"`

	// Engine controls in-process execution of dispatch jobs.
	// If omitted, the engine follows dispatcher.enabled with defaults.
	Engine *EngineConfig `json:"engine,omitempty"`

	Storage StorageConfig `json:"storage"`
	Hooks   HooksConfig   `json:"hooks"`
	Ops     OpsConfig     `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// LoggingAlert forwards high-severity log lines to the operator alert feed.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// CivilTimeConfig fixes the wall clock every rule is entered in.
//
// Offset is "+HH:MM" (default "+05:30"). Changing it requires a restart;
// persisted instants are UTC and stay valid.
type CivilTimeConfig struct {
	Offset string `json:"offset,omitempty"`
}

// DispatcherConfig controls the dispatch loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - tick: "30s" (also accepts "HH:MM" or "@every 15s")
//   - retry_limit: 5 (0 also means 5; an item fails after that many hook errors)
//   - hook_timeout: "10s"
//   - batch_size: 100
//   - claim_ttl: max("5m", 2*(hook_timeout+10s)); an explicit value must
//     exceed hook_timeout+10s so a claim never expires while its hook runs
//   - hook_rate_per_sec: 0 (unlimited)
type DispatcherConfig struct {
	Enabled        bool    `json:"enabled"`
	Tick           string  `json:"tick,omitempty"`
	RetryLimit     int     `json:"retry_limit,omitempty"      validate:"gte=0"`
	HookTimeout    string  `json:"hook_timeout,omitempty"`
	BatchSize      int     `json:"batch_size,omitempty"       validate:"gte=0,lte=10000"`
	ClaimTTL       string  `json:"claim_ttl,omitempty"`
	Owner          string  `json:"owner,omitempty"            validate:"max=128"`
	HookRatePerSec float64 `json:"hook_rate_per_sec,omitempty" validate:"gte=0"`
}

// EngineConfig controls the execution engine.
//
// Enabled is a pointer so we can distinguish "omitted" (default to
// dispatcher.enabled) from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled; hooks carry their own timeout)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - circuit_trip_failures: 5 (-1 disables the breaker)
//   - circuit_base_delay: "5s", circuit_max_delay: "2m", circuit_reset_after: "5m"
type EngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"    validate:"gte=0,lte=1024"`

	QueueSize int `json:"queue_size,omitempty" validate:"gte=0"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty" validate:"gte=0"`

	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty" validate:"gte=-1"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`
}

// StorageConfig selects the store backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./recurd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"                 validate:"omitempty,oneof=memory sqlite sqlite3 postgres postgresql pgx"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // never logged
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxConns    int32  `json:"max_conns,omitempty"    validate:"gte=0"`
}

// HooksConfig selects the notify/instantiate collaborators.
//
//   - "log": log every hook call and succeed (default)
//   - "webhook": POST a JSON envelope to notify_url / instantiate_url
type HooksConfig struct {
	Driver         string `json:"driver"                    validate:"omitempty,oneof=log webhook"`
	NotifyURL      string `json:"notify_url,omitempty"      validate:"omitempty,url"`
	InstantiateURL string `json:"instantiate_url,omitempty" validate:"omitempty,url"`
	Token          string `json:"token,omitempty"` // optional bearer token (do not log)
	Timeout        string `json:"timeout,omitempty"`
}

// OpsConfig controls the optional operator HTTP server
// (/healthz, /readyz, /snapshot, /failures, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6061").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6061"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /debug/pprof/profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
