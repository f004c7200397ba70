package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	logx "recurd/pkg/logx"
)

const (
	defaultDebounce = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
)

// ConfigManager holds the committed config and republishes it when the file
// on disk changes and still validates.
type ConfigManager struct {
	path     string
	debounce time.Duration
	log      logx.Logger
	check    func(ctx context.Context, cfg *Config) error

	cur atomic.Pointer[committed]

	subMu sync.Mutex
	subs  map[chan *Config]struct{}
}

// committed pairs a config with the hash of its canonical JSON form. Editors
// that rewrite identical content produce the same hash and are ignored.
type committed struct {
	cfg  *Config
	hash uint64
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{
		path:     path,
		debounce: defaultDebounce,
		log:      logx.Nop(),
		subs:     map[chan *Config]struct{}{},
	}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetValidator adds a check that runs after Validate on every reload. An
// error keeps the previous config in place.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.check = fn
}

// Parse reads and strictly decodes the file without validating it.
func (m *ConfigManager) Parse() (*Config, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, data)
}

// Decode strictly decodes data: unknown fields and trailing content are
// errors. A .yaml or .yml path selects YAML; anything else is JSON.
func Decode(path string, data []byte) (*Config, error) {
	raw, format, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	cfg := new(Config)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}
	switch err := dec.Decode(&struct{}{}); {
	case errors.Is(err, io.EOF):
		return cfg, nil
	case err == nil:
		return nil, errors.New("invalid config: trailing data")
	default:
		return nil, err
	}
}

// Load parses, validates and commits the file.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", m.path, err)
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	m.cur.Store(&committed{cfg: cfg, hash: hashConfig(cfg)})
}

// Get returns the committed config, or nil before the first Load.
func (m *ConfigManager) Get() *Config {
	if c := m.cur.Load(); c != nil {
		return c.cfg
	}
	return nil
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// Subscribe returns a channel that receives every published config. When the
// buffer is full the oldest pending config is replaced by the newest.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		if !offerLatest(ch, cfg) {
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// offerLatest sends cfg, evicting one stale entry if the buffer is full.
func offerLatest(ch chan *Config, cfg *Config) bool {
	for range 2 {
		select {
		case ch <- cfg:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
	return false
}

// reload re-reads the file and publishes it if it changed and passes both
// Validate and the extra check. Anything else leaves the committed config
// alone.
func (m *ConfigManager) reload(ctx context.Context) {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config parse failed", logx.Err(err))
		return
	}
	h := hashConfig(cfg)
	if prev := m.cur.Load(); prev != nil && h != 0 && h == prev.hash {
		log.Debug("config unchanged; skipping publish")
		return
	}
	if err := m.accept(ctx, cfg); err != nil {
		log.Warn("config rejected", logx.Err(err))
		return
	}
	m.Commit(cfg)
	m.publish(cfg)
	log.Debug("config published", logx.String("hash", fmt.Sprintf("%x", h)))
}

func (m *ConfigManager) accept(ctx context.Context, cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.check == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	return m.check(ctx, cfg)
}
