// Package hooks provides the notify/instantiate collaborators the dispatcher
// fires: a log-only driver and an HTTP webhook driver.
package hooks

import (
	"fmt"
	"strings"
	"time"

	"recurd/internal/dispatcher"
	logx "recurd/pkg/logx"
)

// Config selects and configures a driver.
type Config struct {
	Driver         string // "log" (default) | "webhook"
	NotifyURL      string
	InstantiateURL string
	Token          string
	Timeout        time.Duration
}

// New builds the configured driver.
func New(cfg Config, log logx.Logger) (dispatcher.Hooks, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "log":
		return NewLog(log), nil
	case "webhook":
		return NewWebhook(cfg, log)
	default:
		return nil, fmt.Errorf("unknown hooks driver %q", cfg.Driver)
	}
}

// Log records every hook call and succeeds. It is the default when no
// downstream is wired.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	return &Log{log: log.With(logx.String("comp", "hooks"), logx.String("driver", "log"))}
}
