package logx

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	maxAlertLine  = 2000
	maxAlertValue = 300
)

type alertGate struct {
	min     zerolog.Level
	limiter *rate.Limiter
}

// alertSink is a zerolog LevelWriter feeding the Service's Alerter.
type alertSink struct{ svc *Service }

func (w *alertSink) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	w.svc.mu.Lock()
	a, g := w.svc.alerter, w.svc.gate
	w.svc.mu.Unlock()

	if a == nil || g.limiter == nil || level < g.min || !g.limiter.Allow() {
		return len(p), nil
	}
	if line := alertLine(p); line != "" {
		a.Alert(level, line)
	}
	return len(p), nil
}

// alertLine renders a JSON event as "[LEVEL] message k=v ..." with keys
// sorted and time, caller and stack left out.
func alertLine(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return clip(raw, maxAlertLine)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.CallerFieldName, "stack":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, clip(fmt.Sprint(m[k]), maxAlertValue))
	}
	return clip(b.String(), maxAlertLine)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
