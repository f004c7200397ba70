package logx

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// Cron adapts a Logger to cron.Logger. robfig/cron reports every
// schedule/wake at Info, so those go to Debug here.
func Cron(l Logger) cron.Logger { return cronLogger{l: l} }

type cronLogger struct{ l Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, kvFields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(kvFields(keysAndValues), Err(err))...)
}

func kvFields(kv []interface{}) []Field {
	out := make([]Field, 0, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, Any(k, kv[i+1]))
	}
	if len(kv)%2 == 1 {
		out = append(out, Any("extra", kv[len(kv)-1]))
	}
	return out
}
