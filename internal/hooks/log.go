package hooks

import (
	"context"
	"time"

	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

func (h *Log) Notify(ctx context.Context, r storage.Reminder) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.log.Info("reminder due",
		logx.String("id", r.ID),
		logx.String("task_id", r.TaskID),
		logx.String("anchor", string(r.Rule.Anchor)),
		logx.Time("trigger_at", r.TriggerAt),
	)
	return nil
}

func (h *Log) InstantiateTaskOccurrence(ctx context.Context, s storage.Schedule, occurrence time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fields := []logx.Field{
		logx.String("id", s.ID),
		logx.String("task_id", s.TaskID),
		logx.String("type", string(s.Rule.Type)),
		logx.Time("occurrence", occurrence),
	}
	if s.NextDueAt != nil {
		fields = append(fields, logx.Time("due", *s.NextDueAt))
	}
	h.log.Info("task occurrence due", fields...)
	return nil
}
