// Package planner is the write side of the engine: it validates rules,
// computes their first trigger instant and persists them.
package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"recurd/internal/civiltime"
	"recurd/internal/recurrence"
	"recurd/internal/reminder"
	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

const maxPreview = 366

type Service struct {
	repo storage.Repository
	zone civiltime.Zone
	log  logx.Logger
}

func New(repo storage.Repository, zone civiltime.Zone, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{repo: repo, zone: zone, log: log.With(logx.String("comp", "planner"))}
}

// arm computes the pending occurrence of s from the current wall clock, or disarms it when inactive.
func (p *Service) arm(s *storage.Schedule) {
	if !s.IsActive {
		s.NextOccurrenceAt, s.NextDueAt = nil, nil
		return
	}
	occ := recurrence.NextOccurrence(s.Rule, p.zone.Now())
	start, due := p.zone.ToUTC(occ.Start), p.zone.ToUTC(occ.Due)
	s.NextOccurrenceAt, s.NextDueAt = &start, &due
}

func (p *Service) CreateSchedule(ctx context.Context, in ScheduleInput) (storage.Schedule, error) {
	rule, err := in.Rule()
	if err != nil {
		return storage.Schedule{}, err
	}
	s := storage.Schedule{TaskID: in.TaskID, Rule: rule, IsActive: in.Active()}
	p.arm(&s)
	out, err := p.repo.CreateSchedule(ctx, s)
	if err != nil {
		return storage.Schedule{}, fmt.Errorf("create schedule: %w", err)
	}
	p.log.Debug("schedule created", logx.String("id", out.ID), logx.String("task_id", out.TaskID), logx.Any("next", out.NextOccurrenceAt))
	return out, nil
}

// UpdateSchedule replaces the rule of schedule id and recomputes its next
// occurrence. Any in-flight claim on the old version is invalidated.
func (p *Service) UpdateSchedule(ctx context.Context, id string, in ScheduleInput) (storage.Schedule, error) {
	rule, err := in.Rule()
	if err != nil {
		return storage.Schedule{}, err
	}
	cur, err := p.repo.GetSchedule(ctx, id)
	if err != nil {
		return storage.Schedule{}, err
	}
	cur.TaskID = in.TaskID
	cur.Rule = rule
	cur.IsActive = in.Active()
	p.arm(&cur)
	out, err := p.repo.UpdateSchedule(ctx, cur)
	if err != nil {
		return storage.Schedule{}, fmt.Errorf("update schedule %s: %w", id, err)
	}
	return out, nil
}

// SetScheduleActive toggles a schedule. Deactivation clears the pending
// occurrence; reactivation recomputes it from now.
func (p *Service) SetScheduleActive(ctx context.Context, id string, active bool) (storage.Schedule, error) {
	cur, err := p.repo.GetSchedule(ctx, id)
	if err != nil {
		return storage.Schedule{}, err
	}
	if cur.IsActive == active && (!active || cur.NextOccurrenceAt != nil) {
		return cur, nil
	}
	cur.IsActive = active
	p.arm(&cur)
	out, err := p.repo.UpdateSchedule(ctx, cur)
	if err != nil {
		return storage.Schedule{}, fmt.Errorf("set schedule %s active=%t: %w", id, active, err)
	}
	p.log.Info("schedule activation changed", logx.String("id", id), logx.Bool("active", active))
	return out, nil
}

// PreviewSchedule returns the next n occurrence starts of schedule id (UTC),
// computed from now.
func (p *Service) PreviewSchedule(ctx context.Context, id string, n int) ([]time.Time, error) {
	s, err := p.repo.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	walls := recurrence.Preview(s.Rule, p.zone.Now(), min(n, maxPreview))
	out := make([]time.Time, 0, len(walls))
	for _, w := range walls {
		out = append(out, p.zone.ToUTC(w))
	}
	return out, nil
}

func (p *Service) CreateReminder(ctx context.Context, in ReminderInput) (storage.Reminder, error) {
	rule, err := in.Rule()
	if err != nil {
		return storage.Reminder{}, err
	}
	trigger, err := reminder.Compute(rule, in.Times())
	if err != nil {
		return storage.Reminder{}, err
	}
	out, err := p.repo.CreateReminder(ctx, storage.Reminder{TaskID: in.TaskID, Rule: rule, TriggerAt: trigger})
	if err != nil {
		return storage.Reminder{}, fmt.Errorf("create reminder: %w", err)
	}
	p.log.Debug("reminder created", logx.String("id", out.ID), logx.String("task_id", out.TaskID), logx.Time("trigger_at", out.TriggerAt))
	return out, nil
}

// UpdateReminder replaces the rule of reminder id and recomputes its trigger.
// A sent reminder is rejected with *reminder.ImmutableStateError.
func (p *Service) UpdateReminder(ctx context.Context, id string, in ReminderInput) (storage.Reminder, error) {
	cur, err := p.repo.GetReminder(ctx, id)
	if err != nil {
		return storage.Reminder{}, err
	}
	if cur.Sent {
		return storage.Reminder{}, &reminder.ImmutableStateError{ID: id, Action: "update"}
	}
	rule, err := in.Rule()
	if err != nil {
		return storage.Reminder{}, err
	}
	trigger, err := reminder.Compute(rule, in.Times())
	if err != nil {
		return storage.Reminder{}, err
	}
	cur.TaskID = in.TaskID
	cur.Rule = rule
	cur.TriggerAt = trigger
	// The store re-checks Sent in the same write, so a dispatch racing this
	// call still yields ImmutableStateError.
	return p.repo.UpdateReminder(ctx, cur)
}

// DeleteReminder removes an unsent reminder.
func (p *Service) DeleteReminder(ctx context.Context, id string) error {
	return p.repo.DeleteReminder(ctx, id)
}

// RetimeReport summarizes RetimeTask.
type RetimeReport struct {
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Sent      int `json:"sent"`   // left untouched
	Custom    int `json:"custom"` // custom anchors do not follow the task
}

// RetimeTask recomputes every unsent start/due-anchored reminder of taskID
// after the task's start or due instant changed. All triggers are computed
// before any write, so a task missing a required anchor changes nothing.
func (p *Service) RetimeTask(ctx context.Context, taskID string, times reminder.TaskTimes) (RetimeReport, error) {
	var rep RetimeReport
	list, err := p.repo.ListRemindersByTask(ctx, taskID)
	if err != nil {
		return rep, err
	}

	var pending []storage.Reminder
	for _, r := range list {
		switch {
		case r.Sent:
			rep.Sent++
			continue
		case !r.Rule.DependsOnTask():
			rep.Custom++
			continue
		}
		trigger, err := reminder.Compute(r.Rule, times)
		if err != nil {
			return RetimeReport{}, fmt.Errorf("reminder %s: %w", r.ID, err)
		}
		if trigger.Equal(r.TriggerAt) {
			rep.Unchanged++
			continue
		}
		r.TriggerAt = trigger
		pending = append(pending, r)
	}

	for _, r := range pending {
		if _, err := p.repo.UpdateReminder(ctx, r); err != nil {
			if errors.Is(err, reminder.ErrImmutable) {
				// Fired between listing and update.
				rep.Sent++
				continue
			}
			return rep, fmt.Errorf("retime reminder %s: %w", r.ID, err)
		}
		rep.Updated++
	}
	p.log.Debug("task retimed", logx.String("task_id", taskID), logx.Int("updated", rep.Updated), logx.Int("sent", rep.Sent))
	return rep, nil
}

func (p *Service) ListFailed(ctx context.Context, limit int) ([]storage.FailedItem, error) {
	return p.repo.ListFailed(ctx, limit)
}

// Requeue re-arms a failed item for the next dispatcher tick.
func (p *Service) Requeue(ctx context.Context, ref storage.ItemRef) error {
	if err := p.repo.Requeue(ctx, ref, p.zone.NowUTC()); err != nil {
		return fmt.Errorf("requeue %s: %w", ref, err)
	}
	p.log.Info("item requeued", logx.String("ref", ref.String()))
	return nil
}
