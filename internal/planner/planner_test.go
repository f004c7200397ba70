package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"recurd/internal/civiltime"
	"recurd/internal/reminder"
	"recurd/internal/storage"
	"recurd/internal/validate"
	logx "recurd/pkg/logx"
)

// 2024-01-10 09:00 UTC+05:30 (a Wednesday).
var base = time.Date(2024, 1, 10, 3, 30, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	zone := civiltime.NewZone(civiltime.DefaultOffset).WithClock(func() time.Time { return base })
	return New(store, zone, logx.Nop()), store
}

func ptr[T any](v T) *T { return &v }

func daily() ScheduleInput {
	return ScheduleInput{TaskID: "task-1", RecurrenceType: "Daily", StartTime: "09:30", DueTime: "18:00"}
}

func TestCreateScheduleArmsFromNow(t *testing.T) {
	t.Parallel()
	p, _ := newService(t)

	s, err := p.CreateSchedule(context.Background(), daily())
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if !s.IsActive || s.NextOccurrenceAt == nil || s.NextDueAt == nil {
		t.Fatalf("schedule not armed: %+v", s)
	}
	if want := base.Add(30 * time.Minute); !s.NextOccurrenceAt.Equal(want) {
		t.Fatalf("next = %s, want %s", s.NextOccurrenceAt, want)
	}
	if want := base.Add(9 * time.Hour); !s.NextDueAt.Equal(want) {
		t.Fatalf("due = %s, want %s", s.NextDueAt, want)
	}
}

func TestCreateScheduleInactiveHasNoOccurrence(t *testing.T) {
	t.Parallel()
	p, _ := newService(t)

	in := daily()
	in.IsActive = ptr(false)
	s, err := p.CreateSchedule(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if s.IsActive || s.NextOccurrenceAt != nil {
		t.Fatalf("inactive schedule armed: %+v", s)
	}
}

func TestScheduleInputValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		edit  func(*ScheduleInput)
		field string
	}{
		{name: "missing task", edit: func(in *ScheduleInput) { in.TaskID = "" }, field: "task_id"},
		{name: "unknown type", edit: func(in *ScheduleInput) { in.RecurrenceType = "hourly" }, field: "recurrence_type"},
		{name: "bad start", edit: func(in *ScheduleInput) { in.StartTime = "25:00" }, field: "start_time"},
		{name: "bad weekday", edit: func(in *ScheduleInput) {
			in.RecurrenceType = "weekly"
			in.StartWeekdays = []string{"funday"}
			in.DueWeekdays = []string{"mon"}
		}, field: "start_weekdays"},
		{name: "monthly without day", edit: func(in *ScheduleInput) {
			in.RecurrenceType = "monthly"
			in.DueDayOfMonth = ptr(1)
		}, field: "start_day_of_month"},
		{name: "day out of range", edit: func(in *ScheduleInput) {
			in.RecurrenceType = "monthly"
			in.StartDayOfMonth = ptr(32)
			in.DueDayOfMonth = ptr(1)
		}, field: "start_day_of_month"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := daily()
			tt.edit(&in)
			_, err := in.Rule()
			var ve *validate.Error
			if !errors.As(err, &ve) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if ve.Field != tt.field {
				t.Fatalf("field = %q, want %q (%v)", ve.Field, tt.field, err)
			}
		})
	}
}

func TestSetScheduleActive(t *testing.T) {
	t.Parallel()
	p, _ := newService(t)
	ctx := context.Background()

	s, err := p.CreateSchedule(ctx, daily())
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	off, err := p.SetScheduleActive(ctx, s.ID, false)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if off.IsActive || off.NextOccurrenceAt != nil || off.NextDueAt != nil {
		t.Fatalf("deactivated schedule still armed: %+v", off)
	}
	if off.Version <= s.Version {
		t.Fatalf("version not bumped: %d -> %d", s.Version, off.Version)
	}

	on, err := p.SetScheduleActive(ctx, s.ID, true)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if on.NextOccurrenceAt == nil || !on.NextOccurrenceAt.Equal(base.Add(30*time.Minute)) {
		t.Fatalf("reactivated next = %v", on.NextOccurrenceAt)
	}

	same, err := p.SetScheduleActive(ctx, s.ID, true)
	if err != nil {
		t.Fatalf("noop activate: %v", err)
	}
	if same.Version != on.Version {
		t.Fatalf("noop activation wrote: %d -> %d", on.Version, same.Version)
	}

	if _, err := p.SetScheduleActive(ctx, "missing", true); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateScheduleRecomputes(t *testing.T) {
	t.Parallel()
	p, _ := newService(t)
	ctx := context.Background()

	s, err := p.CreateSchedule(ctx, daily())
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	in := daily()
	in.StartTime = "08:00" // already past today
	got, err := p.UpdateSchedule(ctx, s.ID, in)
	if err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	if want := base.Add(23 * time.Hour); !got.NextOccurrenceAt.Equal(want) {
		t.Fatalf("next = %s, want %s", got.NextOccurrenceAt, want)
	}
}

func TestPreviewSchedule(t *testing.T) {
	t.Parallel()
	p, _ := newService(t)
	ctx := context.Background()

	s, err := p.CreateSchedule(ctx, daily())
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	got, err := p.PreviewSchedule(ctx, s.ID, 3)
	if err != nil {
		t.Fatalf("PreviewSchedule: %v", err)
	}
	first := base.Add(30 * time.Minute)
	want := []time.Time{first, first.Add(24 * time.Hour), first.Add(48 * time.Hour)}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("preview[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func dueReminder(due time.Time) ReminderInput {
	return ReminderInput{
		TaskID:       "task-1",
		Anchor:       "Due Date",
		OffsetTiming: "before",
		OffsetValue:  15,
		OffsetUnit:   "minutes",
		TaskDue:      &due,
	}
}

func TestCreateReminderComputesTrigger(t *testing.T) {
	t.Parallel()
	p, _ := newService(t)

	due := base.Add(8 * time.Hour)
	r, err := p.CreateReminder(context.Background(), dueReminder(due))
	if err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}
	if want := due.Add(-15 * time.Minute); !r.TriggerAt.Equal(want) {
		t.Fatalf("trigger = %s, want %s", r.TriggerAt, want)
	}

	in := dueReminder(due)
	in.TaskDue = nil
	if _, err := p.CreateReminder(context.Background(), in); !errors.Is(err, validate.ErrInvalid) {
		t.Fatalf("expected validation error without due date, got %v", err)
	}
}

func TestCustomReminderRequiresDatetime(t *testing.T) {
	t.Parallel()
	p, _ := newService(t)

	in := ReminderInput{TaskID: "task-1", Anchor: "custom", OffsetTiming: "after", OffsetUnit: "hours", OffsetValue: 2}
	if _, err := p.CreateReminder(context.Background(), in); !errors.Is(err, validate.ErrInvalid) {
		t.Fatalf("expected validation error, got %v", err)
	}
	in.CustomDateTime = ptr(base)
	r, err := p.CreateReminder(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}
	if want := base.Add(2 * time.Hour); !r.TriggerAt.Equal(want) {
		t.Fatalf("trigger = %s, want %s", r.TriggerAt, want)
	}
}

// markSent drives r through a claim and finalize as the dispatcher would.
func markSent(t *testing.T, store storage.Store, r storage.Reminder) {
	t.Helper()
	ctx := context.Background()
	ok, err := store.TryClaim(ctx, r.Ref(), r.Version, "test", base)
	if err != nil || !ok {
		t.Fatalf("TryClaim = %v, %v", ok, err)
	}
	if err := store.MarkReminderSent(ctx, storage.ClaimOf(r.Ref(), r.Version, "test"), base); err != nil {
		t.Fatalf("MarkReminderSent: %v", err)
	}
}

func TestSentReminderIsImmutable(t *testing.T) {
	t.Parallel()
	p, store := newService(t)
	ctx := context.Background()

	due := base.Add(time.Hour)
	r, err := p.CreateReminder(ctx, dueReminder(due))
	if err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}
	markSent(t, store, r)

	_, err = p.UpdateReminder(ctx, r.ID, dueReminder(due.Add(time.Hour)))
	var ie *reminder.ImmutableStateError
	if !errors.As(err, &ie) || ie.ID != r.ID {
		t.Fatalf("update: expected ImmutableStateError, got %v", err)
	}
	if err := p.DeleteReminder(ctx, r.ID); !errors.Is(err, reminder.ErrImmutable) {
		t.Fatalf("delete: expected ErrImmutable, got %v", err)
	}

	got, err := store.GetReminder(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetReminder: %v", err)
	}
	if !got.Sent || !got.TriggerAt.Equal(r.TriggerAt) {
		t.Fatalf("sent reminder changed: %+v", got)
	}
}

func TestDeleteUnsentReminder(t *testing.T) {
	t.Parallel()
	p, store := newService(t)
	ctx := context.Background()

	r, err := p.CreateReminder(ctx, dueReminder(base.Add(time.Hour)))
	if err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}
	if err := p.DeleteReminder(ctx, r.ID); err != nil {
		t.Fatalf("DeleteReminder: %v", err)
	}
	if _, err := store.GetReminder(ctx, r.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRetimeTask(t *testing.T) {
	t.Parallel()
	p, store := newService(t)
	ctx := context.Background()

	due := base.Add(8 * time.Hour)
	moving, err := p.CreateReminder(ctx, dueReminder(due))
	if err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}
	sent, err := p.CreateReminder(ctx, dueReminder(due))
	if err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}
	markSent(t, store, sent)
	custom := ReminderInput{TaskID: "task-1", Anchor: "custom", CustomDateTime: ptr(base), OffsetTiming: "after", OffsetUnit: "days", OffsetValue: 1}
	if _, err := p.CreateReminder(ctx, custom); err != nil {
		t.Fatalf("CreateReminder custom: %v", err)
	}

	newDue := due.Add(24 * time.Hour)
	rep, err := p.RetimeTask(ctx, "task-1", reminder.TaskTimes{Due: &newDue})
	if err != nil {
		t.Fatalf("RetimeTask: %v", err)
	}
	if rep != (RetimeReport{Updated: 1, Sent: 1, Custom: 1}) {
		t.Fatalf("report = %+v", rep)
	}
	got, err := store.GetReminder(ctx, moving.ID)
	if err != nil {
		t.Fatalf("GetReminder: %v", err)
	}
	if want := newDue.Add(-15 * time.Minute); !got.TriggerAt.Equal(want) {
		t.Fatalf("trigger = %s, want %s", got.TriggerAt, want)
	}
	still, _ := store.GetReminder(ctx, sent.ID)
	if !still.TriggerAt.Equal(sent.TriggerAt) {
		t.Fatalf("sent reminder retimed: %s", still.TriggerAt)
	}

	rep, err = p.RetimeTask(ctx, "task-1", reminder.TaskTimes{Due: &newDue})
	if err != nil {
		t.Fatalf("RetimeTask again: %v", err)
	}
	if rep.Updated != 0 || rep.Unchanged != 1 {
		t.Fatalf("second retime report = %+v", rep)
	}
}

func TestRetimeTaskMissingAnchorWritesNothing(t *testing.T) {
	t.Parallel()
	p, store := newService(t)
	ctx := context.Background()

	due := base.Add(8 * time.Hour)
	r, err := p.CreateReminder(ctx, dueReminder(due))
	if err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}
	start := base
	if _, err := p.RetimeTask(ctx, "task-1", reminder.TaskTimes{Start: &start}); !errors.Is(err, validate.ErrInvalid) {
		t.Fatalf("expected validation error, got %v", err)
	}
	got, _ := store.GetReminder(ctx, r.ID)
	if got.Version != r.Version {
		t.Fatalf("reminder written despite error: version %d -> %d", r.Version, got.Version)
	}
}

func TestRequeueRequiresFailed(t *testing.T) {
	t.Parallel()
	p, _ := newService(t)
	ctx := context.Background()

	r, err := p.CreateReminder(ctx, dueReminder(base.Add(time.Hour)))
	if err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}
	if err := p.Requeue(ctx, r.Ref()); !errors.Is(err, storage.ErrNotFailed) {
		t.Fatalf("expected ErrNotFailed, got %v", err)
	}
	items, err := p.ListFailed(ctx, 10)
	if err != nil || len(items) != 0 {
		t.Fatalf("ListFailed = %v, %v", items, err)
	}
}
