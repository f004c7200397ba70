package planner

import (
	"time"

	"recurd/internal/civiltime"
	"recurd/internal/recurrence"
	"recurd/internal/reminder"
	"recurd/internal/validate"
)

// ScheduleInput is a recurrence rule as the CRM submits it.
type ScheduleInput struct {
	TaskID         string `json:"task_id"         validate:"required,max=128"`
	RecurrenceType string `json:"recurrence_type" validate:"required"`
	StartTime      string `json:"start_time"      validate:"required"` // "HH:MM"
	DueTime        string `json:"due_time"        validate:"required"`

	// Weekly only.
	StartWeekdays []string `json:"start_weekdays,omitempty" validate:"omitempty,max=7,dive,required"`
	DueWeekdays   []string `json:"due_weekdays,omitempty"   validate:"omitempty,max=7,dive,required"`

	// Monthly only. 0 means last day of month.
	StartDayOfMonth *int `json:"start_day_of_month,omitempty" validate:"omitempty,gte=0,lte=31"`
	DueDayOfMonth   *int `json:"due_day_of_month,omitempty"   validate:"omitempty,gte=0,lte=31"`

	// IsActive defaults to true.
	IsActive *bool `json:"is_active,omitempty"`
}

// Active reports the requested activation state.
func (in ScheduleInput) Active() bool { return in.IsActive == nil || *in.IsActive }

// Rule parses and validates in into a recurrence rule.
func (in ScheduleInput) Rule() (recurrence.Rule, error) {
	if err := validate.Struct(in); err != nil {
		return recurrence.Rule{}, err
	}
	typ, err := recurrence.ParseType(in.RecurrenceType)
	if err != nil {
		return recurrence.Rule{}, err
	}
	r := recurrence.Rule{Type: typ}
	if r.StartTime, err = civiltime.ParseTimeOfDay(in.StartTime); err != nil {
		return recurrence.Rule{}, validate.Field("start_time", "%v", err)
	}
	if r.DueTime, err = civiltime.ParseTimeOfDay(in.DueTime); err != nil {
		return recurrence.Rule{}, validate.Field("due_time", "%v", err)
	}

	switch typ {
	case recurrence.Weekly:
		if r.StartWeekdays, err = recurrence.ParseWeekdays(in.StartWeekdays); err != nil {
			return recurrence.Rule{}, validate.Field("start_weekdays", "%v", err)
		}
		if r.DueWeekdays, err = recurrence.ParseWeekdays(in.DueWeekdays); err != nil {
			return recurrence.Rule{}, validate.Field("due_weekdays", "%v", err)
		}
	case recurrence.Monthly:
		if in.StartDayOfMonth == nil {
			return recurrence.Rule{}, validate.Field("start_day_of_month", "required for monthly recurrence")
		}
		if in.DueDayOfMonth == nil {
			return recurrence.Rule{}, validate.Field("due_day_of_month", "required for monthly recurrence")
		}
		r.StartDayOfMonth, r.DueDayOfMonth = *in.StartDayOfMonth, *in.DueDayOfMonth
	}

	if err := r.Validate(); err != nil {
		return recurrence.Rule{}, err
	}
	return r, nil
}

// ReminderInput is a reminder rule plus the anchor instants of its task.
type ReminderInput struct {
	TaskID         string     `json:"task_id"                   validate:"required,max=128"`
	Anchor         string     `json:"anchor"                    validate:"required"`
	CustomDateTime *time.Time `json:"custom_datetime,omitempty"`
	OffsetTiming   string     `json:"offset_timing"             validate:"required"`
	OffsetValue    int        `json:"offset_value"              validate:"gte=0"`
	OffsetUnit     string     `json:"offset_unit"               validate:"required"`

	TaskStart *time.Time `json:"task_start,omitempty"`
	TaskDue   *time.Time `json:"task_due,omitempty"`
}

// Times returns the task anchors carried by in.
func (in ReminderInput) Times() reminder.TaskTimes {
	return reminder.TaskTimes{Start: in.TaskStart, Due: in.TaskDue}
}

// Rule parses and validates in into a reminder rule.
func (in ReminderInput) Rule() (reminder.Rule, error) {
	if err := validate.Struct(in); err != nil {
		return reminder.Rule{}, err
	}
	anchor, err := reminder.ParseAnchor(in.Anchor)
	if err != nil {
		return reminder.Rule{}, err
	}
	timing, err := reminder.ParseTiming(in.OffsetTiming)
	if err != nil {
		return reminder.Rule{}, err
	}
	unit, err := reminder.ParseUnit(in.OffsetUnit)
	if err != nil {
		return reminder.Rule{}, err
	}
	r := reminder.Rule{Anchor: anchor, Timing: timing, Value: uint(in.OffsetValue), Unit: unit}
	if anchor == reminder.AnchorCustom && in.CustomDateTime != nil {
		at := in.CustomDateTime.UTC()
		r.CustomAt = &at
	}
	if err := r.Validate(); err != nil {
		return reminder.Rule{}, err
	}
	return r, nil
}
