package storage

import (
	"fmt"
	"strings"

	"recurd/internal/civiltime"
	"recurd/internal/recurrence"
	"recurd/internal/reminder"
)

// recurrenceCols is the column form of a recurrence.Rule in the SQL drivers.
type recurrenceCols struct {
	Type          string
	StartTime     string
	DueTime       string
	StartWeekdays string
	DueWeekdays   string
	StartDOM      int
	DueDOM        int
}

func encodeRecurrence(r recurrence.Rule) recurrenceCols {
	return recurrenceCols{
		Type:          string(r.Type),
		StartTime:     r.StartTime.String(),
		DueTime:       r.DueTime.String(),
		StartWeekdays: recurrence.FormatWeekdays(r.StartWeekdays),
		DueWeekdays:   recurrence.FormatWeekdays(r.DueWeekdays),
		StartDOM:      r.StartDayOfMonth,
		DueDOM:        r.DueDayOfMonth,
	}
}

func (c recurrenceCols) decode() (recurrence.Rule, error) {
	typ, err := recurrence.ParseType(c.Type)
	if err != nil {
		return recurrence.Rule{}, err
	}
	st, err := civiltime.ParseTimeOfDay(c.StartTime)
	if err != nil {
		return recurrence.Rule{}, fmt.Errorf("start_time: %w", err)
	}
	dt, err := civiltime.ParseTimeOfDay(c.DueTime)
	if err != nil {
		return recurrence.Rule{}, fmt.Errorf("due_time: %w", err)
	}
	sw, err := recurrence.ParseWeekdays(splitList(c.StartWeekdays))
	if err != nil {
		return recurrence.Rule{}, fmt.Errorf("start_weekdays: %w", err)
	}
	dw, err := recurrence.ParseWeekdays(splitList(c.DueWeekdays))
	if err != nil {
		return recurrence.Rule{}, fmt.Errorf("due_weekdays: %w", err)
	}
	r := recurrence.Rule{
		Type:            typ,
		StartTime:       st,
		DueTime:         dt,
		StartDayOfMonth: c.StartDOM,
		DueDayOfMonth:   c.DueDOM,
	}
	if len(sw) > 0 {
		r.StartWeekdays = sw
	}
	if len(dw) > 0 {
		r.DueWeekdays = dw
	}
	return r, nil
}

// reminderCols is the column form of a reminder.Rule minus CustomAt, whose
// representation is driver specific.
type reminderCols struct {
	Anchor string
	Timing string
	Value  int64
	Unit   string
}

func encodeReminder(r reminder.Rule) reminderCols {
	return reminderCols{Anchor: string(r.Anchor), Timing: string(r.Timing), Value: int64(r.Value), Unit: string(r.Unit)}
}

func (c reminderCols) decode() (reminder.Rule, error) {
	a, err := reminder.ParseAnchor(c.Anchor)
	if err != nil {
		return reminder.Rule{}, err
	}
	tm, err := reminder.ParseTiming(c.Timing)
	if err != nil {
		return reminder.Rule{}, err
	}
	u, err := reminder.ParseUnit(c.Unit)
	if err != nil {
		return reminder.Rule{}, err
	}
	if c.Value < 0 {
		return reminder.Rule{}, fmt.Errorf("offset_value: negative %d", c.Value)
	}
	return reminder.Rule{Anchor: a, Timing: tm, Value: uint(c.Value), Unit: u}, nil
}

func splitList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func tableOf(k Kind) (string, error) {
	switch k {
	case KindReminder:
		return "reminders", nil
	case KindSchedule:
		return "schedules", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, k)
}

// claimGuard is the extra claim precondition per kind.
func claimGuard(k Kind, trueLit string) string {
	if k == KindReminder {
		return "sent = " + falseLit(trueLit)
	}
	return "is_active = " + trueLit + " AND next_occurrence_at IS NOT NULL"
}

func falseLit(trueLit string) string {
	if trueLit == "1" {
		return "0"
	}
	return "FALSE"
}
