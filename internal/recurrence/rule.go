package recurrence

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"recurd/internal/civiltime"
	"recurd/internal/validate"
)

type Type string

const (
	Daily   Type = "daily"
	Weekly  Type = "weekly"
	Monthly Type = "monthly"
)

// LastDayOfMonth is the day-of-month sentinel for "final calendar day".
const LastDayOfMonth = 0

// ParseType accepts the canonical tokens case-insensitively.
func ParseType(raw string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(raw))) {
	case Daily:
		return Daily, nil
	case Weekly:
		return Weekly, nil
	case Monthly:
		return Monthly, nil
	default:
		return "", validate.Field("recurrence_type", "unknown value %q", raw)
	}
}

// Rule describes when a recurring task is instantiated.
//
// Start* fields drive the occurrence instant; Due* fields yield the paired
// due instant of the same occurrence. The two sides are computed
// independently and never cross-checked.
type Rule struct {
	Type Type

	StartTime civiltime.TimeOfDay
	DueTime   civiltime.TimeOfDay

	// Weekly only.
	StartWeekdays []time.Weekday
	DueWeekdays   []time.Weekday

	// Monthly only. 0 means last day of month.
	StartDayOfMonth int
	DueDayOfMonth   int
}

// Validate checks the invariants enforced at write time.
func (r Rule) Validate() error {
	switch r.Type {
	case Daily, Weekly, Monthly:
	default:
		return validate.Field("recurrence_type", "unknown value %q", r.Type)
	}
	if !r.StartTime.Valid() {
		return validate.Field("start_time", "out of range: %s", r.StartTime)
	}
	if !r.DueTime.Valid() {
		return validate.Field("due_time", "out of range: %s", r.DueTime)
	}

	switch r.Type {
	case Weekly:
		if err := checkWeekdays("start_weekdays", r.StartWeekdays); err != nil {
			return err
		}
		if err := checkWeekdays("due_weekdays", r.DueWeekdays); err != nil {
			return err
		}
	case Monthly:
		if r.StartDayOfMonth < 0 || r.StartDayOfMonth > 31 {
			return validate.Field("start_day_of_month", "must be within [0,31], got %d", r.StartDayOfMonth)
		}
		if r.DueDayOfMonth < 0 || r.DueDayOfMonth > 31 {
			return validate.Field("due_day_of_month", "must be within [0,31], got %d", r.DueDayOfMonth)
		}
	}
	return nil
}

func checkWeekdays(field string, days []time.Weekday) error {
	if len(days) == 0 {
		return validate.Field(field, "at least one weekday is required for weekly recurrence")
	}
	seen := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		if d < time.Sunday || d > time.Saturday {
			return validate.Field(field, "invalid weekday %d", d)
		}
		if seen[d] {
			return validate.Field(field, "duplicate weekday %s", d)
		}
		seen[d] = true
	}
	return nil
}

var weekdayTokens = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekdays parses weekday tokens ("mon", "Thursday", ...). Duplicates
// are rejected so a set stays a set.
func ParseWeekdays(tokens []string) ([]time.Weekday, error) {
	out := make([]time.Weekday, 0, len(tokens))
	seen := map[time.Weekday]bool{}
	for _, tok := range tokens {
		k := strings.ToLower(strings.TrimSpace(tok))
		if k == "" {
			continue
		}
		d, ok := weekdayTokens[k]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", tok)
		}
		if seen[d] {
			return nil, fmt.Errorf("duplicate weekday %q", tok)
		}
		seen[d] = true
		out = append(out, d)
	}
	return out, nil
}

// FormatWeekdays renders a weekday set as sorted short tokens ("mon,thu").
func FormatWeekdays(days []time.Weekday) string {
	s := append([]time.Weekday(nil), days...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	parts := make([]string, 0, len(s))
	for _, d := range s {
		parts = append(parts, strings.ToLower(d.String()[:3]))
	}
	return strings.Join(parts, ",")
}
