// Package reminder computes reminder trigger instants.
//
// A reminder fires at an offset (N minutes/hours/days, before or after) from
// an anchor: the owning task's start, its due instant, or a custom instant.
package reminder

import (
	"strings"
	"time"

	"recurd/internal/validate"
)

type AnchorKind string

const (
	AnchorStart  AnchorKind = "start_date"
	AnchorDue    AnchorKind = "due_date"
	AnchorCustom AnchorKind = "custom"
)

type Timing string

const (
	Before Timing = "before"
	After  Timing = "after"
)

type Unit string

const (
	Minutes Unit = "minutes"
	Hours   Unit = "hours"
	Days    Unit = "days"
)

// Length returns the duration of one unit. Days are fixed 24h: the civil
// zone has no daylight-saving transitions.
func (u Unit) Length() time.Duration {
	switch u {
	case Hours:
		return time.Hour
	case Days:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Rule is the offset rule of one reminder.
type Rule struct {
	Anchor   AnchorKind
	CustomAt *time.Time // UTC; required iff Anchor == AnchorCustom
	Timing   Timing
	Value    uint
	Unit     Unit
}

func (r Rule) Validate() error {
	switch r.Anchor {
	case AnchorStart, AnchorDue:
		if r.CustomAt != nil {
			return validate.Field("custom_datetime", "only allowed for custom anchor")
		}
	case AnchorCustom:
		if r.CustomAt == nil || r.CustomAt.IsZero() {
			return validate.Field("custom_datetime", "required for custom anchor")
		}
	default:
		return validate.Field("anchor", "unknown value %q", r.Anchor)
	}
	switch r.Timing {
	case Before, After:
	default:
		return validate.Field("offset_timing", "unknown value %q", r.Timing)
	}
	switch r.Unit {
	case Minutes, Hours, Days:
	default:
		return validate.Field("offset_unit", "unknown value %q", r.Unit)
	}
	return nil
}

// ParseAnchor accepts canonical tokens plus the spaced/camel forms CRM forms
// tend to send ("Start Date", "dueDate").
func ParseAnchor(raw string) (AnchorKind, error) {
	switch normalize(raw) {
	case "startdate", "start":
		return AnchorStart, nil
	case "duedate", "due":
		return AnchorDue, nil
	case "custom":
		return AnchorCustom, nil
	}
	return "", validate.Field("anchor", "unknown value %q", raw)
}

func ParseTiming(raw string) (Timing, error) {
	switch normalize(raw) {
	case "before":
		return Before, nil
	case "after":
		return After, nil
	}
	return "", validate.Field("offset_timing", "unknown value %q", raw)
}

func ParseUnit(raw string) (Unit, error) {
	switch normalize(raw) {
	case "minute", "minutes", "min", "mins":
		return Minutes, nil
	case "hour", "hours", "hr", "hrs":
		return Hours, nil
	case "day", "days":
		return Days, nil
	}
	return "", validate.Field("offset_unit", "unknown value %q", raw)
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "", "_", "", "-", "").Replace(s)
}
