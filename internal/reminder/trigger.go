package reminder

import (
	"errors"
	"fmt"
	"time"

	"recurd/internal/validate"
)

// ErrImmutable matches every *ImmutableStateError via errors.Is.
var ErrImmutable = errors.New("reminder already sent")

// ImmutableStateError rejects an edit or delete of a sent reminder.
type ImmutableStateError struct {
	ID     string
	Action string
}

func (e *ImmutableStateError) Error() string {
	return fmt.Sprintf("reminder %s: %s rejected: already sent", e.ID, e.Action)
}

func (e *ImmutableStateError) Is(target error) bool { return target == ErrImmutable }

// TaskTimes are the anchor instants of the owning task (UTC). Either may be
// unset.
type TaskTimes struct {
	Start *time.Time
	Due   *time.Time
}

// TriggerTime applies the offset to anchor. Total: a zero value yields the
// anchor itself regardless of timing.
func TriggerTime(anchor time.Time, timing Timing, value uint, unit Unit) time.Time {
	d := time.Duration(value) * unit.Length()
	if timing == Before {
		return anchor.Add(-d).UTC()
	}
	return anchor.Add(d).UTC()
}

// ResolveAnchor picks the anchor instant for r.
func ResolveAnchor(r Rule, task TaskTimes) (time.Time, error) {
	switch r.Anchor {
	case AnchorStart:
		if task.Start == nil || task.Start.IsZero() {
			return time.Time{}, validate.Field("anchor", "task has no start date")
		}
		return task.Start.UTC(), nil
	case AnchorDue:
		if task.Due == nil || task.Due.IsZero() {
			return time.Time{}, validate.Field("anchor", "task has no due date")
		}
		return task.Due.UTC(), nil
	case AnchorCustom:
		if r.CustomAt == nil || r.CustomAt.IsZero() {
			return time.Time{}, validate.Field("custom_datetime", "required for custom anchor")
		}
		return r.CustomAt.UTC(), nil
	default:
		return time.Time{}, validate.Field("anchor", "unknown value %q", r.Anchor)
	}
}

// Compute validates r, resolves its anchor against task and returns the
// trigger instant.
func Compute(r Rule, task TaskTimes) (time.Time, error) {
	if err := r.Validate(); err != nil {
		return time.Time{}, err
	}
	anchor, err := ResolveAnchor(r, task)
	if err != nil {
		return time.Time{}, err
	}
	return TriggerTime(anchor, r.Timing, r.Value, r.Unit), nil
}

// DependsOnTask reports whether the trigger moves when the task is retimed.
func (r Rule) DependsOnTask() bool {
	return r.Anchor == AnchorStart || r.Anchor == AnchorDue
}
