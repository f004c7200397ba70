package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "recurd/pkg/logx"
)

// Gateway is the contract the dispatcher runs against.
type Gateway interface {
	// ListDueReminders returns pending, unsent reminders with TriggerAt <= now,
	// oldest first.
	ListDueReminders(ctx context.Context, now time.Time, limit int) ([]Reminder, error)
	// ListDueSchedules returns pending, active schedules with
	// NextOccurrenceAt <= now, oldest first.
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error)
	// TryClaim moves a pending record at expectedVersion to claimed. It
	// returns false when any precondition fails (another claimer won, the
	// record was edited, deactivated, sent or deleted).
	TryClaim(ctx context.Context, ref ItemRef, expectedVersion int64, owner string, now time.Time) (bool, error)
	// MarkReminderSent finalizes a claimed reminder: Sent=true, StateFired.
	MarkReminderSent(ctx context.Context, c Claim, now time.Time) error
	// MarkScheduleFired rolls a claimed schedule forward to its next
	// occurrence and returns it to pending.
	MarkScheduleFired(ctx context.Context, c Claim, nextStart, nextDue time.Time, now time.Time) error
	// RollbackClaim records a hook failure. The record returns to pending, or
	// to failed once attempts reach retryLimit. The resulting state is
	// returned.
	RollbackClaim(ctx context.Context, c Claim, cause string, retryLimit int, now time.Time) (State, error)
	// ReleaseStaleClaims returns claims taken before cutoff to pending.
	ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int, error)
}

// Repository is the write side used by the planner.
//
// Create* assign an id when empty and start the record at version 1 in
// StatePending. Update* overwrite the rule fields, reset dispatch bookkeeping
// and bump the version, which invalidates any in-flight claim.
type Repository interface {
	CreateSchedule(ctx context.Context, s Schedule) (Schedule, error)
	UpdateSchedule(ctx context.Context, s Schedule) (Schedule, error)
	GetSchedule(ctx context.Context, id string) (Schedule, error)

	CreateReminder(ctx context.Context, r Reminder) (Reminder, error)
	// UpdateReminder and DeleteReminder fail with *reminder.ImmutableStateError
	// on sent reminders.
	UpdateReminder(ctx context.Context, r Reminder) (Reminder, error)
	GetReminder(ctx context.Context, id string) (Reminder, error)
	DeleteReminder(ctx context.Context, id string) error
	ListRemindersByTask(ctx context.Context, taskID string) ([]Reminder, error)

	ListFailed(ctx context.Context, limit int) ([]FailedItem, error)
	// Requeue re-arms a failed record: pending, attempts reset.
	Requeue(ctx context.Context, ref ItemRef, now time.Time) error
}

// Store is a complete storage backend.
type Store interface {
	Gateway
	Repository
	Close() error
}

// Open initializes the configured store. An empty driver selects memory.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "memory", "mem":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pg", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// rollbackState is the state after a failed attempt.
func rollbackState(attempts, retryLimit int) State {
	if retryLimit > 0 && attempts >= retryLimit {
		return StateFailed
	}
	return StatePending
}

func kindOK(k Kind) bool { return k == KindReminder || k == KindSchedule }
