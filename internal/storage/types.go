package storage

import (
	"time"

	"recurd/internal/recurrence"
	"recurd/internal/reminder"
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps, lost on restart
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable through DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgx default
}

// Kind names the record family of an ItemRef.
type Kind string

const (
	KindReminder Kind = "reminder"
	KindSchedule Kind = "schedule"
)

// ItemRef identifies one dispatchable record.
type ItemRef struct {
	Kind Kind
	ID   string
}

func (r ItemRef) String() string { return string(r.Kind) + ":" + r.ID }

// State is the dispatch state of a record.
type State string

const (
	StatePending State = "pending"
	StateClaimed State = "claimed"
	StateFired   State = "fired"
	StateFailed  State = "failed"
)

// Dispatch is the bookkeeping shared by schedules and reminders.
type Dispatch struct {
	State     State
	Attempts  int
	LastError string
	ClaimedBy string
	ClaimedAt *time.Time
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Schedule is a persisted recurrence rule of one task.
type Schedule struct {
	ID       string
	TaskID   string
	Rule     recurrence.Rule
	IsActive bool

	// NextOccurrenceAt is nil when nothing is pending (inactive schedule).
	NextOccurrenceAt *time.Time
	NextDueAt        *time.Time
	LastFiredAt      *time.Time

	Dispatch
}

func (s Schedule) Ref() ItemRef { return ItemRef{Kind: KindSchedule, ID: s.ID} }

// Reminder is a persisted reminder rule with its derived trigger instant.
type Reminder struct {
	ID        string
	TaskID    string
	Rule      reminder.Rule
	TriggerAt time.Time
	Sent      bool
	SentAt    *time.Time

	Dispatch
}

func (r Reminder) Ref() ItemRef { return ItemRef{Kind: KindReminder, ID: r.ID} }

// Claim identifies a successful TryClaim. Finalize and rollback calls carry it
// so they only apply while the claim is still held.
type Claim struct {
	Ref     ItemRef
	Owner   string
	Version int64 // version after the claim
}

// ClaimOf returns the claim produced by a successful TryClaim(ref, expected, owner).
func ClaimOf(ref ItemRef, expectedVersion int64, owner string) Claim {
	return Claim{Ref: ref, Owner: owner, Version: expectedVersion + 1}
}

// FailedItem is an operator-facing summary of a record in StateFailed.
type FailedItem struct {
	Ref       ItemRef
	TaskID    string
	Attempts  int
	LastError string
	UpdatedAt time.Time
}
