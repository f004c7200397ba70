package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"recurd/internal/reminder"
)

// memoryStore keeps records in maps behind one mutex. Every method is a
// single critical section, which gives the same atomicity as a conditional
// UPDATE in the SQL drivers.
type memoryStore struct {
	mu        sync.Mutex
	schedules map[string]*Schedule
	reminders map[string]*Reminder
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{
		schedules: map[string]*Schedule{},
		reminders: map[string]*Reminder{},
	}
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) ListDueReminders(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Reminder, 0, 8)
	for _, r := range m.reminders {
		if r.State == StatePending && !r.Sent && !r.TriggerAt.After(now) {
			out = append(out, cloneReminder(*r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TriggerAt.Equal(out[j].TriggerAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].TriggerAt.Before(out[j].TriggerAt)
	})
	return truncate(out, limit), nil
}

func (m *memoryStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Schedule, 0, 8)
	for _, s := range m.schedules {
		if s.IsActive && s.State == StatePending && s.NextOccurrenceAt != nil && !s.NextOccurrenceAt.After(now) {
			out = append(out, cloneSchedule(*s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := *out[i].NextOccurrenceAt, *out[j].NextOccurrenceAt
		if a.Equal(b) {
			return out[i].ID < out[j].ID
		}
		return a.Before(b)
	})
	return truncate(out, limit), nil
}

func (m *memoryStore) TryClaim(ctx context.Context, ref ItemRef, expectedVersion int64, owner string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.claimable(ref)
	if !ok || d.State != StatePending || d.Version != expectedVersion {
		return false, nil
	}
	at := now.UTC()
	d.State = StateClaimed
	d.ClaimedBy = owner
	d.ClaimedAt = &at
	d.Version++
	d.UpdatedAt = at
	return true, nil
}

// claimable returns the dispatch block of ref when the record may be claimed
// at all (exists, active schedule, unsent reminder).
func (m *memoryStore) claimable(ref ItemRef) (*Dispatch, bool) {
	switch ref.Kind {
	case KindReminder:
		r, ok := m.reminders[ref.ID]
		if !ok || r.Sent {
			return nil, false
		}
		return &r.Dispatch, true
	case KindSchedule:
		s, ok := m.schedules[ref.ID]
		if !ok || !s.IsActive || s.NextOccurrenceAt == nil {
			return nil, false
		}
		return &s.Dispatch, true
	}
	return nil, false
}

func (m *memoryStore) dispatchOf(ref ItemRef) (*Dispatch, bool) {
	switch ref.Kind {
	case KindReminder:
		if r, ok := m.reminders[ref.ID]; ok {
			return &r.Dispatch, true
		}
	case KindSchedule:
		if s, ok := m.schedules[ref.ID]; ok {
			return &s.Dispatch, true
		}
	}
	return nil, false
}

func holds(d *Dispatch, c Claim) bool {
	return d.State == StateClaimed && d.ClaimedBy == c.Owner && d.Version == c.Version
}

func (m *memoryStore) MarkReminderSent(ctx context.Context, c Claim, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reminders[c.Ref.ID]
	if c.Ref.Kind != KindReminder || !ok || !holds(&r.Dispatch, c) {
		return ErrClaimLost
	}
	at := now.UTC()
	r.Sent = true
	r.SentAt = &at
	r.State = StateFired
	r.Attempts = 0
	r.LastError = ""
	r.ClaimedBy = ""
	r.ClaimedAt = nil
	r.Version++
	r.UpdatedAt = at
	return nil
}

func (m *memoryStore) MarkScheduleFired(ctx context.Context, c Claim, nextStart, nextDue time.Time, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[c.Ref.ID]
	if c.Ref.Kind != KindSchedule || !ok || !holds(&s.Dispatch, c) {
		return ErrClaimLost
	}
	at := now.UTC()
	ns, nd := nextStart.UTC(), nextDue.UTC()
	s.LastFiredAt = s.NextOccurrenceAt
	s.NextOccurrenceAt = &ns
	s.NextDueAt = &nd
	s.State = StatePending
	s.Attempts = 0
	s.LastError = ""
	s.ClaimedBy = ""
	s.ClaimedAt = nil
	s.Version++
	s.UpdatedAt = at
	return nil
}

func (m *memoryStore) RollbackClaim(ctx context.Context, c Claim, cause string, retryLimit int, now time.Time) (State, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.dispatchOf(c.Ref)
	if !ok || !holds(d, c) {
		return "", ErrClaimLost
	}
	d.Attempts++
	d.State = rollbackState(d.Attempts, retryLimit)
	d.LastError = cause
	d.ClaimedBy = ""
	d.ClaimedAt = nil
	d.Version++
	d.UpdatedAt = now.UTC()
	return d.State, nil
}

func (m *memoryStore) ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	release := func(d *Dispatch) {
		if d.State != StateClaimed || d.ClaimedAt == nil || !d.ClaimedAt.Before(cutoff) {
			return
		}
		d.State = StatePending
		d.ClaimedBy = ""
		d.ClaimedAt = nil
		d.Version++
		d.UpdatedAt = cutoff.UTC()
		n++
	}
	for _, r := range m.reminders {
		release(&r.Dispatch)
	}
	for _, s := range m.schedules {
		release(&s.Dispatch)
	}
	return n, nil
}

func (m *memoryStore) CreateSchedule(ctx context.Context, s Schedule) (Schedule, error) {
	if err := ctx.Err(); err != nil {
		return Schedule{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if strings.TrimSpace(s.ID) == "" {
		s.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	s.Dispatch = Dispatch{State: StatePending, Version: 1, CreatedAt: now, UpdatedAt: now}
	s = cloneSchedule(s)
	m.schedules[s.ID] = &s
	return cloneSchedule(s), nil
}

func (m *memoryStore) UpdateSchedule(ctx context.Context, s Schedule) (Schedule, error) {
	if err := ctx.Err(); err != nil {
		return Schedule{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.schedules[s.ID]
	if !ok {
		return Schedule{}, ErrNotFound
	}
	next := cloneSchedule(s)
	next.LastFiredAt = cur.LastFiredAt
	next.Dispatch = Dispatch{
		State:     StatePending,
		Version:   cur.Version + 1,
		CreatedAt: cur.CreatedAt,
		UpdatedAt: time.Now().UTC(),
	}
	m.schedules[s.ID] = &next
	return cloneSchedule(next), nil
}

func (m *memoryStore) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	if err := ctx.Err(); err != nil {
		return Schedule{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[id]
	if !ok {
		return Schedule{}, ErrNotFound
	}
	return cloneSchedule(*s), nil
}

func (m *memoryStore) CreateReminder(ctx context.Context, r Reminder) (Reminder, error) {
	if err := ctx.Err(); err != nil {
		return Reminder{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if strings.TrimSpace(r.ID) == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.Sent = false
	r.SentAt = nil
	r.Dispatch = Dispatch{State: StatePending, Version: 1, CreatedAt: now, UpdatedAt: now}
	r = cloneReminder(r)
	m.reminders[r.ID] = &r
	return cloneReminder(r), nil
}

func (m *memoryStore) UpdateReminder(ctx context.Context, r Reminder) (Reminder, error) {
	if err := ctx.Err(); err != nil {
		return Reminder{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.reminders[r.ID]
	if !ok {
		return Reminder{}, ErrNotFound
	}
	if cur.Sent {
		return Reminder{}, &reminder.ImmutableStateError{ID: r.ID, Action: "update"}
	}
	next := cloneReminder(r)
	next.Sent = false
	next.SentAt = nil
	next.Dispatch = Dispatch{
		State:     StatePending,
		Version:   cur.Version + 1,
		CreatedAt: cur.CreatedAt,
		UpdatedAt: time.Now().UTC(),
	}
	m.reminders[r.ID] = &next
	return cloneReminder(next), nil
}

func (m *memoryStore) GetReminder(ctx context.Context, id string) (Reminder, error) {
	if err := ctx.Err(); err != nil {
		return Reminder{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reminders[id]
	if !ok {
		return Reminder{}, ErrNotFound
	}
	return cloneReminder(*r), nil
}

func (m *memoryStore) DeleteReminder(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reminders[id]
	if !ok {
		return ErrNotFound
	}
	if r.Sent {
		return &reminder.ImmutableStateError{ID: id, Action: "delete"}
	}
	delete(m.reminders, id)
	return nil
}

func (m *memoryStore) ListRemindersByTask(ctx context.Context, taskID string) ([]Reminder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []Reminder{}
	for _, r := range m.reminders {
		if r.TaskID == taskID {
			out = append(out, cloneReminder(*r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) ListFailed(ctx context.Context, limit int) ([]FailedItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []FailedItem{}
	for _, r := range m.reminders {
		if r.State == StateFailed {
			out = append(out, failedItem(r.Ref(), r.TaskID, r.Dispatch))
		}
	}
	for _, s := range m.schedules {
		if s.State == StateFailed {
			out = append(out, failedItem(s.Ref(), s.TaskID, s.Dispatch))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].Ref.String() < out[j].Ref.String()
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return truncate(out, limit), nil
}

func (m *memoryStore) Requeue(ctx context.Context, ref ItemRef, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !kindOK(ref.Kind) {
		return ErrUnknownKind
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.dispatchOf(ref)
	if !ok {
		return ErrNotFound
	}
	if d.State != StateFailed {
		return ErrNotFailed
	}
	d.State = StatePending
	d.Attempts = 0
	d.LastError = ""
	d.Version++
	d.UpdatedAt = now.UTC()
	return nil
}

func failedItem(ref ItemRef, taskID string, d Dispatch) FailedItem {
	return FailedItem{Ref: ref, TaskID: taskID, Attempts: d.Attempts, LastError: d.LastError, UpdatedAt: d.UpdatedAt}
}

func truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneSchedule(s Schedule) Schedule {
	s.Rule.StartWeekdays = append([]time.Weekday(nil), s.Rule.StartWeekdays...)
	s.Rule.DueWeekdays = append([]time.Weekday(nil), s.Rule.DueWeekdays...)
	s.NextOccurrenceAt = cloneTime(s.NextOccurrenceAt)
	s.NextDueAt = cloneTime(s.NextDueAt)
	s.LastFiredAt = cloneTime(s.LastFiredAt)
	s.ClaimedAt = cloneTime(s.ClaimedAt)
	return s
}

func cloneReminder(r Reminder) Reminder {
	r.Rule.CustomAt = cloneTime(r.Rule.CustomAt)
	r.SentAt = cloneTime(r.SentAt)
	r.ClaimedAt = cloneTime(r.ClaimedAt)
	return r
}
