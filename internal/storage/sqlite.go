package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"recurd/internal/reminder"
	logx "recurd/pkg/logx"
)

//go:embed migrations_sqlite.sql
var sqliteSchema string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

const sqliteScheduleCols = `id, task_id, recurrence_type, start_time, due_time, start_weekdays, due_weekdays,
	start_day_of_month, due_day_of_month, is_active, next_occurrence_at, next_due_at, last_fired_at,
	state, attempts, last_error, claimed_by, claimed_at, version, created_at, updated_at`

const sqliteReminderCols = `id, task_id, anchor, custom_at, offset_timing, offset_value, offset_unit,
	trigger_at, sent, sent_at, state, attempts, last_error, claimed_by, claimed_at, version, created_at, updated_at`

// OpenSQLite opens (and migrates) a SQLite store at cfg.Path.
func OpenSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(ctx, cfg, log)
}

// applyPragmas runs each statement and warns on failure; the store still
// works without them, only with worse contention behavior. It returns the
// number of failed statements.
func applyPragmas(ctx context.Context, db *sql.DB, log logx.Logger, pragmas ...string) int {
	failed := 0
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			failed++
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}
	return failed
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; conditional updates stay atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	applyPragmas(ctx, db, log,
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *sqliteStore) ListDueReminders(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteReminderCols+` FROM reminders
		 WHERE state = 'pending' AND sent = 0 AND trigger_at <= ?
		 ORDER BY trigger_at, id LIMIT ?`,
		now.UnixMilli(), sqliteLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSQLite(rows, scanSQLiteReminder)
}

func (s *sqliteStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteScheduleCols+` FROM schedules
		 WHERE state = 'pending' AND is_active = 1 AND next_occurrence_at IS NOT NULL AND next_occurrence_at <= ?
		 ORDER BY next_occurrence_at, id LIMIT ?`,
		now.UnixMilli(), sqliteLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSQLite(rows, scanSQLiteSchedule)
}

func (s *sqliteStore) TryClaim(ctx context.Context, ref ItemRef, expectedVersion int64, owner string, now time.Time) (bool, error) {
	table, err := tableOf(ref.Kind)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+`
		 SET state = 'claimed', claimed_by = ?, claimed_at = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND state = 'pending' AND version = ? AND `+claimGuard(ref.Kind, "1"),
		owner, now.UnixMilli(), now.UnixMilli(), ref.ID, expectedVersion,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) MarkReminderSent(ctx context.Context, c Claim, now time.Time) error {
	if c.Ref.Kind != KindReminder {
		return ErrClaimLost
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders
		 SET sent = 1, sent_at = ?, state = 'fired', attempts = 0, last_error = NULL,
		     claimed_by = NULL, claimed_at = NULL, version = version + 1, updated_at = ?
		 WHERE id = ? AND state = 'claimed' AND claimed_by = ? AND version = ?`,
		now.UnixMilli(), now.UnixMilli(), c.Ref.ID, c.Owner, c.Version,
	)
	return expectOne(res, err)
}

func (s *sqliteStore) MarkScheduleFired(ctx context.Context, c Claim, nextStart, nextDue time.Time, now time.Time) error {
	if c.Ref.Kind != KindSchedule {
		return ErrClaimLost
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules
		 SET last_fired_at = next_occurrence_at, next_occurrence_at = ?, next_due_at = ?,
		     state = 'pending', attempts = 0, last_error = NULL,
		     claimed_by = NULL, claimed_at = NULL, version = version + 1, updated_at = ?
		 WHERE id = ? AND state = 'claimed' AND claimed_by = ? AND version = ?`,
		nextStart.UnixMilli(), nextDue.UnixMilli(), now.UnixMilli(), c.Ref.ID, c.Owner, c.Version,
	)
	return expectOne(res, err)
}

func (s *sqliteStore) RollbackClaim(ctx context.Context, c Claim, cause string, retryLimit int, now time.Time) (State, error) {
	table, err := tableOf(c.Ref.Kind)
	if err != nil {
		return "", err
	}
	var st string
	err = s.db.QueryRowContext(ctx,
		`UPDATE `+table+`
		 SET attempts = attempts + 1,
		     state = CASE WHEN ? > 0 AND attempts + 1 >= ? THEN 'failed' ELSE 'pending' END,
		     last_error = ?, claimed_by = NULL, claimed_at = NULL,
		     version = version + 1, updated_at = ?
		 WHERE id = ? AND state = 'claimed' AND claimed_by = ? AND version = ?
		 RETURNING state`,
		retryLimit, retryLimit, nullStr(cause), now.UnixMilli(), c.Ref.ID, c.Owner, c.Version,
	).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrClaimLost
	}
	if err != nil {
		return "", err
	}
	return State(st), nil
}

func (s *sqliteStore) ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	for _, table := range []string{"reminders", "schedules"} {
		res, err := s.db.ExecContext(ctx,
			`UPDATE `+table+`
			 SET state = 'pending', claimed_by = NULL, claimed_at = NULL, version = version + 1, updated_at = ?
			 WHERE state = 'claimed' AND claimed_at < ?`,
			cutoff.UnixMilli(), cutoff.UnixMilli(),
		)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

func (s *sqliteStore) CreateSchedule(ctx context.Context, sc Schedule) (Schedule, error) {
	if strings.TrimSpace(sc.ID) == "" {
		sc.ID = uuid.NewString()
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	rc := encodeRecurrence(sc.Rule)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, task_id, recurrence_type, start_time, due_time, start_weekdays, due_weekdays,
		   start_day_of_month, due_day_of_month, is_active, next_occurrence_at, next_due_at,
		   state, attempts, version, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,'pending',0,1,?,?)`,
		sc.ID, sc.TaskID, rc.Type, rc.StartTime, rc.DueTime, rc.StartWeekdays, rc.DueWeekdays,
		rc.StartDOM, rc.DueDOM, boolInt(sc.IsActive), msOrNil(sc.NextOccurrenceAt), msOrNil(sc.NextDueAt),
		now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return Schedule{}, err
	}
	return s.GetSchedule(ctx, sc.ID)
}

func (s *sqliteStore) UpdateSchedule(ctx context.Context, sc Schedule) (Schedule, error) {
	rc := encodeRecurrence(sc.Rule)
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules
		 SET task_id = ?, recurrence_type = ?, start_time = ?, due_time = ?, start_weekdays = ?, due_weekdays = ?,
		     start_day_of_month = ?, due_day_of_month = ?, is_active = ?, next_occurrence_at = ?, next_due_at = ?,
		     state = 'pending', attempts = 0, last_error = NULL, claimed_by = NULL, claimed_at = NULL,
		     version = version + 1, updated_at = ?
		 WHERE id = ?`,
		sc.TaskID, rc.Type, rc.StartTime, rc.DueTime, rc.StartWeekdays, rc.DueWeekdays,
		rc.StartDOM, rc.DueDOM, boolInt(sc.IsActive), msOrNil(sc.NextOccurrenceAt), msOrNil(sc.NextDueAt),
		time.Now().UnixMilli(), sc.ID,
	)
	if err := expectOne(res, err); err != nil {
		if errors.Is(err, ErrClaimLost) {
			return Schedule{}, ErrNotFound
		}
		return Schedule{}, err
	}
	return s.GetSchedule(ctx, sc.ID)
}

func (s *sqliteStore) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteScheduleCols+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSQLiteSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	return sc, err
}

func (s *sqliteStore) CreateReminder(ctx context.Context, r Reminder) (Reminder, error) {
	if strings.TrimSpace(r.ID) == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	rc := encodeReminder(r.Rule)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(id, task_id, anchor, custom_at, offset_timing, offset_value, offset_unit,
		   trigger_at, sent, state, attempts, version, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,0,'pending',0,1,?,?)`,
		r.ID, r.TaskID, rc.Anchor, msOrNil(r.Rule.CustomAt), rc.Timing, rc.Value, rc.Unit,
		r.TriggerAt.UnixMilli(), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return Reminder{}, err
	}
	return s.GetReminder(ctx, r.ID)
}

func (s *sqliteStore) UpdateReminder(ctx context.Context, r Reminder) (Reminder, error) {
	rc := encodeReminder(r.Rule)
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders
		 SET task_id = ?, anchor = ?, custom_at = ?, offset_timing = ?, offset_value = ?, offset_unit = ?,
		     trigger_at = ?, state = 'pending', attempts = 0, last_error = NULL,
		     claimed_by = NULL, claimed_at = NULL, version = version + 1, updated_at = ?
		 WHERE id = ? AND sent = 0`,
		r.TaskID, rc.Anchor, msOrNil(r.Rule.CustomAt), rc.Timing, rc.Value, rc.Unit,
		r.TriggerAt.UnixMilli(), time.Now().UnixMilli(), r.ID,
	)
	if err := expectOne(res, err); err != nil {
		if errors.Is(err, ErrClaimLost) {
			return Reminder{}, s.whyNotMutable(ctx, r.ID, "update")
		}
		return Reminder{}, err
	}
	return s.GetReminder(ctx, r.ID)
}

func (s *sqliteStore) GetReminder(ctx context.Context, id string) (Reminder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteReminderCols+` FROM reminders WHERE id = ?`, id)
	r, err := scanSQLiteReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Reminder{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) DeleteReminder(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ? AND sent = 0`, id)
	if err := expectOne(res, err); err != nil {
		if errors.Is(err, ErrClaimLost) {
			return s.whyNotMutable(ctx, id, "delete")
		}
		return err
	}
	return nil
}

// whyNotMutable distinguishes a missing reminder from a sent one after a
// conditional write matched nothing.
func (s *sqliteStore) whyNotMutable(ctx context.Context, id, action string) error {
	var sent int64
	err := s.db.QueryRowContext(ctx, `SELECT sent FROM reminders WHERE id = ?`, id).Scan(&sent)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return &reminder.ImmutableStateError{ID: id, Action: action}
}

func (s *sqliteStore) ListRemindersByTask(ctx context.Context, taskID string) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteReminderCols+` FROM reminders WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSQLite(rows, scanSQLiteReminder)
}

func (s *sqliteStore) ListFailed(ctx context.Context, limit int) ([]FailedItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT 'reminder', id, task_id, attempts, COALESCE(last_error, ''), updated_at FROM reminders WHERE state = 'failed'
		 UNION ALL
		 SELECT 'schedule', id, task_id, attempts, COALESCE(last_error, ''), updated_at FROM schedules WHERE state = 'failed'
		 ORDER BY 6 DESC, 1, 2 LIMIT ?`,
		sqliteLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSQLite(rows, func(rs rowScanner) (FailedItem, error) {
		var (
			it   FailedItem
			kind string
			upd  int64
		)
		if err := rs.Scan(&kind, &it.Ref.ID, &it.TaskID, &it.Attempts, &it.LastError, &upd); err != nil {
			return FailedItem{}, err
		}
		it.Ref.Kind = Kind(kind)
		it.UpdatedAt = time.UnixMilli(upd).UTC()
		return it, nil
	})
}

func (s *sqliteStore) Requeue(ctx context.Context, ref ItemRef, now time.Time) error {
	table, err := tableOf(ref.Kind)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+`
		 SET state = 'pending', attempts = 0, last_error = NULL, version = version + 1, updated_at = ?
		 WHERE id = ? AND state = 'failed'`,
		now.UnixMilli(), ref.ID,
	)
	if err := expectOne(res, err); err != nil {
		if !errors.Is(err, ErrClaimLost) {
			return err
		}
		var one int
		err = s.db.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, ref.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrNotFailed
	}
	return nil
}

func scanSQLiteSchedule(rs rowScanner) (Schedule, error) {
	var (
		sc                          Schedule
		rc                          recurrenceCols
		active                      int64
		nextOcc, nextDue, lastFired sql.NullInt64
		claimedAt                   sql.NullInt64
		state                       string
		lastErr, claimedBy          sql.NullString
		createdAt, updatedAt        int64
	)
	err := rs.Scan(&sc.ID, &sc.TaskID, &rc.Type, &rc.StartTime, &rc.DueTime, &rc.StartWeekdays, &rc.DueWeekdays,
		&rc.StartDOM, &rc.DueDOM, &active, &nextOcc, &nextDue, &lastFired,
		&state, &sc.Attempts, &lastErr, &claimedBy, &claimedAt, &sc.Version, &createdAt, &updatedAt)
	if err != nil {
		return Schedule{}, err
	}
	if sc.Rule, err = rc.decode(); err != nil {
		return Schedule{}, fmt.Errorf("schedule %s: %w", sc.ID, err)
	}
	sc.IsActive = active != 0
	sc.NextOccurrenceAt = msPtr(nextOcc)
	sc.NextDueAt = msPtr(nextDue)
	sc.LastFiredAt = msPtr(lastFired)
	sc.State = State(state)
	sc.LastError = lastErr.String
	sc.ClaimedBy = claimedBy.String
	sc.ClaimedAt = msPtr(claimedAt)
	sc.CreatedAt = time.UnixMilli(createdAt).UTC()
	sc.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return sc, nil
}

func scanSQLiteReminder(rs rowScanner) (Reminder, error) {
	var (
		r                    Reminder
		rc                   reminderCols
		customAt, sentAt     sql.NullInt64
		claimedAt            sql.NullInt64
		triggerAt, sent      int64
		state                string
		lastErr, claimedBy   sql.NullString
		createdAt, updatedAt int64
	)
	err := rs.Scan(&r.ID, &r.TaskID, &rc.Anchor, &customAt, &rc.Timing, &rc.Value, &rc.Unit,
		&triggerAt, &sent, &sentAt, &state, &r.Attempts, &lastErr, &claimedBy, &claimedAt, &r.Version,
		&createdAt, &updatedAt)
	if err != nil {
		return Reminder{}, err
	}
	if r.Rule, err = rc.decode(); err != nil {
		return Reminder{}, fmt.Errorf("reminder %s: %w", r.ID, err)
	}
	r.Rule.CustomAt = msPtr(customAt)
	r.TriggerAt = time.UnixMilli(triggerAt).UTC()
	r.Sent = sent != 0
	r.SentAt = msPtr(sentAt)
	r.State = State(state)
	r.LastError = lastErr.String
	r.ClaimedBy = claimedBy.String
	r.ClaimedAt = msPtr(claimedAt)
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	r.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return r, nil
}

func collectSQLite[T any](rows *sql.Rows, scan func(rowScanner) (T, error)) ([]T, error) {
	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// expectOne maps a conditional write that matched no row to ErrClaimLost.
func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrClaimLost
	}
	return nil
}

func sqliteLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func msOrNil(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func msPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
