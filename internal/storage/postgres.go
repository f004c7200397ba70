package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"recurd/internal/reminder"
	logx "recurd/pkg/logx"
)

//go:embed migrations_postgres.sql
var postgresSchema string

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

const pgScheduleCols = sqliteScheduleCols
const pgReminderCols = sqliteReminderCols

// OpenPostgres connects to cfg.DSN and applies the schema.
func OpenPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openPostgres(ctx, cfg, log)
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info("postgres store opened", logx.Int("max_conns", int(pcfg.MaxConns)))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) ListDueReminders(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgReminderCols+` FROM reminders
		 WHERE state = 'pending' AND NOT sent AND trigger_at <= $1
		 ORDER BY trigger_at, id LIMIT $2`,
		now.UTC(), pgLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Reminder, error) { return scanPGReminder(row) })
}

func (s *postgresStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgScheduleCols+` FROM schedules
		 WHERE state = 'pending' AND is_active AND next_occurrence_at IS NOT NULL AND next_occurrence_at <= $1
		 ORDER BY next_occurrence_at, id LIMIT $2`,
		now.UTC(), pgLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Schedule, error) { return scanPGSchedule(row) })
}

func (s *postgresStore) TryClaim(ctx context.Context, ref ItemRef, expectedVersion int64, owner string, now time.Time) (bool, error) {
	table, err := tableOf(ref.Kind)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+table+`
		 SET state = 'claimed', claimed_by = $1, claimed_at = $2, version = version + 1, updated_at = $2
		 WHERE id = $3 AND state = 'pending' AND version = $4 AND `+claimGuard(ref.Kind, "TRUE"),
		owner, now.UTC(), ref.ID, expectedVersion,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *postgresStore) MarkReminderSent(ctx context.Context, c Claim, now time.Time) error {
	if c.Ref.Kind != KindReminder {
		return ErrClaimLost
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE reminders
		 SET sent = TRUE, sent_at = $1, state = 'fired', attempts = 0, last_error = NULL,
		     claimed_by = NULL, claimed_at = NULL, version = version + 1, updated_at = $1
		 WHERE id = $2 AND state = 'claimed' AND claimed_by = $3 AND version = $4`,
		now.UTC(), c.Ref.ID, c.Owner, c.Version,
	)
	return expectTag(tag, err)
}

func (s *postgresStore) MarkScheduleFired(ctx context.Context, c Claim, nextStart, nextDue time.Time, now time.Time) error {
	if c.Ref.Kind != KindSchedule {
		return ErrClaimLost
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE schedules
		 SET last_fired_at = next_occurrence_at, next_occurrence_at = $1, next_due_at = $2,
		     state = 'pending', attempts = 0, last_error = NULL,
		     claimed_by = NULL, claimed_at = NULL, version = version + 1, updated_at = $3
		 WHERE id = $4 AND state = 'claimed' AND claimed_by = $5 AND version = $6`,
		nextStart.UTC(), nextDue.UTC(), now.UTC(), c.Ref.ID, c.Owner, c.Version,
	)
	return expectTag(tag, err)
}

func (s *postgresStore) RollbackClaim(ctx context.Context, c Claim, cause string, retryLimit int, now time.Time) (State, error) {
	table, err := tableOf(c.Ref.Kind)
	if err != nil {
		return "", err
	}
	var st string
	err = s.pool.QueryRow(ctx,
		`UPDATE `+table+`
		 SET attempts = attempts + 1,
		     state = CASE WHEN $1::int > 0 AND attempts + 1 >= $1::int THEN 'failed' ELSE 'pending' END,
		     last_error = NULLIF($2, ''), claimed_by = NULL, claimed_at = NULL,
		     version = version + 1, updated_at = $3
		 WHERE id = $4 AND state = 'claimed' AND claimed_by = $5 AND version = $6
		 RETURNING state`,
		retryLimit, cause, now.UTC(), c.Ref.ID, c.Owner, c.Version,
	).Scan(&st)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrClaimLost
	}
	if err != nil {
		return "", err
	}
	return State(st), nil
}

func (s *postgresStore) ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	for _, table := range []string{"reminders", "schedules"} {
		tag, err := s.pool.Exec(ctx,
			`UPDATE `+table+`
			 SET state = 'pending', claimed_by = NULL, claimed_at = NULL, version = version + 1, updated_at = $1
			 WHERE state = 'claimed' AND claimed_at < $1`,
			cutoff.UTC(),
		)
		if err != nil {
			return total, err
		}
		total += int(tag.RowsAffected())
	}
	return total, nil
}

func (s *postgresStore) CreateSchedule(ctx context.Context, sc Schedule) (Schedule, error) {
	if strings.TrimSpace(sc.ID) == "" {
		sc.ID = uuid.NewString()
	}
	rc := encodeRecurrence(sc.Rule)
	row := s.pool.QueryRow(ctx,
		`INSERT INTO schedules(id, task_id, recurrence_type, start_time, due_time, start_weekdays, due_weekdays,
		   start_day_of_month, due_day_of_month, is_active, next_occurrence_at, next_due_at,
		   state, attempts, version, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,'pending',0,1,now(),now())
		 RETURNING `+pgScheduleCols,
		sc.ID, sc.TaskID, rc.Type, rc.StartTime, rc.DueTime, rc.StartWeekdays, rc.DueWeekdays,
		rc.StartDOM, rc.DueDOM, sc.IsActive, utcPtr(sc.NextOccurrenceAt), utcPtr(sc.NextDueAt),
	)
	return scanPGSchedule(row)
}

func (s *postgresStore) UpdateSchedule(ctx context.Context, sc Schedule) (Schedule, error) {
	rc := encodeRecurrence(sc.Rule)
	row := s.pool.QueryRow(ctx,
		`UPDATE schedules
		 SET task_id = $1, recurrence_type = $2, start_time = $3, due_time = $4, start_weekdays = $5, due_weekdays = $6,
		     start_day_of_month = $7, due_day_of_month = $8, is_active = $9, next_occurrence_at = $10, next_due_at = $11,
		     state = 'pending', attempts = 0, last_error = NULL, claimed_by = NULL, claimed_at = NULL,
		     version = version + 1, updated_at = now()
		 WHERE id = $12
		 RETURNING `+pgScheduleCols,
		sc.TaskID, rc.Type, rc.StartTime, rc.DueTime, rc.StartWeekdays, rc.DueWeekdays,
		rc.StartDOM, rc.DueDOM, sc.IsActive, utcPtr(sc.NextOccurrenceAt), utcPtr(sc.NextDueAt), sc.ID,
	)
	out, err := scanPGSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	return out, err
}

func (s *postgresStore) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	sc, err := scanPGSchedule(s.pool.QueryRow(ctx, `SELECT `+pgScheduleCols+` FROM schedules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	return sc, err
}

func (s *postgresStore) CreateReminder(ctx context.Context, r Reminder) (Reminder, error) {
	if strings.TrimSpace(r.ID) == "" {
		r.ID = uuid.NewString()
	}
	rc := encodeReminder(r.Rule)
	row := s.pool.QueryRow(ctx,
		`INSERT INTO reminders(id, task_id, anchor, custom_at, offset_timing, offset_value, offset_unit,
		   trigger_at, sent, state, attempts, version, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,FALSE,'pending',0,1,now(),now())
		 RETURNING `+pgReminderCols,
		r.ID, r.TaskID, rc.Anchor, utcPtr(r.Rule.CustomAt), rc.Timing, rc.Value, rc.Unit, r.TriggerAt.UTC(),
	)
	return scanPGReminder(row)
}

func (s *postgresStore) UpdateReminder(ctx context.Context, r Reminder) (Reminder, error) {
	rc := encodeReminder(r.Rule)
	row := s.pool.QueryRow(ctx,
		`UPDATE reminders
		 SET task_id = $1, anchor = $2, custom_at = $3, offset_timing = $4, offset_value = $5, offset_unit = $6,
		     trigger_at = $7, state = 'pending', attempts = 0, last_error = NULL,
		     claimed_by = NULL, claimed_at = NULL, version = version + 1, updated_at = now()
		 WHERE id = $8 AND NOT sent
		 RETURNING `+pgReminderCols,
		r.TaskID, rc.Anchor, utcPtr(r.Rule.CustomAt), rc.Timing, rc.Value, rc.Unit, r.TriggerAt.UTC(), r.ID,
	)
	out, err := scanPGReminder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reminder{}, s.whyNotMutable(ctx, r.ID, "update")
	}
	return out, err
}

func (s *postgresStore) GetReminder(ctx context.Context, id string) (Reminder, error) {
	r, err := scanPGReminder(s.pool.QueryRow(ctx, `SELECT `+pgReminderCols+` FROM reminders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Reminder{}, ErrNotFound
	}
	return r, err
}

func (s *postgresStore) DeleteReminder(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM reminders WHERE id = $1 AND NOT sent`, id)
	if err := expectTag(tag, err); err != nil {
		if errors.Is(err, ErrClaimLost) {
			return s.whyNotMutable(ctx, id, "delete")
		}
		return err
	}
	return nil
}

func (s *postgresStore) whyNotMutable(ctx context.Context, id, action string) error {
	var sent bool
	err := s.pool.QueryRow(ctx, `SELECT sent FROM reminders WHERE id = $1`, id).Scan(&sent)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return &reminder.ImmutableStateError{ID: id, Action: action}
}

func (s *postgresStore) ListRemindersByTask(ctx context.Context, taskID string) ([]Reminder, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgReminderCols+` FROM reminders WHERE task_id = $1 ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Reminder, error) { return scanPGReminder(row) })
}

func (s *postgresStore) ListFailed(ctx context.Context, limit int) ([]FailedItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT 'reminder', id, task_id, attempts, COALESCE(last_error, ''), updated_at FROM reminders WHERE state = 'failed'
		 UNION ALL
		 SELECT 'schedule', id, task_id, attempts, COALESCE(last_error, ''), updated_at FROM schedules WHERE state = 'failed'
		 ORDER BY 6 DESC, 1, 2 LIMIT $1`,
		pgLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (FailedItem, error) {
		var (
			it   FailedItem
			kind string
		)
		if err := row.Scan(&kind, &it.Ref.ID, &it.TaskID, &it.Attempts, &it.LastError, &it.UpdatedAt); err != nil {
			return FailedItem{}, err
		}
		it.Ref.Kind = Kind(kind)
		it.UpdatedAt = it.UpdatedAt.UTC()
		return it, nil
	})
}

func (s *postgresStore) Requeue(ctx context.Context, ref ItemRef, now time.Time) error {
	table, err := tableOf(ref.Kind)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+table+`
		 SET state = 'pending', attempts = 0, last_error = NULL, version = version + 1, updated_at = $1
		 WHERE id = $2 AND state = 'failed'`,
		now.UTC(), ref.ID,
	)
	if err := expectTag(tag, err); err != nil {
		if !errors.Is(err, ErrClaimLost) {
			return err
		}
		var one int
		err = s.pool.QueryRow(ctx, `SELECT 1 FROM `+table+` WHERE id = $1`, ref.ID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrNotFailed
	}
	return nil
}

func scanPGSchedule(row pgx.Row) (Schedule, error) {
	var (
		sc                 Schedule
		rc                 recurrenceCols
		state              string
		lastErr, claimedBy *string
	)
	err := row.Scan(&sc.ID, &sc.TaskID, &rc.Type, &rc.StartTime, &rc.DueTime, &rc.StartWeekdays, &rc.DueWeekdays,
		&rc.StartDOM, &rc.DueDOM, &sc.IsActive, &sc.NextOccurrenceAt, &sc.NextDueAt, &sc.LastFiredAt,
		&state, &sc.Attempts, &lastErr, &claimedBy, &sc.ClaimedAt, &sc.Version, &sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return Schedule{}, err
	}
	if sc.Rule, err = rc.decode(); err != nil {
		return Schedule{}, fmt.Errorf("schedule %s: %w", sc.ID, err)
	}
	sc.State = State(state)
	sc.LastError = deref(lastErr)
	sc.ClaimedBy = deref(claimedBy)
	sc.NextOccurrenceAt = utcPtr(sc.NextOccurrenceAt)
	sc.NextDueAt = utcPtr(sc.NextDueAt)
	sc.LastFiredAt = utcPtr(sc.LastFiredAt)
	sc.ClaimedAt = utcPtr(sc.ClaimedAt)
	sc.CreatedAt = sc.CreatedAt.UTC()
	sc.UpdatedAt = sc.UpdatedAt.UTC()
	return sc, nil
}

func scanPGReminder(row pgx.Row) (Reminder, error) {
	var (
		r                  Reminder
		rc                 reminderCols
		customAt           *time.Time
		state              string
		lastErr, claimedBy *string
	)
	err := row.Scan(&r.ID, &r.TaskID, &rc.Anchor, &customAt, &rc.Timing, &rc.Value, &rc.Unit,
		&r.TriggerAt, &r.Sent, &r.SentAt, &state, &r.Attempts, &lastErr, &claimedBy, &r.ClaimedAt, &r.Version,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return Reminder{}, err
	}
	if r.Rule, err = rc.decode(); err != nil {
		return Reminder{}, fmt.Errorf("reminder %s: %w", r.ID, err)
	}
	r.Rule.CustomAt = utcPtr(customAt)
	r.TriggerAt = r.TriggerAt.UTC()
	r.SentAt = utcPtr(r.SentAt)
	r.State = State(state)
	r.LastError = deref(lastErr)
	r.ClaimedBy = deref(claimedBy)
	r.ClaimedAt = utcPtr(r.ClaimedAt)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func expectTag(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrClaimLost
	}
	return nil
}

func pgLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
