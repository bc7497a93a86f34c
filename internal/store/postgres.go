package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"mizan-backend/internal/models"
	"mizan-backend/internal/scheduler"
)

// Store wraps pgxpool for Postgres persistence. It is shared between the
// request path and the scheduler's job handlers; claim queries use
// FOR UPDATE SKIP LOCKED so a second instance sweeping the same tables is
// safe, if never required.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InTx runs fn inside a transaction. The deferred rollback guarantees the
// session is released on every exit path, including panics; it is a no-op
// after a successful commit.
func (s *Store) InTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// reminderColumn maps a bucket to its notified flag column. Lookup through
// this map is what keeps the column name out of caller-supplied input.
var reminderColumn = map[models.ReminderBucket]string{
	models.BucketT7: "notified_7d",
	models.BucketT3: "notified_3d",
	models.BucketT0: "notified_expiry",
}

// LockNextExpiringSubscription claims one active subscription whose end falls
// in [from, to) and whose bucket flag is unset, skipping rows locked by other
// sweepers and any ids already visited this sweep.
func (s *Store) LockNextExpiringSubscription(ctx context.Context, tx pgx.Tx, from, to time.Time, bucket models.ReminderBucket, excluded []int64) (models.Subscription, bool, error) {
	col, ok := reminderColumn[bucket]
	if !ok {
		return models.Subscription{}, false, fmt.Errorf("unknown reminder bucket %q", bucket)
	}
	row := tx.QueryRow(ctx, `
		SELECT id, user_id, plan, starts_at, ends_at, status, notified_7d, notified_3d, notified_expiry
		FROM subscriptions
		WHERE status = $1 AND ends_at >= $2 AND ends_at < $3
		  AND NOT `+col+`
		  AND NOT (id = ANY($4))
		ORDER BY ends_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, models.SubscriptionActive, from, to, excluded)

	var sub models.Subscription
	err := row.Scan(&sub.ID, &sub.UserID, &sub.Plan, &sub.StartsAt, &sub.EndsAt, &sub.Status,
		&sub.Notified7d, &sub.Notified3d, &sub.NotifiedExpiry)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subscription{}, false, nil
	}
	if err != nil {
		return models.Subscription{}, false, fmt.Errorf("claim expiring subscription: %w", err)
	}
	return sub, true, nil
}

// SetSubscriptionReminderFlag flips the bucket's notified flag.
func (s *Store) SetSubscriptionReminderFlag(ctx context.Context, tx pgx.Tx, id int64, bucket models.ReminderBucket) error {
	col, ok := reminderColumn[bucket]
	if !ok {
		return fmt.Errorf("unknown reminder bucket %q", bucket)
	}
	_, err := tx.Exec(ctx, `
		UPDATE subscriptions SET `+col+` = TRUE, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("set reminder flag: %w", err)
	}
	return nil
}

// ExpireLapsedSubscriptions transitions active subscriptions past their end
// date to expired. Returns the number of rows transitioned.
func (s *Store) ExpireLapsedSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET status = $1, updated_at = NOW()
		WHERE status = $2 AND ends_at < $3
	`, models.SubscriptionExpired, models.SubscriptionActive, now)
	if err != nil {
		return 0, fmt.Errorf("expire subscriptions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// LockNextDueEventReminder claims one agenda event starting inside the window
// whose reminder has not been sent.
func (s *Store) LockNextDueEventReminder(ctx context.Context, tx pgx.Tx, from, to time.Time, excluded []int64) (models.Event, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, lawyer_id, title, starts_at, ends_at, reminder_sent
		FROM agenda_events
		WHERE reminder_sent = FALSE AND starts_at >= $1 AND starts_at <= $2
		  AND NOT (id = ANY($3))
		ORDER BY starts_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, from, to, excluded)

	var ev models.Event
	err := row.Scan(&ev.ID, &ev.LawyerID, &ev.Title, &ev.StartsAt, &ev.EndsAt, &ev.ReminderSent)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Event{}, false, nil
	}
	if err != nil {
		return models.Event{}, false, fmt.Errorf("claim due event: %w", err)
	}
	return ev, true, nil
}

// MarkEventReminderSent flips the event's reminder flag.
func (s *Store) MarkEventReminderSent(ctx context.Context, tx pgx.Tx, id int64) error {
	if _, err := tx.Exec(ctx, `
		UPDATE agenda_events SET reminder_sent = TRUE WHERE id = $1
	`, id); err != nil {
		return fmt.Errorf("mark reminder sent: %w", err)
	}
	return nil
}

// LockNextDueConsultation claims one accepted consultation scheduled inside
// the window that has not been notified yet.
func (s *Store) LockNextDueConsultation(ctx context.Context, tx pgx.Tx, from, to time.Time, excluded []int64) (models.Consultation, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, user_id, lawyer_id, status, scheduled_at, is_notified
		FROM consultations
		WHERE status = $1 AND is_notified = FALSE AND scheduled_at >= $2 AND scheduled_at <= $3
		  AND NOT (id = ANY($4))
		ORDER BY scheduled_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, models.ConsultationAccepted, from, to, excluded)

	var c models.Consultation
	err := row.Scan(&c.ID, &c.UserID, &c.LawyerID, &c.Status, &c.ScheduledAt, &c.Notified)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Consultation{}, false, nil
	}
	if err != nil {
		return models.Consultation{}, false, fmt.Errorf("claim due consultation: %w", err)
	}
	return c, true, nil
}

// MarkConsultationNotified flips the consultation's notified flag.
func (s *Store) MarkConsultationNotified(ctx context.Context, tx pgx.Tx, id int64) error {
	if _, err := tx.Exec(ctx, `
		UPDATE consultations SET is_notified = TRUE, updated_at = NOW() WHERE id = $1
	`, id); err != nil {
		return fmt.Errorf("mark consultation notified: %w", err)
	}
	return nil
}

// CancelOverdueConsultations cancels accepted consultations whose scheduled
// time passed before cutoff, recording the no-show reason.
func (s *Store) CancelOverdueConsultations(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE consultations
		SET status = $1, cancel_reason = $2, updated_at = NOW()
		WHERE status = $3 AND scheduled_at < $4
	`, models.ConsultationCancelled, reason, models.ConsultationAccepted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cancel overdue consultations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecordRun implements scheduler.RunRecorder against the scheduler_runs
// audit table.
func (s *Store) RecordRun(ctx context.Context, rec scheduler.RunRecord) error {
	var detail *string
	if rec.Detail != "" {
		detail = &rec.Detail
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduler_runs (id, job_id, scheduled_fire, started, ended, outcome, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New().String(), rec.JobID, rec.ScheduledFire, rec.Started, rec.Ended, string(rec.Outcome), detail)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// RecentRuns lists the latest audit rows for one job.
func (s *Store) RecentRuns(ctx context.Context, jobID string, limit int) ([]models.SchedulerRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, scheduled_fire, started, ended, outcome, detail
		FROM scheduler_runs
		WHERE job_id = $1
		ORDER BY started DESC
		LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []models.SchedulerRun
	for rows.Next() {
		var r models.SchedulerRun
		var detail pgtype.Text
		if err := rows.Scan(&r.ID, &r.JobID, &r.ScheduledFire, &r.Started, &r.Ended, &r.Outcome, &detail); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if detail.Valid {
			r.Detail = &detail.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PlatformCounts aggregates the figures the weekly report exports.
func (s *Store) PlatformCounts(ctx context.Context) (models.ReportCounts, error) {
	var c models.ReportCounts
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM subscriptions WHERE status = 'active'),
			(SELECT COUNT(*) FROM subscriptions WHERE status = 'expired'),
			(SELECT COUNT(*) FROM consultations WHERE status = 'PENDING'),
			(SELECT COUNT(*) FROM consultations WHERE status = 'ACCEPTED'),
			(SELECT COUNT(*) FROM consultations WHERE status = 'COMPLETED'),
			(SELECT COUNT(*) FROM consultations WHERE status = 'CANCELLED'),
			(SELECT COUNT(*) FROM agenda_events WHERE starts_at > NOW())
	`).Scan(
		&c.ActiveSubscriptions,
		&c.ExpiredSubscriptions,
		&c.PendingConsultations,
		&c.AcceptedConsultations,
		&c.CompletedConsultations,
		&c.CancelledConsultations,
		&c.UpcomingEvents,
	)
	if err != nil {
		return models.ReportCounts{}, fmt.Errorf("aggregate platform counts: %w", err)
	}
	return c, nil
}
