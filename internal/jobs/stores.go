// Package jobs holds the scheduled domain handlers: subscription expiry
// reminders, agenda reminders, consultation reminders and no-show
// cancellation, and the weekly report feed. Every handler is idempotent; a
// re-run after a crash must not double-act, which is guaranteed by the
// notified flags plus the sink's de-dup keys.
package jobs

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"mizan-backend/internal/models"
)

// SubscriptionStore is the slice of the store the subscription check needs.
type SubscriptionStore interface {
	InTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	LockNextExpiringSubscription(ctx context.Context, tx pgx.Tx, from, to time.Time, bucket models.ReminderBucket, excluded []int64) (models.Subscription, bool, error)
	SetSubscriptionReminderFlag(ctx context.Context, tx pgx.Tx, id int64, bucket models.ReminderBucket) error
	ExpireLapsedSubscriptions(ctx context.Context, now time.Time) (int64, error)
}

// AgendaStore is the slice of the store the agenda sweep needs.
type AgendaStore interface {
	InTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	LockNextDueEventReminder(ctx context.Context, tx pgx.Tx, from, to time.Time, excluded []int64) (models.Event, bool, error)
	MarkEventReminderSent(ctx context.Context, tx pgx.Tx, id int64) error
}

// ConsultationStore is the slice of the store the consultation sweeps need.
type ConsultationStore interface {
	InTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	LockNextDueConsultation(ctx context.Context, tx pgx.Tx, from, to time.Time, excluded []int64) (models.Consultation, bool, error)
	MarkConsultationNotified(ctx context.Context, tx pgx.Tx, id int64) error
	CancelOverdueConsultations(ctx context.Context, cutoff time.Time, reason string) (int64, error)
}
