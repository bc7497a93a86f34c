package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"

	"mizan-backend/internal/models"
	"mizan-backend/internal/notify"
	"mizan-backend/internal/scheduler"
)

// NoShowReason is recorded on consultations cancelled by the expiry sweep.
const NoShowReason = "no-show-grace-expired"

// ConsultationReminderJob notifies users of accepted consultations starting
// within the lookahead window. It sweeps every five minutes.
type ConsultationReminderJob struct {
	store     ConsultationStore
	sink      notify.Sink
	clock     clockwork.Clock
	lookahead time.Duration
}

func NewConsultationReminderJob(store ConsultationStore, sink notify.Sink, clock clockwork.Clock, lookahead time.Duration) *ConsultationReminderJob {
	if lookahead <= 0 {
		lookahead = 30 * time.Minute
	}
	return &ConsultationReminderJob{store: store, sink: sink, clock: clock, lookahead: lookahead}
}

func (j *ConsultationReminderJob) Run(ctx context.Context, run scheduler.Run) error {
	now := j.clock.Now()
	to := now.Add(j.lookahead)

	excluded := []int64{}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		found := false
		err := j.store.InTx(ctx, func(tx pgx.Tx) error {
			c, ok, err := j.store.LockNextDueConsultation(ctx, tx, now, to, excluded)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			found = true
			excluded = append(excluded, c.ID)

			outcome := j.sink.Emit(ctx, consultationReminder(c))
			switch outcome {
			case notify.Deferred:
				run.Logger.Infow("consultation reminder deferred", "consultation_id", c.ID)
				return nil
			case notify.Rejected:
				run.Logger.Warnw("consultation reminder rejected", "consultation_id", c.ID)
			}
			return j.store.MarkConsultationNotified(ctx, tx, c.ID)
		})
		if err != nil {
			return fmt.Errorf("consultation sweep: %w", err)
		}
		if !found {
			return nil
		}
	}
}

func consultationReminder(c models.Consultation) notify.Notification {
	return notify.Notification{
		Recipient: fmt.Sprintf("user:%d", c.UserID),
		Title:     "تذكير بالاستشارة القادمة",
		Body:      fmt.Sprintf("تبدأ استشارتك القانونية في تمام %s.", c.ScheduledAt.Format("15:04")),
		DedupKey:  fmt.Sprintf("consultation#%d:T-30", c.ID),
	}
}

// ConsultationExpiryJob cancels accepted consultations whose scheduled time
// passed more than the no-show grace ago. It runs hourly.
type ConsultationExpiryJob struct {
	store ConsultationStore
	clock clockwork.Clock
	grace time.Duration
}

func NewConsultationExpiryJob(store ConsultationStore, clock clockwork.Clock, grace time.Duration) *ConsultationExpiryJob {
	if grace <= 0 {
		grace = time.Hour
	}
	return &ConsultationExpiryJob{store: store, clock: clock, grace: grace}
}

func (j *ConsultationExpiryJob) Run(ctx context.Context, run scheduler.Run) error {
	cutoff := j.clock.Now().Add(-j.grace)
	cancelled, err := j.store.CancelOverdueConsultations(ctx, cutoff, NoShowReason)
	if err != nil {
		return fmt.Errorf("cancel overdue consultations: %w", err)
	}
	if cancelled > 0 {
		run.Logger.Infow("cancelled no-show consultations", "count", cancelled, "cutoff", cutoff)
	}
	return nil
}
