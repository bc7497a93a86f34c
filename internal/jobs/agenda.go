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

// AgendaJob reminds lawyers of agenda events starting within the lookahead
// window. It sweeps every five minutes.
type AgendaJob struct {
	store     AgendaStore
	sink      notify.Sink
	clock     clockwork.Clock
	lookahead time.Duration
}

func NewAgendaJob(store AgendaStore, sink notify.Sink, clock clockwork.Clock, lookahead time.Duration) *AgendaJob {
	if lookahead <= 0 {
		lookahead = 30 * time.Minute
	}
	return &AgendaJob{store: store, sink: sink, clock: clock, lookahead: lookahead}
}

func (j *AgendaJob) Run(ctx context.Context, run scheduler.Run) error {
	now := j.clock.Now()
	to := now.Add(j.lookahead)

	excluded := []int64{}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		found := false
		err := j.store.InTx(ctx, func(tx pgx.Tx) error {
			ev, ok, err := j.store.LockNextDueEventReminder(ctx, tx, now, to, excluded)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			found = true
			excluded = append(excluded, ev.ID)

			outcome := j.sink.Emit(ctx, eventReminder(ev))
			switch outcome {
			case notify.Deferred:
				run.Logger.Infow("event reminder deferred", "event_id", ev.ID)
				return nil
			case notify.Rejected:
				run.Logger.Warnw("event reminder rejected", "event_id", ev.ID)
			}
			return j.store.MarkEventReminderSent(ctx, tx, ev.ID)
		})
		if err != nil {
			return fmt.Errorf("agenda sweep: %w", err)
		}
		if !found {
			return nil
		}
	}
}

func eventReminder(ev models.Event) notify.Notification {
	return notify.Notification{
		Recipient: fmt.Sprintf("lawyer:%d", ev.LawyerID),
		Title:     "تذكير بموعد في الأجندة",
		Body:      fmt.Sprintf("يبدأ الموعد «%s» في تمام %s.", ev.Title, ev.StartsAt.Format("15:04")),
		DedupKey:  fmt.Sprintf("event#%d:T-30", ev.ID),
	}
}
