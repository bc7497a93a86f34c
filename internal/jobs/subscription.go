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

// reminderBuckets in sweep order, furthest out first.
var reminderBuckets = []models.ReminderBucket{models.BucketT7, models.BucketT3, models.BucketT0}

// SubscriptionJob reminds institution members before their subscription
// lapses (7 days, 3 days, day-of) and expires subscriptions past their end
// date. It runs daily at 09:00 platform time.
type SubscriptionJob struct {
	store SubscriptionStore
	sink  notify.Sink
	clock clockwork.Clock
}

func NewSubscriptionJob(store SubscriptionStore, sink notify.Sink, clock clockwork.Clock) *SubscriptionJob {
	return &SubscriptionJob{store: store, sink: sink, clock: clock}
}

// Run sweeps each reminder bucket, then transitions lapsed subscriptions.
// One transaction per subscription: the claim, the emit, and the flag flip
// commit together, with the de-dup key covering the crash window between
// emit and commit.
func (j *SubscriptionJob) Run(ctx context.Context, run scheduler.Run) error {
	now := j.clock.Now()
	for _, bucket := range reminderBuckets {
		if err := j.sweepBucket(ctx, run, now, bucket); err != nil {
			return fmt.Errorf("sweep bucket %s: %w", bucket, err)
		}
	}
	expired, err := j.store.ExpireLapsedSubscriptions(ctx, now)
	if err != nil {
		return fmt.Errorf("expire lapsed subscriptions: %w", err)
	}
	if expired > 0 {
		run.Logger.Infow("expired lapsed subscriptions", "count", expired)
	}
	return nil
}

func (j *SubscriptionJob) sweepBucket(ctx context.Context, run scheduler.Run, now time.Time, bucket models.ReminderBucket) error {
	day := now.AddDate(0, 0, bucket.Days())
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	to := from.AddDate(0, 0, 1)

	excluded := []int64{}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		found := false
		err := j.store.InTx(ctx, func(tx pgx.Tx) error {
			sub, ok, err := j.store.LockNextExpiringSubscription(ctx, tx, from, to, bucket, excluded)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			found = true
			excluded = append(excluded, sub.ID)

			outcome := j.sink.Emit(ctx, subscriptionReminder(sub, bucket))
			switch outcome {
			case notify.Deferred:
				run.Logger.Infow("reminder deferred", "subscription_id", sub.ID, "bucket", bucket)
				return nil
			case notify.Rejected:
				run.Logger.Warnw("reminder rejected, flag set to stop retrying",
					"subscription_id", sub.ID, "bucket", bucket)
			}
			return j.store.SetSubscriptionReminderFlag(ctx, tx, sub.ID, bucket)
		})
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
	}
}

func subscriptionReminder(sub models.Subscription, bucket models.ReminderBucket) notify.Notification {
	var body string
	switch bucket {
	case models.BucketT7:
		body = fmt.Sprintf("ينتهي اشتراكك في خطة %s بعد ٧ أيام. جدّد الآن لتجنب انقطاع الخدمة.", sub.Plan)
	case models.BucketT3:
		body = fmt.Sprintf("ينتهي اشتراكك في خطة %s بعد ٣ أيام.", sub.Plan)
	default:
		body = fmt.Sprintf("ينتهي اشتراكك في خطة %s اليوم.", sub.Plan)
	}
	return notify.Notification{
		Recipient: fmt.Sprintf("user:%d", sub.UserID),
		Title:     "تذكير بانتهاء الاشتراك",
		Body:      body,
		DedupKey:  fmt.Sprintf("sub#%d:%s", sub.ID, bucket),
	}
}
