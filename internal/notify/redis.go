package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mizan-backend/internal/ratelimit"
	"mizan-backend/internal/telemetry"
)

const (
	dedupPrefix = "notify:dedup:"
	inboxPrefix = "notify:inbox:"
)

// RedisSink delivers to per-recipient Redis inboxes consumed by the push
// gateway. De-dup keys are claimed with SET NX before the push; a failed push
// releases the claim so the next sweep can retry.
type RedisSink struct {
	client   *redis.Client
	throttle *ratelimit.TokenBucket // optional; throttled emits are Deferred
	dedupTTL time.Duration
	clock    clockwork.Clock
	log      *zap.SugaredLogger
}

func NewRedisSink(client *redis.Client, throttle *ratelimit.TokenBucket, dedupTTL time.Duration, clock clockwork.Clock, log *zap.SugaredLogger) *RedisSink {
	if dedupTTL <= 0 {
		dedupTTL = 48 * time.Hour
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisSink{
		client:   client,
		throttle: throttle,
		dedupTTL: dedupTTL,
		clock:    clock,
		log:      log,
	}
}

// message is the wire shape pushed to the inbox list.
type message struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	DedupKey string    `json:"dedup_key"`
	SentAt   time.Time `json:"sent_at"`
}

func (s *RedisSink) Emit(ctx context.Context, n Notification) Outcome {
	outcome := s.emit(ctx, n)
	telemetry.NotificationsEmitted.WithLabelValues(outcome.String()).Inc()
	return outcome
}

func (s *RedisSink) emit(ctx context.Context, n Notification) Outcome {
	if n.Recipient == "" || n.DedupKey == "" {
		s.log.Warnw("rejecting malformed notification", "recipient", n.Recipient, "dedup_key", n.DedupKey)
		return Rejected
	}
	if s.throttle != nil {
		allowed, _, err := s.throttle.Allow(ctx, n.Recipient)
		if err != nil {
			s.log.Warnw("notification throttle unavailable", "recipient", n.Recipient, "error", err)
			return Deferred
		}
		if !allowed {
			s.log.Infow("recipient throttled, deferring", "recipient", n.Recipient, "dedup_key", n.DedupKey)
			return Deferred
		}
	}

	claimed, err := s.client.SetNX(ctx, dedupPrefix+n.DedupKey, 1, s.dedupTTL).Result()
	if err != nil {
		s.log.Warnw("dedup claim failed", "dedup_key", n.DedupKey, "error", err)
		return Deferred
	}
	if !claimed {
		// Already delivered for this key; report success so the caller
		// flips its flag and stops retrying.
		telemetry.NotificationsDeduped.Inc()
		s.log.Debugw("duplicate suppressed", "dedup_key", n.DedupKey)
		return Delivered
	}

	payload, err := json.Marshal(message{
		ID:       uuid.New().String(),
		Title:    n.Title,
		Body:     n.Body,
		DedupKey: n.DedupKey,
		SentAt:   s.clock.Now().UTC(),
	})
	if err != nil {
		return Rejected
	}
	if err := s.client.RPush(ctx, inboxPrefix+n.Recipient, payload).Err(); err != nil {
		// Release the claim so a retry is possible next sweep.
		s.client.Del(ctx, dedupPrefix+n.DedupKey)
		s.log.Warnw("inbox push failed", "recipient", n.Recipient, "error", err)
		return Deferred
	}
	return Delivered
}

// Inbox peeks at the newest messages for a recipient.
func (s *RedisSink) Inbox(ctx context.Context, recipient string, count int64) ([]string, error) {
	if count <= 0 {
		count = 50
	}
	return s.client.LRange(ctx, inboxPrefix+recipient, -count, -1).Result()
}
