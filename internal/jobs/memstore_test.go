package jobs

import (
	"context"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"mizan-backend/internal/models"
	"mizan-backend/internal/scheduler"
)

// memStore is an in-memory stand-in for the Postgres store. InTx runs fn with
// a nil transaction; the claim methods mirror the SQL predicates.
type memStore struct {
	subs          []models.Subscription
	events        []models.Event
	consultations []models.Consultation

	txErr error
}

func (m *memStore) InTx(_ context.Context, fn func(tx pgx.Tx) error) error {
	if m.txErr != nil {
		return m.txErr
	}
	return fn(nil)
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func bucketFlag(sub *models.Subscription, bucket models.ReminderBucket) *bool {
	switch bucket {
	case models.BucketT7:
		return &sub.Notified7d
	case models.BucketT3:
		return &sub.Notified3d
	default:
		return &sub.NotifiedExpiry
	}
}

func (m *memStore) LockNextExpiringSubscription(_ context.Context, _ pgx.Tx, from, to time.Time, bucket models.ReminderBucket, excluded []int64) (models.Subscription, bool, error) {
	candidates := make([]*models.Subscription, 0)
	for i := range m.subs {
		sub := &m.subs[i]
		if sub.Status != models.SubscriptionActive || contains(excluded, sub.ID) {
			continue
		}
		if sub.EndsAt.Before(from) || !sub.EndsAt.Before(to) {
			continue
		}
		if *bucketFlag(sub, bucket) {
			continue
		}
		candidates = append(candidates, sub)
	}
	if len(candidates) == 0 {
		return models.Subscription{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].EndsAt.Before(candidates[j].EndsAt) })
	return *candidates[0], true, nil
}

func (m *memStore) SetSubscriptionReminderFlag(_ context.Context, _ pgx.Tx, id int64, bucket models.ReminderBucket) error {
	for i := range m.subs {
		if m.subs[i].ID == id {
			*bucketFlag(&m.subs[i], bucket) = true
		}
	}
	return nil
}

func (m *memStore) ExpireLapsedSubscriptions(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for i := range m.subs {
		if m.subs[i].Status == models.SubscriptionActive && m.subs[i].EndsAt.Before(now) {
			m.subs[i].Status = models.SubscriptionExpired
			n++
		}
	}
	return n, nil
}

func (m *memStore) LockNextDueEventReminder(_ context.Context, _ pgx.Tx, from, to time.Time, excluded []int64) (models.Event, bool, error) {
	for i := range m.events {
		ev := m.events[i]
		if ev.ReminderSent || contains(excluded, ev.ID) {
			continue
		}
		if ev.StartsAt.Before(from) || ev.StartsAt.After(to) {
			continue
		}
		return ev, true, nil
	}
	return models.Event{}, false, nil
}

func (m *memStore) MarkEventReminderSent(_ context.Context, _ pgx.Tx, id int64) error {
	for i := range m.events {
		if m.events[i].ID == id {
			m.events[i].ReminderSent = true
		}
	}
	return nil
}

func (m *memStore) LockNextDueConsultation(_ context.Context, _ pgx.Tx, from, to time.Time, excluded []int64) (models.Consultation, bool, error) {
	for i := range m.consultations {
		c := m.consultations[i]
		if c.Status != models.ConsultationAccepted || c.Notified || contains(excluded, c.ID) {
			continue
		}
		if c.ScheduledAt.Before(from) || c.ScheduledAt.After(to) {
			continue
		}
		return c, true, nil
	}
	return models.Consultation{}, false, nil
}

func (m *memStore) MarkConsultationNotified(_ context.Context, _ pgx.Tx, id int64) error {
	for i := range m.consultations {
		if m.consultations[i].ID == id {
			m.consultations[i].Notified = true
		}
	}
	return nil
}

func (m *memStore) CancelOverdueConsultations(_ context.Context, cutoff time.Time, reason string) (int64, error) {
	var n int64
	for i := range m.consultations {
		c := &m.consultations[i]
		if c.Status == models.ConsultationAccepted && c.ScheduledAt.Before(cutoff) {
			c.Status = models.ConsultationCancelled
			r := reason
			c.CancelReason = &r
			n++
		}
	}
	return n, nil
}

func testRun(jobID string) scheduler.Run {
	return scheduler.Run{JobID: jobID, Logger: zap.NewNop().Sugar()}
}
