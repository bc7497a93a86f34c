package models

import (
	"time"
)

// Subscription lifecycle states persisted in Postgres.
const (
	SubscriptionActive    = "active"
	SubscriptionExpired   = "expired"
	SubscriptionCancelled = "cancelled"
)

// ReminderBucket identifies how far ahead of expiry a reminder fires.
type ReminderBucket string

const (
	BucketT7 ReminderBucket = "T-7"
	BucketT3 ReminderBucket = "T-3"
	BucketT0 ReminderBucket = "T-0"
)

// Days returns how many days before expiry the bucket targets.
func (b ReminderBucket) Days() int {
	switch b {
	case BucketT7:
		return 7
	case BucketT3:
		return 3
	default:
		return 0
	}
}

// Subscription is an institution member's plan subscription.
type Subscription struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	Plan           string    `json:"plan"`
	StartsAt       time.Time `json:"starts_at"`
	EndsAt         time.Time `json:"ends_at"`
	Status         string    `json:"status"`
	Notified7d     bool      `json:"notified_7d"`
	Notified3d     bool      `json:"notified_3d"`
	NotifiedExpiry bool      `json:"notified_expiry"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Event is an agenda entry on a lawyer's calendar.
type Event struct {
	ID           int64     `json:"id"`
	LawyerID     int64     `json:"lawyer_id"`
	Title        string    `json:"title"`
	StartsAt     time.Time `json:"starts_at"`
	EndsAt       time.Time `json:"ends_at"`
	ReminderSent bool      `json:"reminder_sent"`
	CreatedAt    time.Time `json:"created_at"`
}

// Consultation statuses persisted in Postgres.
const (
	ConsultationPending   = "PENDING"
	ConsultationAccepted  = "ACCEPTED"
	ConsultationCompleted = "COMPLETED"
	ConsultationCancelled = "CANCELLED"
)

// Consultation is a booked session between a user and a lawyer.
type Consultation struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	LawyerID     int64     `json:"lawyer_id"`
	Status       string    `json:"status"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	Notified     bool      `json:"is_notified"`
	CancelReason *string   `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SchedulerRun is one audit row written per job fire.
type SchedulerRun struct {
	ID            string    `json:"id"`
	JobID         string    `json:"job_id"`
	ScheduledFire time.Time `json:"scheduled_fire"`
	Started       time.Time `json:"started"`
	Ended         time.Time `json:"ended"`
	Outcome       string    `json:"outcome"`
	Detail        *string   `json:"detail,omitempty"`
}

// ReportCounts aggregates platform activity for the weekly export.
type ReportCounts struct {
	ActiveSubscriptions    int64 `json:"active_subscriptions"`
	ExpiredSubscriptions   int64 `json:"expired_subscriptions"`
	PendingConsultations   int64 `json:"pending_consultations"`
	AcceptedConsultations  int64 `json:"accepted_consultations"`
	CompletedConsultations int64 `json:"completed_consultations"`
	CancelledConsultations int64 `json:"cancelled_consultations"`
	UpcomingEvents         int64 `json:"upcoming_events"`
}
