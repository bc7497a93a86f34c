// Package notify delivers user-facing notifications with at-most-once effect
// per de-dup key. Handlers emit before committing their transaction; the key
// is what prevents a crash between emit and commit from producing a second
// delivery on the next sweep.
package notify

import "context"

// Outcome is the sink's verdict on a single emit.
type Outcome int

const (
	// Delivered is final; the caller should flip its notified flag.
	Delivered Outcome = iota
	// Deferred is transient; the caller must leave the flag unset so the
	// record is picked up again on the next sweep.
	Deferred
	// Rejected is a permanent failure; the caller flips the flag to stop
	// retrying and logs the loss.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Deferred:
		return "deferred"
	default:
		return "rejected"
	}
}

// Notification is one message addressed to a platform user.
type Notification struct {
	Recipient string `json:"recipient"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	DedupKey  string `json:"dedup_key"`
}

// Sink accepts notifications. Implementations must be safe for concurrent
// use; handlers across jobs share one sink.
type Sink interface {
	Emit(ctx context.Context, n Notification) Outcome
}
