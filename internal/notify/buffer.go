package notify

import (
	"context"
	"sync"
)

// Buffer is an in-memory Sink for tests. It honours de-dup keys and can be
// forced to return a specific outcome per key to exercise the Deferred and
// Rejected paths.
type Buffer struct {
	mu        sync.Mutex
	seen      map[string]bool
	delivered []Notification

	// Force maps a dedup key to the outcome Emit should return instead of
	// delivering. Forced emits are not recorded.
	Force map[string]Outcome
}

func NewBuffer() *Buffer {
	return &Buffer{seen: make(map[string]bool)}
}

func (b *Buffer) Emit(_ context.Context, n Notification) Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n.Recipient == "" || n.DedupKey == "" {
		return Rejected
	}
	if forced, ok := b.Force[n.DedupKey]; ok {
		return forced
	}
	if b.seen[n.DedupKey] {
		return Delivered
	}
	b.seen[n.DedupKey] = true
	b.delivered = append(b.delivered, n)
	return Delivered
}

// Delivered returns a copy of everything actually delivered, in order.
func (b *Buffer) Delivered() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Notification, len(b.delivered))
	copy(out, b.delivered)
	return out
}
