package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler is the unit of work a job executes on each fire. The context is
// cancelled on shutdown and when MaxRuntime expires; handlers are expected to
// observe it at every blocking call and batch iteration.
type Handler func(ctx context.Context, run Run) error

// Run carries per-fire metadata into a handler.
type Run struct {
	JobID       string
	ScheduledAt time.Time
	StartedAt   time.Time
	Logger      *zap.SugaredLogger
}

// CoalescePolicy controls what happens when fires are missed beyond the
// misfire grace.
type CoalescePolicy int

const (
	// CoalesceRunOnce collapses missed fires into a single immediate one.
	CoalesceRunOnce CoalescePolicy = iota
	// CoalesceSkip drops missed fires and waits for the next future slot.
	CoalesceSkip
)

// ParseCoalescePolicy maps the configuration strings "run-once" and "skip".
func ParseCoalescePolicy(s string) (CoalescePolicy, error) {
	switch s {
	case "run-once", "":
		return CoalesceRunOnce, nil
	case "skip":
		return CoalesceSkip, nil
	}
	return CoalesceRunOnce, fmt.Errorf("unknown coalesce policy %q", s)
}

func (p CoalescePolicy) String() string {
	if p == CoalesceSkip {
		return "skip"
	}
	return "run-once"
}

// Definition is the static description of a recurring job.
type Definition struct {
	ID      string
	Trigger Trigger
	Handler Handler

	// MaxRuntime bounds a single fire; the run context is cancelled once it
	// elapses. Defaults to one minute.
	MaxRuntime time.Duration
	// MisfireGrace is how late a fire may start before it counts as missed.
	// Defaults to one minute.
	MisfireGrace time.Duration
	Coalesce     CoalescePolicy
}

// Outcome is the terminal result of one fire.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCancelled Outcome = "cancelled"
)

// JobStatus is an immutable snapshot of one registered job.
type JobStatus struct {
	ID                  string    `json:"id"`
	Trigger             string    `json:"trigger"`
	NextFire            time.Time `json:"next_fire"`
	LastFire            time.Time `json:"last_fire,omitempty"`
	LastOutcome         Outcome   `json:"last_outcome,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	Running             bool      `json:"running"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Quarantined         bool      `json:"quarantined"`
}

// registry is the pre-start catalogue of definitions. It is owned by the
// Dispatcher and frozen when the loop starts.
type registry struct {
	mu     sync.Mutex
	frozen bool
	defs   map[string]Definition
	order  []string
}

func newRegistry() *registry {
	return &registry{defs: make(map[string]Definition)}
}

func (r *registry) add(def Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("%w (job %q)", ErrRegistryFrozen, def.ID)
	}
	if def.ID == "" {
		return fmt.Errorf("%w: empty job id", ErrInvalidTrigger)
	}
	if def.Handler == nil {
		return fmt.Errorf("%w: job %q has no handler", ErrInvalidTrigger, def.ID)
	}
	if def.Trigger == nil {
		return fmt.Errorf("%w: job %q has no trigger", ErrInvalidTrigger, def.ID)
	}
	if err := def.Trigger.Validate(); err != nil {
		return fmt.Errorf("job %q: %w", def.ID, err)
	}
	if _, exists := r.defs[def.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateID, def.ID)
	}
	if def.MaxRuntime <= 0 {
		def.MaxRuntime = time.Minute
	}
	if def.MisfireGrace <= 0 {
		def.MisfireGrace = time.Minute
	}
	r.defs[def.ID] = def
	r.order = append(r.order, def.ID)
	return nil
}

// freeze seals the registry and returns definitions in registration order.
func (r *registry) freeze() []Definition {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
	out := make([]Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id])
	}
	return out
}
