package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFire(t *testing.T, ch <-chan time.Time) time.Time {
	t.Helper()
	select {
	case ts := <-ch:
		return ts
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fire")
		return time.Time{}
	}
}

func snapshotOf(t *testing.T, d *Dispatcher, jobID string) JobStatus {
	t.Helper()
	for _, js := range d.Snapshot() {
		if js.ID == jobID {
			return js
		}
	}
	t.Fatalf("job %q not in snapshot", jobID)
	return JobStatus{}
}

func TestRegisterValidation(t *testing.T) {
	d := NewDispatcher(Options{})
	noop := func(context.Context, Run) error { return nil }

	require.NoError(t, d.Register(Definition{ID: "a", Trigger: NewInterval(time.Minute), Handler: noop}))

	err := d.Register(Definition{ID: "a", Trigger: NewInterval(time.Minute), Handler: noop})
	require.ErrorIs(t, err, ErrDuplicateID)

	err = d.Register(Definition{ID: "b", Trigger: NewInterval(0), Handler: noop})
	require.ErrorIs(t, err, ErrInvalidTrigger)

	err = d.Register(Definition{ID: "c", Trigger: NewInterval(time.Minute)})
	require.ErrorIs(t, err, ErrInvalidTrigger)

	err = d.Register(Definition{Trigger: NewInterval(time.Minute), Handler: noop})
	require.ErrorIs(t, err, ErrInvalidTrigger)
}

func TestRegisterAfterStart(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := NewDispatcher(Options{Clock: clock})
	noop := func(context.Context, Run) error { return nil }

	require.NoError(t, d.Register(Definition{ID: "a", Trigger: NewInterval(time.Minute), Handler: noop}))
	require.NoError(t, d.Start())
	defer func() { _ = d.Stop(time.Second) }()

	err := d.Register(Definition{ID: "b", Trigger: NewInterval(time.Minute), Handler: noop})
	require.ErrorIs(t, err, ErrRegistryFrozen)

	require.ErrorIs(t, d.Start(), ErrNotConfiguring)
}

func TestStopWhenNotRunning(t *testing.T) {
	d := NewDispatcher(Options{})
	require.ErrorIs(t, d.Stop(time.Second), ErrNotRunning)
}

func TestIntervalFiresOncePerSlot(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	d := NewDispatcher(Options{Clock: clock})

	fired := make(chan time.Time, 16)
	require.NoError(t, d.Register(Definition{
		ID:      "sweep",
		Trigger: NewInterval(5 * time.Minute),
		Handler: func(_ context.Context, run Run) error {
			fired <- run.ScheduledAt
			return nil
		},
	}))
	require.NoError(t, d.Start())
	defer func() { _ = d.Stop(time.Second) }()

	clock.BlockUntil(1)
	for i := 1; i <= 3; i++ {
		clock.Advance(5 * time.Minute)
		scheduled := waitFire(t, fired)
		assert.Equal(t, start.Add(time.Duration(i)*5*time.Minute), scheduled)
	}

	select {
	case ts := <-fired:
		t.Fatalf("unexpected extra fire at %s", ts)
	case <-time.After(50 * time.Millisecond):
	}

	js := snapshotOf(t, d, "sweep")
	assert.Equal(t, OutcomeSuccess, js.LastOutcome)
	assert.Equal(t, start.Add(20*time.Minute), js.NextFire)
}

func TestNoOverlappingFires(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	d := NewDispatcher(Options{Clock: clock})

	var started atomic.Int32
	gate := make(chan struct{})
	require.NoError(t, d.Register(Definition{
		ID:         "slow",
		Trigger:    NewInterval(time.Second),
		MaxRuntime: time.Hour,
		Handler: func(context.Context, Run) error {
			started.Add(1)
			<-gate
			return nil
		},
	}))
	require.NoError(t, d.Start())

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return started.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The job is running; advancing over many slots must not start another.
	clock.Advance(10 * time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), started.Load())
	assert.True(t, snapshotOf(t, d, "slow").Running)

	close(gate)
	require.NoError(t, d.Stop(time.Second))
}

func TestMisfireSkip(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	d := NewDispatcher(Options{Clock: clock})

	var calls atomic.Int32
	require.NoError(t, d.Register(Definition{
		ID:           "nightly",
		Trigger:      NewInterval(time.Second),
		MisfireGrace: time.Second,
		Coalesce:     CoalesceSkip,
		Handler: func(context.Context, Run) error {
			calls.Add(1)
			return nil
		},
	}))
	require.NoError(t, d.Start())
	defer func() { _ = d.Stop(time.Second) }()

	clock.BlockUntil(1)
	clock.Advance(10 * time.Second)

	require.Eventually(t, func() bool {
		return snapshotOf(t, d, "nightly").LastOutcome == OutcomeSkipped
	}, 2*time.Second, 10*time.Millisecond)

	js := snapshotOf(t, d, "nightly")
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, start.Add(11*time.Second), js.NextFire)
}

func TestMisfireRunOnce(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	d := NewDispatcher(Options{Clock: clock})

	var calls atomic.Int32
	require.NoError(t, d.Register(Definition{
		ID:           "nightly",
		Trigger:      NewInterval(time.Second),
		MisfireGrace: time.Second,
		Coalesce:     CoalesceRunOnce,
		Handler: func(context.Context, Run) error {
			calls.Add(1)
			return nil
		},
	}))
	require.NoError(t, d.Start())
	defer func() { _ = d.Stop(time.Second) }()

	clock.BlockUntil(1)
	clock.Advance(10 * time.Second)

	// Nine missed slots collapse into one catch-up fire.
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return snapshotOf(t, d, "nightly").NextFire.Equal(start.Add(11 * time.Second))
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestQuarantineBackoff(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	d := NewDispatcher(Options{
		Clock:               clock,
		QuarantineThreshold: 2,
		QuarantineBase:      time.Minute,
		QuarantineCap:       time.Hour,
	})

	fired := make(chan time.Time, 16)
	require.NoError(t, d.Register(Definition{
		ID:      "flaky",
		Trigger: NewFixedDelay(time.Second),
		Handler: func(_ context.Context, run Run) error {
			fired <- run.ScheduledAt
			return errors.New("boom")
		},
	}))
	require.NoError(t, d.Start())
	defer func() { _ = d.Stop(time.Second) }()

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	waitFire(t, fired)
	require.Eventually(t, func() bool {
		return snapshotOf(t, d, "flaky").ConsecutiveFailures == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, snapshotOf(t, d, "flaky").Quarantined)

	clock.Advance(time.Second)
	waitFire(t, fired)
	require.Eventually(t, func() bool {
		return snapshotOf(t, d, "flaky").Quarantined
	}, 2*time.Second, 10*time.Millisecond)

	// At the threshold the next fire backs off to base, not the trigger delay.
	js := snapshotOf(t, d, "flaky")
	assert.Equal(t, start.Add(2*time.Second).Add(time.Minute), js.NextFire)

	clock.Advance(59 * time.Second)
	select {
	case <-fired:
		t.Fatal("fired inside quarantine window")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(time.Second)
	waitFire(t, fired)
	require.Eventually(t, func() bool {
		return snapshotOf(t, d, "flaky").ConsecutiveFailures == 3
	}, 2*time.Second, 10*time.Millisecond)
	js = snapshotOf(t, d, "flaky")
	assert.Equal(t, clock.Now().Add(2*time.Minute), js.NextFire)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	d := NewDispatcher(Options{Clock: clock, QuarantineThreshold: 3})

	var calls atomic.Int32
	fired := make(chan time.Time, 16)
	require.NoError(t, d.Register(Definition{
		ID:      "recovering",
		Trigger: NewFixedDelay(time.Second),
		Handler: func(_ context.Context, run Run) error {
			n := calls.Add(1)
			fired <- run.ScheduledAt
			if n < 3 {
				return errors.New("boom")
			}
			return nil
		},
	}))
	require.NoError(t, d.Start())
	defer func() { _ = d.Stop(time.Second) }()

	clock.BlockUntil(1)
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		waitFire(t, fired)
	}
	require.Eventually(t, func() bool {
		js := snapshotOf(t, d, "recovering")
		return js.LastOutcome == OutcomeSuccess && js.ConsecutiveFailures == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, snapshotOf(t, d, "recovering").Quarantined)
}

func TestFailingJobDoesNotStallOthers(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	d := NewDispatcher(Options{Clock: clock})

	badFired := make(chan time.Time, 16)
	goodFired := make(chan time.Time, 16)
	require.NoError(t, d.Register(Definition{
		ID:      "bad",
		Trigger: NewInterval(time.Second),
		Handler: func(_ context.Context, run Run) error {
			badFired <- run.ScheduledAt
			return errors.New("boom")
		},
	}))
	require.NoError(t, d.Register(Definition{
		ID:      "good",
		Trigger: NewInterval(time.Second),
		Handler: func(_ context.Context, run Run) error {
			goodFired <- run.ScheduledAt
			return nil
		},
	}))
	require.NoError(t, d.Start())
	defer func() { _ = d.Stop(time.Second) }()

	clock.BlockUntil(1)
	for i := 0; i < 2; i++ {
		clock.Advance(time.Second)
		waitFire(t, badFired)
		waitFire(t, goodFired)
	}

	require.Eventually(t, func() bool {
		return snapshotOf(t, d, "good").LastOutcome == OutcomeSuccess
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return snapshotOf(t, d, "bad").ConsecutiveFailures == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWakeForcesImmediateFire(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	d := NewDispatcher(Options{Clock: clock})

	fired := make(chan time.Time, 4)
	require.NoError(t, d.Register(Definition{
		ID:      "hourly",
		Trigger: NewInterval(time.Hour),
		Handler: func(_ context.Context, run Run) error {
			fired <- run.ScheduledAt
			return nil
		},
	}))
	require.NoError(t, d.Start())
	defer func() { _ = d.Stop(time.Second) }()

	clock.BlockUntil(1)
	d.Wake("hourly")
	scheduled := waitFire(t, fired)
	assert.Equal(t, start, scheduled)

	// Unknown ids are logged, not fatal.
	d.Wake("nope")
}

func TestWakeIgnoredWhileRunning(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	d := NewDispatcher(Options{Clock: clock})

	var started atomic.Int32
	gate := make(chan struct{})
	require.NoError(t, d.Register(Definition{
		ID:         "slow",
		Trigger:    NewInterval(time.Hour),
		MaxRuntime: time.Hour,
		Handler: func(context.Context, Run) error {
			started.Add(1)
			<-gate
			return nil
		},
	}))
	require.NoError(t, d.Start())

	clock.BlockUntil(1)
	d.Wake("slow")
	require.Eventually(t, func() bool { return started.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	d.Wake("slow")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), started.Load())

	close(gate)
	require.NoError(t, d.Stop(time.Second))
}

func TestPanicCountsAsFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := NewDispatcher(Options{Clock: clock})

	require.NoError(t, d.Register(Definition{
		ID:      "panicky",
		Trigger: NewInterval(time.Hour),
		Handler: func(context.Context, Run) error {
			panic("oh no")
		},
	}))
	require.NoError(t, d.Start())
	defer func() { _ = d.Stop(time.Second) }()

	clock.BlockUntil(1)
	d.Wake("panicky")

	require.Eventually(t, func() bool {
		return snapshotOf(t, d, "panicky").LastOutcome == OutcomeFailure
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, snapshotOf(t, d, "panicky").LastError, "handler panic")
}

func TestStopCancelsRunningHandler(t *testing.T) {
	d := NewDispatcher(Options{})

	started := make(chan struct{})
	require.NoError(t, d.Register(Definition{
		ID:         "graceful",
		Trigger:    NewInterval(time.Hour),
		MaxRuntime: time.Hour,
		Handler: func(ctx context.Context, _ Run) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}))
	require.NoError(t, d.Start())
	d.Wake("graceful")
	<-started

	require.NoError(t, d.Stop(5*time.Second))
	assert.Equal(t, StateStopped, d.State())
	assert.Equal(t, OutcomeCancelled, snapshotOf(t, d, "graceful").LastOutcome)
}

func TestStopAbandonsStuckHandler(t *testing.T) {
	d := NewDispatcher(Options{})

	started := make(chan struct{})
	gate := make(chan struct{})
	defer close(gate)
	require.NoError(t, d.Register(Definition{
		ID:         "stuck",
		Trigger:    NewInterval(time.Hour),
		MaxRuntime: time.Hour,
		Handler: func(context.Context, Run) error {
			close(started)
			<-gate
			return nil
		},
	}))
	require.NoError(t, d.Start())
	d.Wake("stuck")
	<-started

	err := d.Stop(100 * time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still running")
	assert.Equal(t, StateStopped, d.State())
}

func TestMaxRuntimeCancelsHandler(t *testing.T) {
	d := NewDispatcher(Options{CancelGrace: time.Second})

	require.NoError(t, d.Register(Definition{
		ID:         "longhaul",
		Trigger:    NewInterval(time.Hour),
		MaxRuntime: 50 * time.Millisecond,
		Handler: func(ctx context.Context, _ Run) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}))
	require.NoError(t, d.Start())
	defer func() { _ = d.Stop(time.Second) }()

	d.Wake("longhaul")
	require.Eventually(t, func() bool {
		return snapshotOf(t, d, "longhaul").LastOutcome == OutcomeCancelled
	}, 2*time.Second, 10*time.Millisecond)
}

type memRecorder struct {
	mu   sync.Mutex
	recs []RunRecord
}

func (m *memRecorder) RecordRun(_ context.Context, rec RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memRecorder) all() []RunRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RunRecord(nil), m.recs...)
}

func TestRecorderReceivesOutcomes(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	rec := &memRecorder{}
	d := NewDispatcher(Options{Clock: clock, Recorder: rec})

	require.NoError(t, d.Register(Definition{
		ID:      "audited",
		Trigger: NewInterval(time.Hour),
		Handler: func(context.Context, Run) error { return errors.New("boom") },
	}))
	require.NoError(t, d.Start())
	defer func() { _ = d.Stop(time.Second) }()

	clock.BlockUntil(1)
	d.Wake("audited")

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := rec.all()[0]
	assert.Equal(t, "audited", got.JobID)
	assert.Equal(t, OutcomeFailure, got.Outcome)
	assert.Equal(t, start, got.ScheduledFire)
	assert.Equal(t, "boom", got.Detail)
}

func TestQuarantineDelay(t *testing.T) {
	base, ceiling := time.Minute, time.Hour
	assert.Equal(t, time.Minute, quarantineDelay(base, ceiling, 0))
	assert.Equal(t, 2*time.Minute, quarantineDelay(base, ceiling, 1))
	assert.Equal(t, 4*time.Minute, quarantineDelay(base, ceiling, 2))
	assert.Equal(t, 32*time.Minute, quarantineDelay(base, ceiling, 5))
	assert.Equal(t, time.Hour, quarantineDelay(base, ceiling, 6))
	assert.Equal(t, time.Hour, quarantineDelay(base, ceiling, 20))
}
