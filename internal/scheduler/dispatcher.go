package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"mizan-backend/internal/telemetry"
)

// State is the dispatcher lifecycle phase.
type State int32

const (
	StateConfiguring State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConfiguring:
		return "configuring"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// RunRecord is one audit row describing a completed fire.
type RunRecord struct {
	JobID         string
	ScheduledFire time.Time
	Started       time.Time
	Ended         time.Time
	Outcome       Outcome
	Detail        string
}

// RunRecorder persists fire outcomes. Implementations must tolerate being
// called from multiple worker goroutines.
type RunRecorder interface {
	RecordRun(ctx context.Context, rec RunRecord) error
}

// Options configures a Dispatcher. Zero values fall back to the defaults
// documented on each field.
type Options struct {
	Clock  clockwork.Clock    // defaults to the real clock
	Logger *zap.SugaredLogger // defaults to zap.NewNop()

	CancelGrace         time.Duration // wait after cancel before abandoning; default 5s
	QuarantineThreshold int           // consecutive failures before backoff; default 5
	QuarantineBase      time.Duration // first quarantine delay; default 1m
	QuarantineCap       time.Duration // quarantine delay ceiling; default 1h

	Recorder RunRecorder // optional audit sink
}

// Dispatcher owns all job state and runs the scheduling loop. Jobs are
// registered while the dispatcher is configuring; Start freezes the registry
// and begins firing. At most one handler per job runs at any time; distinct
// jobs run in parallel.
type Dispatcher struct {
	clock    clockwork.Clock
	log      *zap.SugaredLogger
	reg      *registry
	recorder RunRecorder

	cancelGrace   time.Duration
	quarThreshold int
	quarBase      time.Duration
	quarCap       time.Duration

	mu    sync.Mutex
	state State
	jobs  map[string]*jobState
	order []string
	queue fireQueue

	wakeCh    chan string
	loopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workers   sync.WaitGroup
}

// jobState is the dynamic side of a registered job, owned by the dispatcher
// and guarded by Dispatcher.mu. A job is either queued (in fireQueue) or
// running, never both.
type jobState struct {
	def         Definition
	next        time.Time
	lastFire    time.Time
	lastOutcome Outcome
	lastErr     string
	running     bool
	fails       int
	heapIndex   int
}

// fire is one claimed invocation handed to a worker.
type fire struct {
	js        *jobState
	scheduled time.Time
	coalesced bool
}

func NewDispatcher(opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = 5 * time.Second
	}
	if opts.QuarantineThreshold <= 0 {
		opts.QuarantineThreshold = 5
	}
	if opts.QuarantineBase <= 0 {
		opts.QuarantineBase = time.Minute
	}
	if opts.QuarantineCap <= 0 {
		opts.QuarantineCap = time.Hour
	}
	return &Dispatcher{
		clock:         opts.Clock,
		log:           opts.Logger,
		reg:           newRegistry(),
		recorder:      opts.Recorder,
		cancelGrace:   opts.CancelGrace,
		quarThreshold: opts.QuarantineThreshold,
		quarBase:      opts.QuarantineBase,
		quarCap:       opts.QuarantineCap,
		state:         StateConfiguring,
		jobs:          make(map[string]*jobState),
		wakeCh:        make(chan string, 64),
		loopDone:      make(chan struct{}),
	}
}

// Register adds a job definition. Only allowed before Start.
func (d *Dispatcher) Register(def Definition) error {
	d.mu.Lock()
	if d.state != StateConfiguring {
		d.mu.Unlock()
		return fmt.Errorf("%w (job %q)", ErrRegistryFrozen, def.ID)
	}
	d.mu.Unlock()
	return d.reg.add(def)
}

// Start freezes the registry, seeds every job's first fire time and launches
// the loop. It fails unless the dispatcher is still configuring.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateConfiguring {
		return fmt.Errorf("%w: state %s", ErrNotConfiguring, d.state)
	}
	defs := d.reg.freeze()
	now := d.clock.Now()
	for _, def := range defs {
		js := &jobState{def: def, next: def.Trigger.First(now)}
		d.jobs[def.ID] = js
		d.order = append(d.order, def.ID)
		heap.Push(&d.queue, js)
	}
	d.runCtx, d.runCancel = context.WithCancel(context.Background())
	d.state = StateRunning
	go d.loop()
	d.log.Infow("dispatcher started", "jobs", len(defs))
	return nil
}

// Stop drains the dispatcher: no new fires are claimed, running handlers see
// their context cancelled, and Stop waits up to grace for them to finish.
// Handlers still running after grace are abandoned and an error is returned;
// Stop resolves either way.
func (d *Dispatcher) Stop(grace time.Duration) error {
	d.mu.Lock()
	if d.state != StateRunning {
		d.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotRunning, d.state)
	}
	d.state = StateStopping
	d.mu.Unlock()

	d.runCancel()
	<-d.loopDone

	finished := make(chan struct{})
	go func() {
		d.workers.Wait()
		close(finished)
	}()

	var err error
	timer := d.clock.NewTimer(grace)
	select {
	case <-finished:
		timer.Stop()
	case <-timer.Chan():
		abandoned := d.runningJobs()
		for _, id := range abandoned {
			d.log.Warnw("abandoning job after shutdown grace", "job_id", id, "grace", grace)
		}
		err = fmt.Errorf("scheduler: %d job(s) still running after %s shutdown grace", len(abandoned), grace)
	}

	d.mu.Lock()
	d.state = StateStopped
	d.mu.Unlock()
	d.log.Infow("dispatcher stopped", "abandoned", err != nil)
	return err
}

// Wake nudges the loop to re-evaluate triggers. A non-empty jobID forces that
// job's next fire to now; nudges for a currently running job are dropped so
// fires stay strictly serial.
func (d *Dispatcher) Wake(jobID string) {
	select {
	case d.wakeCh <- jobID:
		telemetry.SchedulerWakes.Inc()
	default:
		d.log.Warnw("wake channel full, dropping nudge", "job_id", jobID)
	}
}

// Snapshot returns the current state of every job in registration order.
func (d *Dispatcher) Snapshot() []JobStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]JobStatus, 0, len(d.order))
	for _, id := range d.order {
		js := d.jobs[id]
		out = append(out, JobStatus{
			ID:                  id,
			Trigger:             js.def.Trigger.String(),
			NextFire:            js.next,
			LastFire:            js.lastFire,
			LastOutcome:         js.lastOutcome,
			LastError:           js.lastErr,
			Running:             js.running,
			ConsecutiveFailures: js.fails,
			Quarantined:         js.fails >= d.quarThreshold,
		})
	}
	return out
}

// State reports the lifecycle phase.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Dispatcher) loop() {
	defer close(d.loopDone)
	for {
		d.mu.Lock()
		if d.state != StateRunning {
			d.mu.Unlock()
			return
		}
		now := d.clock.Now()
		due := d.collectDueLocked(now)
		wait := time.Hour
		if d.queue.Len() > 0 {
			wait = d.queue.peek().next.Sub(now)
		}
		d.mu.Unlock()

		for _, f := range due {
			d.workers.Add(1)
			go d.runJob(f)
		}
		if wait <= 0 {
			continue
		}

		timer := d.clock.NewTimer(wait)
		select {
		case <-d.runCtx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		case id := <-d.wakeCh:
			timer.Stop()
			if id != "" {
				d.forceDue(id)
			}
		}
	}
}

// collectDueLocked pops every job whose fire time has arrived, applying the
// misfire policy. Claimed jobs are marked running before the lock is released,
// which is what keeps per-job concurrency at one.
func (d *Dispatcher) collectDueLocked(now time.Time) []fire {
	var due []fire
	for d.queue.Len() > 0 {
		top := d.queue.peek()
		if top.next.After(now) {
			break
		}
		heap.Pop(&d.queue)
		late := now.Sub(top.next)
		missed := late > top.def.MisfireGrace
		if missed && top.def.Coalesce == CoalesceSkip {
			d.log.Warnw("skipping misfired job",
				"job_id", top.def.ID, "scheduled", top.next, "late", late)
			telemetry.SchedulerMisfires.WithLabelValues(top.def.ID, "skip").Inc()
			top.lastFire = top.next
			top.lastOutcome = OutcomeSkipped
			top.next = skipAhead(top.def.Trigger, top.next, now)
			heap.Push(&d.queue, top)
			continue
		}
		if missed {
			telemetry.SchedulerMisfires.WithLabelValues(top.def.ID, "run-once").Inc()
		}
		top.running = true
		due = append(due, fire{js: top, scheduled: top.next, coalesced: missed})
	}
	return due
}

// forceDue moves an idle job's next fire to now.
func (d *Dispatcher) forceDue(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	js, ok := d.jobs[jobID]
	if !ok {
		d.log.Warnw("wake for unknown job", "job_id", jobID)
		return
	}
	if js.running {
		return
	}
	js.next = d.clock.Now()
	heap.Fix(&d.queue, js.heapIndex)
}

// runJob executes one fire on a worker goroutine, enforcing MaxRuntime and
// the cancel grace, then folds the outcome back into the job state.
func (d *Dispatcher) runJob(f fire) {
	defer d.workers.Done()
	def := f.js.def
	start := d.clock.Now()
	ctx, cancel := context.WithCancel(d.runCtx)
	defer cancel()

	telemetry.SchedulerRunning.Inc()
	defer telemetry.SchedulerRunning.Dec()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- def.Handler(ctx, Run{
			JobID:       def.ID,
			ScheduledAt: f.scheduled,
			StartedAt:   start,
			Logger:      d.log.With("job_id", def.ID),
		})
	}()

	var (
		err     error
		outcome Outcome
	)
	timer := d.clock.NewTimer(def.MaxRuntime)
	select {
	case err = <-done:
		timer.Stop()
		switch {
		case err == nil:
			outcome = OutcomeSuccess
		case errors.Is(err, context.Canceled) && d.runCtx.Err() != nil:
			outcome = OutcomeCancelled
		default:
			outcome = OutcomeFailure
		}
	case <-timer.Chan():
		cancel()
		grace := d.clock.NewTimer(d.cancelGrace)
		select {
		case err = <-done:
			grace.Stop()
		case <-grace.Chan():
			err = fmt.Errorf("handler did not return within cancel grace %s", d.cancelGrace)
			d.log.Errorw("abandoning handler after timeout", "job_id", def.ID, "max_runtime", def.MaxRuntime)
		}
		if err == nil {
			err = fmt.Errorf("handler exceeded max runtime %s", def.MaxRuntime)
		}
		outcome = OutcomeCancelled
	}
	end := d.clock.Now()

	detail := ""
	if err != nil {
		detail = err.Error()
		d.log.Warnw("job fire failed",
			"job_id", def.ID, "scheduled", f.scheduled, "outcome", outcome, "error", err)
	}
	telemetry.SchedulerFires.WithLabelValues(def.ID, string(outcome)).Inc()
	if d.recorder != nil {
		rec := RunRecord{
			JobID:         def.ID,
			ScheduledFire: f.scheduled,
			Started:       start,
			Ended:         end,
			Outcome:       outcome,
			Detail:        detail,
		}
		recCtx, recCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if recErr := d.recorder.RecordRun(recCtx, rec); recErr != nil {
			d.log.Warnw("failed to record run", "job_id", def.ID, "error", recErr)
		}
		recCancel()
	}

	d.mu.Lock()
	f.js.lastFire = f.scheduled
	f.js.lastOutcome = outcome
	f.js.lastErr = detail
	if outcome == OutcomeSuccess {
		f.js.fails = 0
	} else {
		f.js.fails++
	}
	f.js.running = false
	if d.state == StateRunning {
		if f.js.fails >= d.quarThreshold {
			delay := quarantineDelay(d.quarBase, d.quarCap, f.js.fails-d.quarThreshold)
			f.js.next = end.Add(delay)
			telemetry.SchedulerQuarantined.WithLabelValues(def.ID).Set(1)
			d.log.Warnw("job quarantined",
				"job_id", def.ID, "consecutive_failures", f.js.fails, "retry_in", delay)
		} else {
			telemetry.SchedulerQuarantined.WithLabelValues(def.ID).Set(0)
			if f.coalesced {
				f.js.next = skipAhead(def.Trigger, f.scheduled, end)
			} else {
				f.js.next = def.Trigger.Following(f.scheduled, end)
			}
		}
		heap.Push(&d.queue, f.js)
	}
	d.mu.Unlock()
	d.nudge()
}

// nudge wakes the loop without forcing any job.
func (d *Dispatcher) nudge() {
	select {
	case d.wakeCh <- "":
	default:
	}
}

// runningJobs lists jobs still marked running; used when abandoning on stop.
func (d *Dispatcher) runningJobs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for _, id := range d.order {
		if d.jobs[id].running {
			ids = append(ids, id)
		}
	}
	return ids
}

// quarantineDelay doubles from base per failure beyond the threshold, capped.
func quarantineDelay(base, ceiling time.Duration, over int) time.Duration {
	delay := base
	for i := 0; i < over; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

// fireQueue is a min-heap over jobs keyed by next fire time. Only jobs with
// running=false live in the queue.
type fireQueue []*jobState

func (q fireQueue) Len() int            { return len(q) }
func (q fireQueue) Less(i, j int) bool  { return q[i].next.Before(q[j].next) }
func (q fireQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].heapIndex = i; q[j].heapIndex = j }
func (q *fireQueue) Push(x interface{}) { js := x.(*jobState); js.heapIndex = len(*q); *q = append(*q, js) }
func (q *fireQueue) Pop() interface{} {
	old := *q
	n := len(old)
	js := old[n-1]
	old[n-1] = nil
	js.heapIndex = -1
	*q = old[:n-1]
	return js
}
func (q fireQueue) peek() *jobState { return q[0] }
