package scheduler

import (
	"fmt"
	"time"

	cronv3 "github.com/robfig/cron/v3"
)

// Trigger decides when a job fires.
//
// First yields the initial fire time once the dispatcher starts. Following
// yields the fire that succeeds a completed run; triggers differ in which
// reference they derive it from (the scheduled fire for intervals, the
// completion time for fixed delays, the current wall time for cron).
type Trigger interface {
	First(now time.Time) time.Time
	Following(scheduled, completed time.Time) time.Time
	Validate() error
	String() string
}

// Cron fires at wall times matching a five-field cron expression, evaluated
// in a fixed IANA time zone (UTC when empty). Local times skipped by a DST
// transition do not fire; ambiguous local times fire at the first occurrence.
type Cron struct {
	Expr     string
	Timezone string

	sched cronv3.Schedule
}

// NewCron builds a cron trigger. Validation is deferred to Validate so
// registration can surface the error with the job id attached.
func NewCron(expr, timezone string) *Cron {
	return &Cron{Expr: expr, Timezone: timezone}
}

func (c *Cron) Validate() error {
	tz := c.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", ErrInvalidTrigger, tz)
	}
	sched, err := cronv3.ParseStandard("CRON_TZ=" + tz + " " + c.Expr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}
	c.sched = sched
	return nil
}

func (c *Cron) First(now time.Time) time.Time {
	return c.sched.Next(now)
}

func (c *Cron) Following(scheduled, completed time.Time) time.Time {
	next := c.sched.Next(completed)
	// A fall-back DST transition replays an hour, so a slot inside it comes
	// around twice; the repeat at the second offset must not fire.
	if repeatsWallClock(scheduled, next) {
		next = c.sched.Next(next)
	}
	return next
}

// repeatsWallClock reports whether next lands on the same local wall-clock
// reading as prev but at a different UTC offset.
func repeatsWallClock(prev, next time.Time) bool {
	if !next.After(prev) {
		return false
	}
	prev = prev.In(next.Location())
	_, prevOff := prev.Zone()
	_, nextOff := next.Zone()
	if prevOff == nextOff {
		return false
	}
	py, pm, pd := prev.Date()
	ny, nm, nd := next.Date()
	ph, pmin, ps := prev.Clock()
	nh, nmin, ns := next.Clock()
	return py == ny && pm == nm && pd == nd && ph == nh && pmin == nmin && ps == ns
}

func (c *Cron) String() string {
	tz := c.Timezone
	if tz == "" {
		tz = "UTC"
	}
	return fmt.Sprintf("cron(%s %s)", c.Expr, tz)
}

// Interval fires every Every, anchored to the scheduled fire times so that
// handler runtime does not drift the cadence. StartAt, when set, anchors the
// first fire at StartAt+Every instead of now+Every.
type Interval struct {
	Every   time.Duration
	StartAt time.Time
}

func NewInterval(every time.Duration) *Interval {
	return &Interval{Every: every}
}

func (iv *Interval) Validate() error {
	if iv.Every <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidTrigger, iv.Every)
	}
	return nil
}

func (iv *Interval) First(now time.Time) time.Time {
	base := now
	if !iv.StartAt.IsZero() {
		base = iv.StartAt
	}
	return base.Add(iv.Every)
}

func (iv *Interval) Following(scheduled, _ time.Time) time.Time {
	return scheduled.Add(iv.Every)
}

func (iv *Interval) String() string {
	return fmt.Sprintf("every(%s)", iv.Every)
}

// FixedDelay fires Delay after the previous run completed, so a slow handler
// stretches the cadence instead of stacking fires.
type FixedDelay struct {
	Delay time.Duration
}

func NewFixedDelay(delay time.Duration) *FixedDelay {
	return &FixedDelay{Delay: delay}
}

func (fd *FixedDelay) Validate() error {
	if fd.Delay <= 0 {
		return fmt.Errorf("%w: delay must be positive, got %s", ErrInvalidTrigger, fd.Delay)
	}
	return nil
}

func (fd *FixedDelay) First(now time.Time) time.Time {
	return now.Add(fd.Delay)
}

func (fd *FixedDelay) Following(_, completed time.Time) time.Time {
	return completed.Add(fd.Delay)
}

func (fd *FixedDelay) String() string {
	return fmt.Sprintf("fixed-delay(%s)", fd.Delay)
}

// skipAhead advances a fire time past now, collapsing any missed slots.
func skipAhead(tr Trigger, from, now time.Time) time.Time {
	next := from
	for !next.After(now) {
		next = tr.Following(next, now)
	}
	return next
}
