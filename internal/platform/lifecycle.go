// Package platform assembles the host process: database, notification sink,
// dispatcher and job registrations, plus ordered startup and shutdown.
package platform

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mizan-backend/internal/config"
	"mizan-backend/internal/jobs"
	"mizan-backend/internal/notify"
	"mizan-backend/internal/ratelimit"
	"mizan-backend/internal/report"
	"mizan-backend/internal/scheduler"
	"mizan-backend/internal/store"
)

// Job ids as they appear in snapshots, audit rows and metrics.
const (
	JobSubscriptionCheck    = "daily_subscription_check"
	JobAgendaReminders      = "agenda_reminder_sweep"
	JobConsultationReminder = "consultation_reminder_sweep"
	JobConsultationExpiry   = "expired_consultation_cancellation"
	JobWeeklyReport         = "weekly_report_export"
)

// App owns every long-lived component of the host process.
type App struct {
	Cfg        config.Config
	Log        *zap.SugaredLogger
	Store      *store.Store
	Redis      *redis.Client
	Sink       *notify.RedisSink
	OpsLimiter *ratelimit.TokenBucket
	Dispatcher *scheduler.Dispatcher
	Clock      clockwork.Clock
}

// New builds and wires the application. The dispatcher is left in its
// configuring state; Start launches it.
func New(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (*App, error) {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	clock := clockwork.NewRealClock()
	notifyThrottle := ratelimit.NewTokenBucket(rdb, "notify:rl:", cfg.NotifyBurst, cfg.NotifyPerSecond, cfg.RateLimitStateTTL)
	sink := notify.NewRedisSink(rdb, notifyThrottle, cfg.NotifyDedupTTL, clock, log)
	opsLimiter := ratelimit.NewTokenBucket(rdb, "ops:rl:", cfg.OpsRateBurst, cfg.OpsRatePerSecond, cfg.RateLimitStateTTL)

	d := scheduler.NewDispatcher(scheduler.Options{
		Clock:               clock,
		Logger:              log,
		CancelGrace:         cfg.CancelGrace,
		QuarantineThreshold: cfg.QuarantineThreshold,
		QuarantineBase:      cfg.QuarantineBase,
		QuarantineCap:       cfg.QuarantineCap,
		Recorder:            st,
	})

	app := &App{
		Cfg:        cfg,
		Log:        log,
		Store:      st,
		Redis:      rdb,
		Sink:       sink,
		OpsLimiter: opsLimiter,
		Dispatcher: d,
		Clock:      clock,
	}
	if err := app.registerJobs(ctx); err != nil {
		st.Close()
		_ = rdb.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) registerJobs(ctx context.Context) error {
	coalesce, err := scheduler.ParseCoalescePolicy(a.Cfg.CoalescePolicy)
	if err != nil {
		return fmt.Errorf("scheduler config: %w", err)
	}

	exporter, err := report.NewExporter(ctx, a.Cfg, a.Store, a.Clock)
	if err != nil {
		return fmt.Errorf("report exporter: %w", err)
	}

	defs := []scheduler.Definition{
		{
			ID:           JobSubscriptionCheck,
			Trigger:      scheduler.NewCron(a.Cfg.SubscriptionCheckCron, a.Cfg.SchedulerTimezone),
			Handler:      jobs.NewSubscriptionJob(a.Store, a.Sink, a.Clock).Run,
			MaxRuntime:   a.Cfg.SubscriptionMaxRuntime,
			MisfireGrace: a.Cfg.MisfireGrace,
			Coalesce:     coalesce,
		},
		{
			ID:           JobAgendaReminders,
			Trigger:      scheduler.NewInterval(a.Cfg.SweepInterval),
			Handler:      jobs.NewAgendaJob(a.Store, a.Sink, a.Clock, a.Cfg.ReminderLookahead).Run,
			MaxRuntime:   a.Cfg.SweepMaxRuntime,
			MisfireGrace: a.Cfg.MisfireGrace,
			Coalesce:     coalesce,
		},
		{
			ID:           JobConsultationReminder,
			Trigger:      scheduler.NewInterval(a.Cfg.SweepInterval),
			Handler:      jobs.NewConsultationReminderJob(a.Store, a.Sink, a.Clock, a.Cfg.ReminderLookahead).Run,
			MaxRuntime:   a.Cfg.SweepMaxRuntime,
			MisfireGrace: a.Cfg.MisfireGrace,
			Coalesce:     coalesce,
		},
		{
			ID:           JobConsultationExpiry,
			Trigger:      scheduler.NewInterval(a.Cfg.ExpirySweepInterval),
			Handler:      jobs.NewConsultationExpiryJob(a.Store, a.Clock, a.Cfg.NoShowGrace).Run,
			MaxRuntime:   a.Cfg.SweepMaxRuntime,
			MisfireGrace: a.Cfg.MisfireGrace,
			Coalesce:     coalesce,
		},
		{
			ID:           JobWeeklyReport,
			Trigger:      scheduler.NewCron(a.Cfg.ReportCron, a.Cfg.SchedulerTimezone),
			Handler:      exporter.Run,
			MaxRuntime:   a.Cfg.ReportMaxRuntime,
			MisfireGrace: a.Cfg.MisfireGrace,
			Coalesce:     coalesce,
		},
	}
	for _, def := range defs {
		if err := a.Dispatcher.Register(def); err != nil {
			return fmt.Errorf("register job: %w", err)
		}
	}
	return nil
}

// Start launches the dispatcher loop.
func (a *App) Start() error {
	return a.Dispatcher.Start()
}

// Stop drains the dispatcher within the configured grace, then releases
// shared resources. Errors from cancellation are logged; Stop resolves
// regardless.
func (a *App) Stop() {
	if err := a.Dispatcher.Stop(a.Cfg.ShutdownGrace); err != nil {
		a.Log.Warnw("dispatcher stop", "error", err)
	}
	if err := a.Redis.Close(); err != nil {
		a.Log.Warnw("redis close", "error", err)
	}
	a.Store.Close()
}
