package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SchedulerFires = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scheduler_fires_total", Help: "Job fires by terminal outcome"},
		[]string{"job", "outcome"},
	)
	SchedulerMisfires = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scheduler_misfires_total", Help: "Fires that missed their slot beyond the grace"},
		[]string{"job", "policy"},
	)
	SchedulerQuarantined = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "scheduler_job_quarantined", Help: "1 when a job is in quarantine backoff"},
		[]string{"job"},
	)
	SchedulerRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "scheduler_running_jobs", Help: "Handlers currently executing"},
	)
	SchedulerWakes = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "scheduler_wakes_total", Help: "External wake nudges accepted"},
	)
	NotificationsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notifications_emitted_total", Help: "Sink emits by outcome"},
		[]string{"outcome"},
	)
	NotificationsDeduped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "notifications_deduplicated_total", Help: "Emits suppressed by an existing de-dup key"},
	)
	RateLimitRejects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "ops_rate_limit_rejects_total", Help: "Ops API requests rejected by the rate limiter"},
	)
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SchedulerFires,
			SchedulerMisfires,
			SchedulerQuarantined,
			SchedulerRunning,
			SchedulerWakes,
			NotificationsEmitted,
			NotificationsDeduped,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
