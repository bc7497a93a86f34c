package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mizan-backend/internal/config"
	"mizan-backend/internal/notify"
	"mizan-backend/internal/ratelimit"
	"mizan-backend/internal/scheduler"
	"mizan-backend/internal/store"
	"mizan-backend/internal/telemetry"
)

// Server wires the ops HTTP surface: health, metrics, scheduler state and
// the notification inbox peek. The CRUD request path of the platform lives
// elsewhere; this is the host wiring around the scheduler.
type Server struct {
	cfg        config.Config
	dispatcher *scheduler.Dispatcher
	store      *store.Store
	sink       *notify.RedisSink
	limiter    *ratelimit.TokenBucket
	log        *zap.SugaredLogger
}

func New(cfg config.Config, d *scheduler.Dispatcher, st *store.Store, sink *notify.RedisSink, limiter *ratelimit.TokenBucket, log *zap.SugaredLogger) *Server {
	return &Server{
		cfg:        cfg,
		dispatcher: d,
		store:      st,
		sink:       sink,
		limiter:    limiter,
		log:        log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":    "ok",
			"scheduler": s.dispatcher.State().String(),
		})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/scheduler/jobs", s.handleJobs)
	r.Post("/scheduler/jobs/{id}/wake", s.handleWake)
	r.Get("/scheduler/runs/{id}", s.handleRuns)
	r.Get("/notifications/{recipient}", s.handleInbox)
	return r
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.dispatcher.Snapshot()})
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}
	id := chi.URLParam(r, "id")
	s.dispatcher.Wake(id)
	s.log.Infow("wake requested", "job_id", id)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "woken", "job_id": id})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.store.RecentRuns(r.Context(), id, limit)
	if err != nil {
		http.Error(w, "failed to read runs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	recipient := chi.URLParam(r, "recipient")
	items, err := s.sink.Inbox(r.Context(), recipient, 50)
	if err != nil {
		http.Error(w, "failed to read inbox", http.StatusInternalServerError)
		return
	}
	msgs := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		msgs = append(msgs, json.RawMessage(it))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Admin-ID"); v != "" {
		return "ops:" + v
	}
	return "ops:" + r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
