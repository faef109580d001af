// Package api exposes the trigger, task, post and subscriber endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/chrislombaard/letterd/internal/apperr"
	"github.com/chrislombaard/letterd/internal/events"
	"github.com/chrislombaard/letterd/internal/metrics"
	"github.com/chrislombaard/letterd/internal/store"
)

// CronAuth decides who may call the tick endpoint. A request is trusted when
// it carries TrustedHeader with any value or ?secret= equal to Secret. An
// empty field disables that check.
type CronAuth struct {
	Secret        string
	TrustedHeader string
}

type Deps struct {
	Store   store.Store
	Ticker  Ticker
	Events  events.Publisher
	Bus     *events.Bus
	Metrics metrics.Sink
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
	Cron           CronAuth
	// DBName is reported by /api/cron/health.
	DBName string
	Now    func() time.Time
	Logger zerolog.Logger
}

type Server struct {
	r       *chi.Mux
	store   store.Store
	ticker  Ticker
	events  events.Publisher
	bus     *events.Bus
	metrics metrics.Sink
	auth    CronAuth
	dbName  string
	now     func() time.Time
	log     zerolog.Logger
}

func NewServer(d Deps) http.Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewNoopSink()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	r.Use(hlog.NewHandler(d.Logger))
	r.Use(requestIDField)
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)

	s := &Server{
		r:       r,
		store:   d.Store,
		ticker:  d.Ticker,
		events:  d.Events,
		bus:     d.Bus,
		metrics: d.Metrics,
		auth:    d.Cron,
		dbName:  d.DBName,
		now:     d.Now,
		log:     d.Logger,
	}

	r.Get("/health", s.health)
	if d.MetricsHandler != nil {
		r.Handle("/metrics", d.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/cron/tick", s.tick)
		r.Post("/cron/tick", s.tick)
		r.Get("/cron/health", s.cronHealth)

		r.Post("/tasks", s.submitTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)

		r.Post("/posts", s.createPost)
		r.Get("/posts", s.listSentPosts)
		r.Get("/posts/scheduled", s.listScheduledPosts)

		r.Post("/subscribers", s.createSubscriber)

		r.Get("/admin/dashboard", s.dashboard)
	})

	return r
}

func requestIDField(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("req_id", id)
			})
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, errorBody("db_unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type errorResponse struct {
	OK      bool     `json:"ok"`
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func errorBody(code string) errorResponse {
	return errorResponse{OK: false, Error: code}
}

// writeError answers with the status apperr maps err to. Validation errors
// expose their code; anything else is reported generically.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	var ve *apperr.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, status, errorBody(ve.Code))
		return
	case status == http.StatusNotFound:
		writeJSON(w, status, errorBody("not_found"))
		return
	}
	hlog.FromRequest(r).Error().Err(err).Msg("request failed")
	writeJSON(w, status, errorBody("internal_error"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
