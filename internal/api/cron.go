package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/chrislombaard/letterd/internal/metrics"
	"github.com/chrislombaard/letterd/internal/publish"
	"github.com/chrislombaard/letterd/internal/scheduler"
	"github.com/chrislombaard/letterd/internal/store"
)

// Ticker runs one trigger invocation.
type Ticker interface {
	Run(ctx context.Context, now time.Time) (scheduler.TickResult, error)
}

type tickResponse struct {
	OK             bool           `json:"ok"`
	Ran            bool           `json:"ran"`
	Window         string         `json:"window"`
	PublishedPosts publish.Result `json:"publishedPosts"`
	Picked         int            `json:"picked"`
	Processed      int            `json:"processed"`
	Pending        int            `json:"pending"`
	Failed         int            `json:"failed"`
}

type skippedResponse struct {
	OK      bool   `json:"ok"`
	Skipped bool   `json:"skipped"`
	Window  string `json:"window"`
}

func (s *Server) authorized(r *http.Request) bool {
	if s.auth.TrustedHeader != "" && r.Header.Get(s.auth.TrustedHeader) != "" {
		return true
	}
	if s.auth.Secret == "" {
		return false
	}
	given := r.URL.Query().Get("secret")
	return subtle.ConstantTimeCompare([]byte(given), []byte(s.auth.Secret)) == 1
}

func (s *Server) tick(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.metrics.TickCompleted(metrics.TickUnauthorized, 0)
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
		return
	}

	res, err := s.ticker.Run(r.Context(), s.now())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("window", res.Window).Msg("tick failed")
		var se *scheduler.StageError
		if errors.As(err, &se) && se.Stage == scheduler.StageClaim {
			writeJSON(w, http.StatusInternalServerError, errorBody("insert_failed"))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorBody("tick_failed"))
		return
	}

	if res.Skipped {
		writeJSON(w, http.StatusOK, skippedResponse{OK: true, Skipped: true, Window: res.Window})
		return
	}
	writeJSON(w, http.StatusOK, tickResponse{
		OK:             true,
		Ran:            true,
		Window:         res.Window,
		PublishedPosts: res.Published,
		Picked:         res.Sweep.Picked,
		Processed:      res.Sweep.Processed,
		Pending:        res.Sweep.Pending,
		Failed:         res.Sweep.Failed,
	})
}

type cronHealthResponse struct {
	DB      string     `json:"db"`
	Total   int        `json:"total"`
	LastKey *string    `json:"lastKey"`
	LastAt  *time.Time `json:"lastAt"`
}

func (s *Server) cronHealth(w http.ResponseWriter, r *http.Request) {
	last, total, err := s.store.LatestCronExecution(r.Context())
	resp := cronHealthResponse{DB: s.dbName, Total: total}
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		writeError(w, r, err)
		return
	default:
		resp.LastKey = &last.Key
		resp.LastAt = &last.CreatedAt
	}
	writeJSON(w, http.StatusOK, resp)
}
