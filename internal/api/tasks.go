package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/chrislombaard/letterd/internal/apperr"
	"github.com/chrislombaard/letterd/internal/domain"
	"github.com/chrislombaard/letterd/internal/events"
	"github.com/chrislombaard/letterd/internal/store"
)

type submitReq struct {
	Type    any             `json:"type"`
	Payload json.RawMessage `json:"payload"`
	RunAt   json.RawMessage `json:"runAt"`
}

type submitResp struct {
	OK bool   `json:"ok"`
	ID string `json:"id"`
}

// Epoch milliseconds of 0001-01-01T00:00:00Z and 9999-12-31T23:59:59.999Z.
const (
	minRunAtMillis = -62135596800000
	maxRunAtMillis = 253402300799999
)

// parseRunAt accepts an RFC 3339 string or epoch milliseconds. Absent, null,
// "" and 0 mean "now".
func parseRunAt(raw json.RawMessage, now time.Time) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return now, nil
	}
	invalid := apperr.Validation("invalid_runAt", "")

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, invalid
		}
		if s == "" {
			return now, nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, invalid
		}
		return t.UTC(), nil
	}

	var ms json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&ms); err != nil {
		return time.Time{}, invalid
	}
	n, err := ms.Int64()
	if err != nil {
		return time.Time{}, invalid
	}
	if n == 0 {
		return now, nil
	}
	if n < minRunAtMillis || n > maxRunAtMillis {
		return time.Time{}, invalid
	}
	return time.UnixMilli(n).UTC(), nil
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_json"))
		return
	}
	typ, _ := req.Type.(string)
	if typ == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("type_required"))
		return
	}
	now := s.now().UTC()
	runAt, err := parseRunAt(req.RunAt, now)
	if err != nil {
		writeError(w, r, err)
		return
	}

	task, err := s.store.CreateTask(r.Context(), domain.Task{
		Type:      typ,
		Payload:   req.Payload,
		Status:    domain.TaskPending,
		RunAt:     runAt,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("task_id", task.ID).Str("task_type", task.Type).Msg("task submitted")

	if s.events != nil {
		e := events.New(events.TaskSubmitted, events.TaskSubmittedPayload{TaskID: task.ID, Type: task.Type, RunAt: task.RunAt})
		if err := s.events.Publish(r.Context(), e); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("publish task event")
		}
	}
	writeJSON(w, http.StatusCreated, submitResp{OK: true, ID: task.ID})
}

type listTasksResp struct {
	OK    bool          `json:"ok"`
	Count int           `json:"count"`
	Tasks []domain.Task `json:"tasks"`
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{}
	if v := q.Get("status"); v != "" {
		status := domain.TaskStatus(v)
		if !status.Valid() {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid_status"))
			return
		}
		filter.Status = status
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid_limit"))
			return
		}
		filter.Limit = n
	}
	filter.Limit = store.ClampLimit(filter.Limit)

	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, listTasksResp{OK: true, Count: len(tasks), Tasks: tasks})
}

type taskDetail struct {
	domain.Task
	AttemptLog []domain.TaskAttempt `json:"attemptLog"`
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	attempts, err := s.store.ListAttempts(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []domain.TaskAttempt{}
	}
	writeJSON(w, http.StatusOK, taskDetail{Task: task, AttemptLog: attempts})
}
