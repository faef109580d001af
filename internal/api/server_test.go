package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrislombaard/letterd/internal/domain"
	"github.com/chrislombaard/letterd/internal/events"
	"github.com/chrislombaard/letterd/internal/publish"
	"github.com/chrislombaard/letterd/internal/scheduler"
	"github.com/chrislombaard/letterd/internal/store/memory"
	"github.com/chrislombaard/letterd/internal/worker"
)

var now = time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC)

type fakeTicker struct {
	calls int
	res   scheduler.TickResult
	err   error
}

func (f *fakeTicker) Run(context.Context, time.Time) (scheduler.TickResult, error) {
	f.calls++
	return f.res, f.err
}

type testServer struct {
	h      http.Handler
	store  *memory.Store
	ticker *fakeTicker
	bus    *events.Bus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{store: memory.New(), ticker: &fakeTicker{}, bus: events.NewBus()}
	ts.h = NewServer(Deps{
		Store:  ts.store,
		Ticker: ts.ticker,
		Events: ts.bus,
		Bus:    ts.bus,
		Cron:   CronAuth{Secret: "s3cret", TrustedHeader: "X-Vercel-Cron"},
		DBName: "memory",
		Now:    func() time.Time { return now },
		Logger: zerolog.Nop(),
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, target, body string, header ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestTickRequiresAuthorization(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodGet, "/api/cron/tick", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "unauthorized", body["error"])

	rec, _ = ts.do(t, http.MethodGet, "/api/cron/tick?secret=wrong", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, ts.ticker.calls)

	rec, _ = ts.do(t, http.MethodGet, "/api/cron/tick?secret=s3cret", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = ts.do(t, http.MethodPost, "/api/cron/tick", "", "X-Vercel-Cron", "1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, ts.ticker.calls)
}

func TestTickResponses(t *testing.T) {
	ts := newTestServer(t)
	ts.ticker.res = scheduler.TickResult{
		Window:    "tick:2025-01-01T10:00:00Z",
		Published: publish.Result{PostsProcessed: 1, Deliveries: 3},
		Sweep:     worker.SweepResult{Picked: 3, Processed: 3},
	}

	rec, body := ts.do(t, http.MethodGet, "/api/cron/tick?secret=s3cret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ran"])
	assert.Equal(t, "tick:2025-01-01T10:00:00Z", body["window"])
	assert.Equal(t, map[string]any{"postsProcessed": 1.0, "deliveries": 3.0}, body["publishedPosts"])
	assert.Equal(t, 3.0, body["processed"])

	ts.ticker.res = scheduler.TickResult{Window: "tick:2025-01-01T10:00:00Z", Skipped: true}
	_, body = ts.do(t, http.MethodGet, "/api/cron/tick?secret=s3cret", "")
	assert.Equal(t, true, body["skipped"])
	assert.NotContains(t, body, "ran")

	ts.ticker.err = &scheduler.StageError{Stage: scheduler.StageClaim, Err: errors.New("db down")}
	rec, body = ts.do(t, http.MethodGet, "/api/cron/tick?secret=s3cret", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "insert_failed", body["error"])

	ts.ticker.err = &scheduler.StageError{Stage: scheduler.StagePublish, Err: errors.New("db down")}
	rec, body = ts.do(t, http.MethodGet, "/api/cron/tick?secret=s3cret", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "tick_failed", body["error"])
}

func TestCronHealth(t *testing.T) {
	ts := newTestServer(t)

	_, body := ts.do(t, http.MethodGet, "/api/cron/health", "")
	assert.Equal(t, "memory", body["db"])
	assert.Equal(t, 0.0, body["total"])
	assert.Nil(t, body["lastKey"])

	require.NoError(t, ts.store.InsertCronExecution(context.Background(), "tick:2025-01-01T10:00:00Z", now))
	_, body = ts.do(t, http.MethodGet, "/api/cron/health", "")
	assert.Equal(t, 1.0, body["total"])
	assert.Equal(t, "tick:2025-01-01T10:00:00Z", body["lastKey"])
}

func TestSubmitTask(t *testing.T) {
	ts := newTestServer(t)
	submitted, unsubscribe := ts.bus.Subscribe(4)
	defer unsubscribe()

	tests := []struct {
		name   string
		body   string
		status int
		err    string
		runAt  time.Time
	}{
		{"invalid json", `{"type":`, http.StatusBadRequest, "invalid_json", time.Time{}},
		{"missing type", `{"payload":{}}`, http.StatusBadRequest, "type_required", time.Time{}},
		{"non-string type", `{"type":7}`, http.StatusBadRequest, "type_required", time.Time{}},
		{"bad runAt", `{"type":"demo.cleanup","runAt":"tomorrow"}`, http.StatusBadRequest, "invalid_runAt", time.Time{}},
		{"defaults to now", `{"type":"demo.cleanup"}`, http.StatusCreated, "", now},
		{"rfc3339", `{"type":"demo.cleanup","runAt":"2025-01-02T08:00:00+02:00"}`, http.StatusCreated, "", time.Date(2025, 1, 2, 6, 0, 0, 0, time.UTC)},
		{"epoch ms", `{"type":"demo.cleanup","runAt":1735725600000}`, http.StatusCreated, "", time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)},
		{"epoch out of range", `{"type":"demo.cleanup","runAt":1e20}`, http.StatusBadRequest, "invalid_runAt", time.Time{}},
		{"fractional epoch", `{"type":"demo.cleanup","runAt":1735725600000.5}`, http.StatusBadRequest, "invalid_runAt", time.Time{}},
		{"epoch past year 9999", `{"type":"demo.cleanup","runAt":253402300800000}`, http.StatusBadRequest, "invalid_runAt", time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := ts.do(t, http.MethodPost, "/api/tasks", tt.body)
			require.Equal(t, tt.status, rec.Code)
			if tt.err != "" {
				assert.Equal(t, tt.err, body["error"])
				return
			}
			assert.Equal(t, true, body["ok"])
			id, _ := body["id"].(string)
			task, err := ts.store.GetTask(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, domain.TaskPending, task.Status)
			assert.Zero(t, task.Attempts)
			assert.True(t, task.RunAt.Equal(tt.runAt), "runAt %s", task.RunAt)

			e := <-submitted
			assert.Equal(t, "task.submitted", e.Type)
		})
	}
}

func TestListAndGetTasks(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := ts.store.CreateTask(ctx, domain.Task{
			Type:      "demo.cleanup",
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	rec, body := ts.do(t, http.MethodGet, "/api/tasks?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.0, body["count"])
	tasks := body["tasks"].([]any)
	first := tasks[0].(map[string]any)
	assert.Equal(t, now.Add(2*time.Minute).Format(time.RFC3339), first["createdAt"])

	rec, body = ts.do(t, http.MethodGet, "/api/tasks?status=done", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.0, body["count"])

	rec, body = ts.do(t, http.MethodGet, "/api/tasks?status=sleeping", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_status", body["error"])

	rec, _ = ts.do(t, http.MethodGet, "/api/tasks?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	id := first["id"].(string)
	rec, body = ts.do(t, http.MethodGet, "/api/tasks/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, body["id"])
	assert.Equal(t, []any{}, body["attemptLog"])

	rec, body = ts.do(t, http.MethodGet, "/api/tasks/tsk_missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body["error"])
}

func TestPosts(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodPost, "/api/posts", `{"title":"Hi","subject":"Hi","bodyHtml":"<p>x</p>"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "DRAFT", body["status"])

	rec, body = ts.do(t, http.MethodPost, "/api/posts",
		`{"title":"Later","subject":"Later","bodyHtml":"<p>y</p>","scheduledAt":"2025-01-01T12:00:00Z"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "SCHEDULED", body["status"])

	rec, body = ts.do(t, http.MethodPost, "/api/posts", `{"title":"","subject":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_post", body["error"])
	assert.ElementsMatch(t, []any{"title", "bodyHtml"}, body["details"])

	req := httptest.NewRequest(http.MethodGet, "/api/posts/scheduled", nil)
	rr := httptest.NewRecorder()
	ts.h.ServeHTTP(rr, req)
	var scheduled []domain.Post
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &scheduled))
	require.Len(t, scheduled, 1)
	assert.Equal(t, "Later", scheduled[0].Title)

	req = httptest.NewRequest(http.MethodGet, "/api/posts", nil)
	rr = httptest.NewRecorder()
	ts.h.ServeHTTP(rr, req)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestSubscribers(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodPost, "/api/subscribers", `{"email":"ada@example.com"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "ACTIVE", body["status"])

	rec, body = ts.do(t, http.MethodPost, "/api/subscribers", `{"email":"ada@example.com"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_subscribed", body["error"])

	rec, body = ts.do(t, http.MethodPost, "/api/subscribers", `{"email":"not-an-email"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_email", body["error"])
}

func TestDashboard(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	_, err := ts.store.CreateSubscriber(ctx, domain.Subscriber{Email: "a@example.com"})
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		_, err := ts.store.CreateTask(ctx, domain.Task{Type: "demo.cleanup"})
		require.NoError(t, err)
	}
	require.NoError(t, ts.bus.Publish(ctx, events.New(events.TickCompleted, nil)))

	rec, body := ts.do(t, http.MethodGet, "/api/admin/dashboard", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["recentTasks"], 5)
	assert.Equal(t, map[string]any{"ACTIVE": 1.0}, body["subscribers"])
	assert.Contains(t, body["lastEvents"], "tick.completed")
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec, body := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])

	rec, _ = ts.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
