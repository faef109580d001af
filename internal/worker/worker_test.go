package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrislombaard/letterd/internal/domain"
	"github.com/chrislombaard/letterd/internal/metrics"
	"github.com/chrislombaard/letterd/internal/store/memory"
)

var t0 = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newProcessor(t *testing.T, reg *Registry, cfg Config) (*Processor, *memory.Store, *clock) {
	t.Helper()
	c := &clock{now: t0}
	cfg.Now = c.Now
	s := memory.New()
	return NewProcessor(s, reg, cfg, nil, zerolog.Nop()), s, c
}

func enqueue(t *testing.T, s *memory.Store, typ TaskType, runAt time.Time) domain.Task {
	t.Helper()
	task, err := s.CreateTask(context.Background(), domain.Task{
		Type:      string(typ),
		Payload:   json.RawMessage(`{}`),
		RunAt:     runAt,
		CreatedAt: runAt,
	})
	require.NoError(t, err)
	return task
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := HandlerFunc(func(context.Context, json.RawMessage) error { return nil })

	require.NoError(t, r.Register(TypeDemoFail, noop))
	require.NoError(t, r.Register(TypeDemoCleanup, noop))
	assert.ErrorIs(t, r.Register(TypeDemoFail, noop), ErrDuplicateHandler)
	assert.ErrorIs(t, r.Register("shell", noop), ErrUnknownType)
	assert.Error(t, r.Register(TypeEmailSend, nil))
	assert.Panics(t, func() { r.MustRegister("shell", noop) })

	assert.Equal(t, []TaskType{TypeDemoCleanup, TypeDemoFail}, r.Types())
	_, ok := r.Lookup("demo.cleanup")
	assert.True(t, ok)
	_, ok = r.Lookup("email.send")
	assert.False(t, ok)
}

func TestProcessSuccess(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(TypeDemoCleanup, HandlerFunc(func(context.Context, json.RawMessage) error { return nil }))
	p, s, _ := newProcessor(t, reg, Config{})
	task := enqueue(t, s, TypeDemoCleanup, t0)

	assert.True(t, p.Process(context.Background(), task))

	got, err := s.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskDone, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestProcessAlwaysFailingExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	reg := NewRegistry()
	reg.MustRegister(TypeDemoFail, HandlerFunc(func(context.Context, json.RawMessage) error {
		calls.Add(1)
		return errors.New("nope")
	}))
	p, s, c := newProcessor(t, reg, Config{})
	ctx := context.Background()
	task := enqueue(t, s, TypeDemoFail, t0)

	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		assert.False(t, p.Process(ctx, task))
		got, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, got.Attempts)

		if attempt < DefaultMaxAttempts {
			assert.Equal(t, domain.TaskPending, got.Status)
			assert.Equal(t, c.Now().Add(time.Duration(attempt)*5*time.Minute), got.RunAt)
			require.NotNil(t, got.LastError)
			assert.Contains(t, *got.LastError, "nope")
			c.Set(got.RunAt)
			continue
		}
		assert.Equal(t, domain.TaskFailed, got.Status)
	}

	// A failed task is terminal.
	assert.False(t, p.Process(ctx, task))
	assert.Equal(t, int32(DefaultMaxAttempts), calls.Load())

	attempts, err := s.ListAttempts(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, DefaultMaxAttempts)
}

func TestProcessSucceedsOnThirdAttempt(t *testing.T) {
	var calls atomic.Int32
	reg := NewRegistry()
	reg.MustRegister(TypeDemoCleanup, HandlerFunc(func(context.Context, json.RawMessage) error {
		if calls.Add(1) < 3 {
			return errors.New("flaky")
		}
		return nil
	}))
	p, s, c := newProcessor(t, reg, Config{})
	ctx := context.Background()
	task := enqueue(t, s, TypeDemoCleanup, t0)

	for i := 0; i < 2; i++ {
		assert.False(t, p.Process(ctx, task))
		got, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		c.Set(got.RunAt)
	}
	assert.True(t, p.Process(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskDone, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Nil(t, got.LastError)
}

func TestProcessUnknownTypeIsAFailure(t *testing.T) {
	p, s, _ := newProcessor(t, NewRegistry(), Config{MaxAttempts: 1})
	ctx := context.Background()
	task := enqueue(t, s, "newsletter.digest", t0)

	assert.False(t, p.Process(ctx, task))
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "no handler registered")
}

type recordingSink struct {
	metrics.NoopSink
	mu    sync.Mutex
	types []string
}

func (s *recordingSink) TaskFinished(taskType, _ string, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types = append(s.types, taskType)
}

func TestProcessBoundsMetricTypeLabel(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(TypeDemoCleanup, HandlerFunc(func(context.Context, json.RawMessage) error { return nil }))
	sink := &recordingSink{}
	s := memory.New()
	p := NewProcessor(s, reg, Config{MaxAttempts: 1, Now: func() time.Time { return t0 }}, sink, zerolog.Nop())
	ctx := context.Background()

	assert.True(t, p.Process(ctx, enqueue(t, s, TypeDemoCleanup, t0)))
	assert.False(t, p.Process(ctx, enqueue(t, s, "user.supplied.7f3a", t0)))
	assert.Equal(t, []string{"demo.cleanup", "unknown"}, sink.types)
}

func TestStaleSnapshotDoesNotBypassBackoff(t *testing.T) {
	var calls atomic.Int32
	reg := NewRegistry()
	reg.MustRegister(TypeDemoFail, HandlerFunc(func(context.Context, json.RawMessage) error {
		calls.Add(1)
		return errors.New("nope")
	}))
	p, s, _ := newProcessor(t, reg, Config{})
	ctx := context.Background()
	enqueue(t, s, TypeDemoFail, t0)

	first, err := s.ListDueTasks(ctx, t0, 25)
	require.NoError(t, err)
	second, err := s.ListDueTasks(ctx, t0, 25)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Len(t, second, 1)

	assert.False(t, p.Process(ctx, first[0]))
	assert.False(t, p.Process(ctx, second[0]))
	assert.Equal(t, int32(1), calls.Load())

	got, err := s.GetTask(ctx, first[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, got.RunAt.Equal(t0.Add(5*time.Minute)))
}

func TestProcessRecoversPanics(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(TypeDemoFail, HandlerFunc(func(context.Context, json.RawMessage) error {
		panic("kaboom")
	}))
	p, s, _ := newProcessor(t, reg, Config{})
	ctx := context.Background()
	task := enqueue(t, s, TypeDemoFail, t0)

	assert.NotPanics(t, func() { assert.False(t, p.Process(ctx, task)) })
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "kaboom")
}

func TestProcessAppliesTaskTimeout(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(TypeDemoCleanup, HandlerFunc(func(ctx context.Context, _ json.RawMessage) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	p, s, _ := newProcessor(t, reg, Config{TaskTimeout: 10 * time.Millisecond})
	ctx := context.Background()
	task := enqueue(t, s, TypeDemoCleanup, t0)

	assert.False(t, p.Process(ctx, task))
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "deadline exceeded")
}

func TestConcurrentProcessRunsHandlerOnce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	reg := NewRegistry()
	reg.MustRegister(TypeDemoCleanup, HandlerFunc(func(context.Context, json.RawMessage) error {
		calls.Add(1)
		<-release
		return nil
	}))
	p, s, _ := newProcessor(t, reg, Config{})
	task := enqueue(t, s, TypeDemoCleanup, t0)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.Process(context.Background(), task) {
				wins.Add(1)
			}
		}()
	}
	// The loser returns without blocking; the winner waits for release.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), wins.Load())
}

func TestRunDueTasks(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(TypeDemoCleanup, HandlerFunc(func(context.Context, json.RawMessage) error { return nil }))
	reg.MustRegister(TypeDemoFail, HandlerFunc(func(context.Context, json.RawMessage) error { return errors.New("nope") }))
	p, s, _ := newProcessor(t, reg, Config{MaxAttempts: 1})
	sw := NewSweeper(s, p, SweepConfig{Concurrency: 2}, nil, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		enqueue(t, s, TypeDemoCleanup, t0.Add(-time.Duration(i)*time.Minute))
	}
	enqueue(t, s, TypeDemoFail, t0)
	enqueue(t, s, TypeDemoCleanup, t0.Add(time.Hour))

	res, err := sw.RunDueTasks(ctx, 25)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Picked: 4, Processed: 3, Pending: 1, Failed: 1}, res)

	res, err = sw.RunDueTasks(ctx, 25)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Picked: 0, Processed: 0, Pending: 1, Failed: 1}, res)
}

func TestRunDueTasksRespectsLimit(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(TypeDemoCleanup, HandlerFunc(func(context.Context, json.RawMessage) error { return nil }))
	p, s, _ := newProcessor(t, reg, Config{})
	sw := NewSweeper(s, p, SweepConfig{}, nil, zerolog.Nop())

	for i := 0; i < 5; i++ {
		enqueue(t, s, TypeDemoCleanup, t0)
	}
	res, err := sw.RunDueTasks(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Picked)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 3, res.Pending)
}

func TestRunDueTasksRecoversStale(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(TypeDemoCleanup, HandlerFunc(func(context.Context, json.RawMessage) error { return nil }))
	p, s, c := newProcessor(t, reg, Config{})
	sw := NewSweeper(s, p, SweepConfig{StaleAfter: 15 * time.Minute}, nil, zerolog.Nop())
	ctx := context.Background()

	task := enqueue(t, s, TypeDemoCleanup, t0)
	_, err := s.ClaimTask(ctx, task.ID, t0)
	require.NoError(t, err)

	c.Set(t0.Add(time.Hour))
	res, err := sw.RunDueTasks(ctx, 25)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Picked)
	assert.Equal(t, 1, res.Processed)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskDone, got.Status)
	assert.Equal(t, 2, got.Attempts)
}

func TestPoolStopsDispatchingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran atomic.Int32
	NewPool(1).Each(ctx, make([]domain.Task, 3), func(context.Context, domain.Task) { ran.Add(1) })
	assert.Equal(t, int32(0), ran.Load())
}
