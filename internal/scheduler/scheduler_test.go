package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrislombaard/letterd/internal/domain"
	"github.com/chrislombaard/letterd/internal/events"
	"github.com/chrislombaard/letterd/internal/handlers/email"
	"github.com/chrislombaard/letterd/internal/mail"
	"github.com/chrislombaard/letterd/internal/publish"
	"github.com/chrislombaard/letterd/internal/store"
	"github.com/chrislombaard/letterd/internal/store/memory"
	"github.com/chrislombaard/letterd/internal/window"
	"github.com/chrislombaard/letterd/internal/worker"
)

var t0 = time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC)

func newPipeline(t *testing.T, s *memory.Store, sender mail.Sender, pub events.Publisher) *Pipeline {
	t.Helper()
	logger := zerolog.Nop()
	reg := worker.NewRegistry()
	reg.MustRegister(worker.TypeEmailSend, email.New(s, sender, logger))
	proc := worker.NewProcessor(s, reg, worker.Config{Now: func() time.Time { return t0 }}, nil, logger)
	sweeper := worker.NewSweeper(s, proc, worker.SweepConfig{Concurrency: 4}, nil, logger)
	publisher := publish.New(s, pub, nil, publish.Config{}, logger)
	return NewPipeline(window.NewGuard(s), publisher, sweeper, PipelineConfig{SweepLimit: 25}, pub, nil, logger)
}

func TestTickPublishesAndSweeps(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	bus := events.NewBus()

	scheduledAt := t0.Add(-10 * time.Minute)
	post, err := s.CreatePost(ctx, domain.Post{
		Title: "Weekly", Subject: "Weekly", BodyHTML: "<p>news</p>",
		Status: domain.PostScheduled, ScheduledAt: &scheduledAt,
	})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.CreateSubscriber(ctx, domain.Subscriber{Email: fmt.Sprintf("r%d@example.com", i)})
		require.NoError(t, err)
	}

	sender := mail.SenderFunc(func(_ context.Context, m mail.Message) error {
		if m.To == "r1@example.com" {
			return errors.New("mailbox full")
		}
		return nil
	})
	p := newPipeline(t, s, sender, bus)

	res, err := p.Run(ctx, t0)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, "tick:2025-01-01T10:00:00Z", res.Window)
	assert.Equal(t, publish.Result{PostsProcessed: 1, Deliveries: 3}, res.Published)
	assert.Equal(t, worker.SweepResult{Picked: 3, Processed: 2, Pending: 1, Failed: 0}, res.Sweep)

	got, err := s.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostSent, got.Status)

	deliveries, err := s.ListDeliveries(ctx, post.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 3)
	status := make(map[string]domain.DeliveryStatus)
	for _, d := range deliveries {
		status[d.ID] = d.Status
	}

	tasks, err := s.ListTasks(ctx, store.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		var payload domain.EmailSendPayload
		require.NoError(t, json.Unmarshal(task.Payload, &payload))
		switch task.Status {
		case domain.TaskDone:
			assert.Equal(t, domain.DeliverySent, status[payload.DeliveryID])
		case domain.TaskPending:
			assert.Equal(t, "r1@example.com", payload.To)
			assert.Equal(t, domain.DeliveryFailed, status[payload.DeliveryID])
			assert.True(t, task.RunAt.Equal(t0.Add(5*time.Minute)))
		default:
			t.Fatalf("unexpected task status %s", task.Status)
		}
	}

	_, ok := bus.LastPublished(events.TickCompleted)
	assert.True(t, ok)

	res, err = p.Run(ctx, t0.Add(40*time.Minute))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "tick:2025-01-01T10:00:00Z", res.Window)
	assert.Equal(t, worker.SweepResult{}, res.Sweep)
}

type failingCron struct{ *memory.Store }

func (failingCron) InsertCronExecution(context.Context, string, time.Time) error {
	return errors.New("connection reset")
}

func TestTickClaimFailure(t *testing.T) {
	s := memory.New()
	p := newPipeline(t, s, mail.NewLogSender(zerolog.Nop()), nil)
	p.guard = window.NewGuard(failingCron{s})

	_, err := p.Run(context.Background(), t0)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageClaim, se.Stage)
}

func TestService(t *testing.T) {
	s := memory.New()
	p := newPipeline(t, s, mail.NewLogSender(zerolog.Nop()), nil)

	_, err := NewService(p, "not a schedule", time.Minute, zerolog.Nop())
	assert.Error(t, err)

	svc, err := NewService(p, "@hourly", time.Minute, zerolog.Nop())
	require.NoError(t, err)
	svc.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	svc.Stop(ctx)

	svc.fire()
	_, total, err := s.LatestCronExecution(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestNextRunTime(t *testing.T) {
	next, err := NextRunTime("0 * * * *", t0)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 11, 0, 0, 0, time.UTC), next)
	_, err = NextRunTime("bogus", t0)
	assert.Error(t, err)
}

type failingDeliveries struct{ *memory.Store }

func (failingDeliveries) CreateDeliveryWithTask(context.Context, domain.Delivery, domain.Task) (domain.Delivery, domain.Task, error) {
	return domain.Delivery{}, domain.Task{}, errors.New("disk I/O error")
}

func TestTickFanOutFailureStopsBeforeSweep(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	logger := zerolog.Nop()

	scheduledAt := t0.Add(-time.Minute)
	_, err := s.CreatePost(ctx, domain.Post{
		Title: "Weekly", Subject: "Weekly", BodyHTML: "<p>news</p>",
		Status: domain.PostScheduled, ScheduledAt: &scheduledAt,
	})
	require.NoError(t, err)
	_, err = s.CreateSubscriber(ctx, domain.Subscriber{Email: "r@example.com"})
	require.NoError(t, err)
	queued, err := s.CreateTask(ctx, domain.Task{Type: string(worker.TypeEmailSend), RunAt: t0.Add(-time.Hour)})
	require.NoError(t, err)

	var sends int
	reg := worker.NewRegistry()
	reg.MustRegister(worker.TypeEmailSend, worker.HandlerFunc(func(context.Context, json.RawMessage) error {
		sends++
		return nil
	}))
	proc := worker.NewProcessor(s, reg, worker.Config{Now: func() time.Time { return t0 }}, nil, logger)
	sweeper := worker.NewSweeper(s, proc, worker.SweepConfig{}, nil, logger)
	publisher := publish.New(failingDeliveries{s}, nil, nil, publish.Config{}, logger)
	p := NewPipeline(window.NewGuard(s), publisher, sweeper, PipelineConfig{}, nil, nil, logger)

	res, err := p.Run(ctx, t0)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StagePublish, se.Stage)
	assert.Equal(t, worker.SweepResult{}, res.Sweep)

	got, err := s.GetTask(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Zero(t, sends)
}
