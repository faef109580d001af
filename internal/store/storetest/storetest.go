// Package storetest holds the behaviour suite every store.Store backend must
// pass. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrislombaard/letterd/internal/apperr"
	"github.com/chrislombaard/letterd/internal/domain"
	"github.com/chrislombaard/letterd/internal/store"
)

// Base is the reference instant used by the suite.
var Base = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

// Factory returns a fresh, empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) store.Store

func Run(t *testing.T, newStore Factory) {
	t.Run("TaskLifecycle", func(t *testing.T) { testTaskLifecycle(t, newStore(t)) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
	t.Run("ClaimNotDue", func(t *testing.T) { testClaimNotDue(t, newStore(t)) })
	t.Run("ListTasks", func(t *testing.T) { testListTasks(t, newStore(t)) })
	t.Run("DueTasks", func(t *testing.T) { testDueTasks(t, newStore(t)) })
	t.Run("RecoverStale", func(t *testing.T) { testRecoverStale(t, newStore(t)) })
	t.Run("CronWindows", func(t *testing.T) { testCronWindows(t, newStore(t)) })
	t.Run("Posts", func(t *testing.T) { testPosts(t, newStore(t)) })
	t.Run("Subscribers", func(t *testing.T) { testSubscribers(t, newStore(t)) })
	t.Run("Deliveries", func(t *testing.T) { testDeliveries(t, newStore(t)) })
}

func newTask(typ string, runAt time.Time) domain.Task {
	return domain.Task{
		Type:      typ,
		Payload:   []byte(`{"n":1}`),
		RunAt:     runAt,
		CreatedAt: runAt,
		UpdatedAt: runAt,
	}
}

func testTaskLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()

	created, err := s.CreateTask(ctx, newTask("demo.cleanup", Base))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, domain.TaskPending, created.Status)
	assert.Equal(t, 0, created.Attempts)

	got, err := s.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo.cleanup", got.Type)
	assert.JSONEq(t, `{"n":1}`, string(got.Payload))
	assert.True(t, got.RunAt.Equal(Base))

	claimed, err := s.ClaimTask(ctx, created.ID, Base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	_, err = s.ClaimTask(ctx, created.ID, Base.Add(time.Second))
	assert.ErrorIs(t, err, store.ErrConflict)

	retryAt := Base.Add(5 * time.Minute)
	require.NoError(t, s.RetryTask(ctx, created.ID, retryAt, "boom", Base.Add(2*time.Second)))
	got, err = s.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
	assert.True(t, got.RunAt.Equal(retryAt))
	require.NotNil(t, got.LastError)
	assert.Equal(t, "boom", *got.LastError)

	// Finishing a task that is not processing is a conflict.
	assert.ErrorIs(t, s.CompleteTask(ctx, created.ID, Base), store.ErrConflict)

	_, err = s.ClaimTask(ctx, created.ID, retryAt)
	require.NoError(t, err)
	require.NoError(t, s.CompleteTask(ctx, created.ID, retryAt.Add(time.Second)))
	got, err = s.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskDone, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Nil(t, got.LastError)

	attempts, err := s.ListAttempts(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].Attempt)
	assert.False(t, attempts[0].Success)
	assert.Equal(t, "boom", attempts[0].Error)
	assert.Equal(t, 2, attempts[1].Attempt)
	assert.True(t, attempts[1].Success)

	other, err := s.CreateTask(ctx, newTask("demo.fail", Base))
	require.NoError(t, err)
	_, err = s.ClaimTask(ctx, other.ID, Base)
	require.NoError(t, err)
	require.NoError(t, s.FailTask(ctx, other.ID, "gave up", Base))
	got, err = s.GetTask(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, got.Status)

	_, err = s.GetTask(ctx, "tsk_missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.True(t, apperr.IsKind(err, apperr.DBNotFound))

	_, err = s.ClaimTask(ctx, "tsk_missing", Base)
	assert.ErrorIs(t, err, store.ErrNotFound)

	counts, err := s.CountTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.TaskDone])
	assert.Equal(t, 1, counts[domain.TaskFailed])
}

func testConcurrentClaim(t *testing.T, s store.Store) {
	ctx := context.Background()
	task, err := s.CreateTask(ctx, newTask("demo.cleanup", Base))
	require.NoError(t, err)

	const workers = 8
	var (
		wg      sync.WaitGroup
		won     atomic.Int32
		unknown atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ClaimTask(ctx, task.ID, Base)
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, store.ErrConflict):
			default:
				unknown.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), won.Load())
	assert.Equal(t, int32(0), unknown.Load())
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
}

func testClaimNotDue(t *testing.T, s store.Store) {
	ctx := context.Background()
	task, err := s.CreateTask(ctx, newTask("demo.fail", Base))
	require.NoError(t, err)

	_, err = s.ClaimTask(ctx, task.ID, Base)
	require.NoError(t, err)
	retryAt := Base.Add(5 * time.Minute)
	require.NoError(t, s.RetryTask(ctx, task.ID, retryAt, "boom", Base))

	// A second sweep still holding the old snapshot must not run it early.
	_, err = s.ClaimTask(ctx, task.ID, Base.Add(time.Second))
	assert.ErrorIs(t, err, store.ErrConflict)
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
	assert.Equal(t, 1, got.Attempts)

	claimed, err := s.ClaimTask(ctx, task.ID, retryAt)
	require.NoError(t, err)
	assert.Equal(t, 2, claimed.Attempts)
}

func testListTasks(t *testing.T, s store.Store) {
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		task, err := s.CreateTask(ctx, newTask("demo.cleanup", Base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}
	_, err := s.ClaimTask(ctx, ids[0], Base)
	require.NoError(t, err)

	all, err := s.ListTasks(ctx, store.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID, "newest first")
	assert.Equal(t, ids[0], all[2].ID)

	pending, err := s.ListTasks(ctx, store.TaskFilter{Status: domain.TaskPending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	limited, err := s.ListTasks(ctx, store.TaskFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, ids[2], limited[0].ID)
}

func testDueTasks(t *testing.T, s store.Store) {
	ctx := context.Background()
	late, err := s.CreateTask(ctx, newTask("demo.cleanup", Base.Add(-time.Minute)))
	require.NoError(t, err)
	early, err := s.CreateTask(ctx, newTask("demo.cleanup", Base.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = s.CreateTask(ctx, newTask("demo.cleanup", Base.Add(time.Hour)))
	require.NoError(t, err)
	exact, err := s.CreateTask(ctx, newTask("demo.cleanup", Base))
	require.NoError(t, err)

	due, err := s.ListDueTasks(ctx, Base, 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, early.ID, due[0].ID)
	assert.Equal(t, late.ID, due[1].ID)
	assert.Equal(t, exact.ID, due[2].ID)

	due, err = s.ListDueTasks(ctx, Base, 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, early.ID, due[0].ID)
}

func testRecoverStale(t *testing.T, s store.Store) {
	ctx := context.Background()
	fresh, err := s.CreateTask(ctx, newTask("demo.cleanup", Base))
	require.NoError(t, err)
	stale, err := s.CreateTask(ctx, newTask("demo.cleanup", Base))
	require.NoError(t, err)
	other, err := s.CreateTask(ctx, newTask("demo.cleanup", Base))
	require.NoError(t, err)

	_, err = s.ClaimTask(ctx, stale.ID, Base)
	require.NoError(t, err)
	_, err = s.ClaimTask(ctx, other.ID, Base)
	require.NoError(t, err)
	_, err = s.ClaimTask(ctx, fresh.ID, Base.Add(20*time.Minute))
	require.NoError(t, err)

	now := Base.Add(30 * time.Minute)
	n, err := s.RecoverStale(ctx, now.Add(-15*time.Minute), 2, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.GetTask(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
	assert.True(t, got.RunAt.Equal(now))

	got, err = s.GetTask(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskProcessing, got.Status)

	n, err = s.RecoverStale(ctx, now.Add(-15*time.Minute), 1, now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// A task that already used its attempts is failed instead of requeued.
	_, err = s.ClaimTask(ctx, stale.ID, now)
	require.NoError(t, err)
	n, err = s.RecoverStale(ctx, now.Add(time.Minute), 2, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	got, err = s.GetTask(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)
}

func testCronWindows(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, _, err := s.LatestCronExecution(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.InsertCronExecution(ctx, "tick:2025-01-01T10:00:00Z", Base))
	err = s.InsertCronExecution(ctx, "tick:2025-01-01T10:00:00Z", Base.Add(time.Minute))
	assert.ErrorIs(t, err, store.ErrDuplicate)
	assert.True(t, apperr.IsKind(err, apperr.DBConstraint))

	require.NoError(t, s.InsertCronExecution(ctx, "tick:2025-01-01T11:00:00Z", Base.Add(time.Hour)))
	last, total, err := s.LatestCronExecution(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "tick:2025-01-01T11:00:00Z", last.Key)
	assert.True(t, last.CreatedAt.Equal(Base.Add(time.Hour)))
}

func ptr(t time.Time) *time.Time { return &t }

func testPosts(t *testing.T, s store.Store) {
	ctx := context.Background()

	due, err := s.CreatePost(ctx, domain.Post{
		Title: "Due", Subject: "Due", BodyHTML: "<p>due</p>",
		Status: domain.PostScheduled, ScheduledAt: ptr(Base.Add(-time.Minute)), CreatedAt: Base.Add(-time.Hour),
	})
	require.NoError(t, err)
	upcoming, err := s.CreatePost(ctx, domain.Post{
		Title: "Later", Subject: "Later", BodyHTML: "<p>later</p>",
		Status: domain.PostScheduled, ScheduledAt: ptr(Base.Add(time.Hour)), CreatedAt: Base.Add(-time.Hour),
	})
	require.NoError(t, err)
	_, err = s.CreatePost(ctx, domain.Post{Title: "Draft", Subject: "Draft", BodyHTML: "x", CreatedAt: Base})
	require.NoError(t, err)

	list, err := s.ListDuePosts(ctx, Base)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, due.ID, list[0].ID)

	list, err = s.ListUpcomingPosts(ctx, Base)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, upcoming.ID, list[0].ID)

	require.NoError(t, s.MarkPostSent(ctx, due.ID, Base))
	assert.ErrorIs(t, s.MarkPostSent(ctx, due.ID, Base), store.ErrConflict)

	got, err := s.GetPost(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostSent, got.Status)
	require.NotNil(t, got.SentAt)
	assert.True(t, got.SentAt.Equal(Base))

	sent, err := s.ListPosts(ctx, domain.PostSent)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, due.ID, sent[0].ID)

	counts, err := s.CountPosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.PostSent])
	assert.Equal(t, 1, counts[domain.PostScheduled])
	assert.Equal(t, 1, counts[domain.PostDraft])
}

func testSubscribers(t *testing.T, s store.Store) {
	ctx := context.Background()
	a, err := s.CreateSubscriber(ctx, domain.Subscriber{Email: "a@example.com", CreatedAt: Base})
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriberActive, a.Status)

	_, err = s.CreateSubscriber(ctx, domain.Subscriber{Email: "a@example.com", CreatedAt: Base})
	assert.ErrorIs(t, err, store.ErrDuplicate)
	assert.Equal(t, 409, apperr.HTTPStatus(err))

	_, err = s.CreateSubscriber(ctx, domain.Subscriber{Email: "b@example.com", Status: domain.SubscriberUnsubscribed, CreatedAt: Base})
	require.NoError(t, err)

	active, err := s.ListActiveSubscribers(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)

	counts, err := s.CountSubscribers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.SubscriberActive])
	assert.Equal(t, 1, counts[domain.SubscriberUnsubscribed])
}

func testDeliveries(t *testing.T, s store.Store) {
	ctx := context.Background()
	post, err := s.CreatePost(ctx, domain.Post{Title: "P", Subject: "P", BodyHTML: "x", CreatedAt: Base})
	require.NoError(t, err)
	sub, err := s.CreateSubscriber(ctx, domain.Subscriber{Email: "c@example.com", CreatedAt: Base})
	require.NoError(t, err)

	d, task, err := s.CreateDeliveryWithTask(ctx,
		domain.Delivery{PostID: post.ID, SubscriberID: sub.ID, CreatedAt: Base},
		newTask("email.send", Base))
	require.NoError(t, err)
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, domain.DeliveryPending, d.Status)
	assert.Equal(t, domain.TaskPending, task.Status)

	_, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)

	_, _, err = s.CreateDeliveryWithTask(ctx,
		domain.Delivery{PostID: post.ID, SubscriberID: sub.ID, CreatedAt: Base},
		newTask("email.send", Base))
	assert.ErrorIs(t, err, store.ErrDuplicate)

	tasks, err := s.ListTasks(ctx, store.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1, "failed pair insert must not leave a task behind")

	require.NoError(t, s.MarkDeliveryFailed(ctx, d.ID, "smtp down"))
	got, err := s.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "smtp down", *got.Error)

	require.NoError(t, s.MarkDeliverySent(ctx, d.ID, Base.Add(time.Minute)))
	got, err = s.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliverySent, got.Status)
	assert.Nil(t, got.Error)
	require.NotNil(t, got.SentAt)
	assert.True(t, got.SentAt.Equal(Base.Add(time.Minute)))

	list, err := s.ListDeliveries(ctx, post.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	assert.ErrorIs(t, s.MarkDeliverySent(ctx, "dlv_missing", Base), store.ErrNotFound)

	counts, err := s.CountDeliveries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.DeliverySent])
}
