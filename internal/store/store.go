// Package store defines the record store the core depends on. Backends live
// in the sub-packages: sqlstore (shared SQL), sqlite, postgres and memory.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chrislombaard/letterd/internal/apperr"
	"github.com/chrislombaard/letterd/internal/domain"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("record already exists")

	// ErrConflict is returned when a conditional update finds the record in a
	// state other than the one required, e.g. claiming a task that is no
	// longer pending.
	ErrConflict = errors.New("record state conflict")
)

// DefaultTaskListLimit and MaxTaskListLimit bound ListTasks pages.
const (
	DefaultTaskListLimit = 20
	MaxTaskListLimit     = 100
)

// TaskFilter narrows ListTasks. A zero Status lists every status.
type TaskFilter struct {
	Status domain.TaskStatus
	Limit  int
}

type TaskStore interface {
	CreateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	// ListTasks returns tasks newest first.
	ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error)
	// ListDueTasks returns pending tasks with run_at <= now, oldest run_at first.
	ListDueTasks(ctx context.Context, now time.Time, limit int) ([]domain.Task, error)
	// ClaimTask moves a pending task to processing and increments its
	// attempts in one conditional update. It returns ErrConflict when the
	// task is not pending.
	ClaimTask(ctx context.Context, id string, now time.Time) (domain.Task, error)
	CompleteTask(ctx context.Context, id string, now time.Time) error
	RetryTask(ctx context.Context, id string, runAt time.Time, errMsg string, now time.Time) error
	FailTask(ctx context.Context, id string, errMsg string, now time.Time) error
	// RecoverStale returns processing tasks last touched before cutoff to
	// pending, or to failed when they have used maxAttempts.
	RecoverStale(ctx context.Context, cutoff time.Time, maxAttempts int, now time.Time) (int, error)
	CountTasks(ctx context.Context) (map[domain.TaskStatus]int, error)
	ListAttempts(ctx context.Context, taskID string) ([]domain.TaskAttempt, error)
}

type PostStore interface {
	CreatePost(ctx context.Context, p domain.Post) (domain.Post, error)
	GetPost(ctx context.Context, id string) (domain.Post, error)
	// ListPosts returns posts with the given status, newest first.
	ListPosts(ctx context.Context, status domain.PostStatus) ([]domain.Post, error)
	// ListDuePosts returns SCHEDULED posts with scheduled_at <= now.
	ListDuePosts(ctx context.Context, now time.Time) ([]domain.Post, error)
	// ListUpcomingPosts returns SCHEDULED posts with scheduled_at >= now, soonest first.
	ListUpcomingPosts(ctx context.Context, now time.Time) ([]domain.Post, error)
	// MarkPostSent transitions a SCHEDULED post to SENT. It returns
	// ErrConflict when the post is not SCHEDULED.
	MarkPostSent(ctx context.Context, id string, now time.Time) error
	CountPosts(ctx context.Context) (map[domain.PostStatus]int, error)
}

type SubscriberStore interface {
	CreateSubscriber(ctx context.Context, s domain.Subscriber) (domain.Subscriber, error)
	ListActiveSubscribers(ctx context.Context) ([]domain.Subscriber, error)
	CountSubscribers(ctx context.Context) (map[domain.SubscriberStatus]int, error)
}

type DeliveryStore interface {
	// CreateDeliveryWithTask inserts a delivery and its email task atomically.
	CreateDeliveryWithTask(ctx context.Context, d domain.Delivery, t domain.Task) (domain.Delivery, domain.Task, error)
	GetDelivery(ctx context.Context, id string) (domain.Delivery, error)
	ListDeliveries(ctx context.Context, postID string) ([]domain.Delivery, error)
	MarkDeliverySent(ctx context.Context, id string, sentAt time.Time) error
	MarkDeliveryFailed(ctx context.Context, id string, errMsg string) error
	CountDeliveries(ctx context.Context) (map[domain.DeliveryStatus]int, error)
}

type CronStore interface {
	// InsertCronExecution returns an error wrapping ErrDuplicate when the key
	// already exists.
	InsertCronExecution(ctx context.Context, key string, now time.Time) error
	// LatestCronExecution returns the newest claim and the total number of
	// claims. It returns ErrNotFound when no window was ever claimed.
	LatestCronExecution(ctx context.Context) (domain.CronExecution, int, error)
}

// Store is the full record store.
type Store interface {
	TaskStore
	PostStore
	SubscriberStore
	DeliveryStore
	CronStore

	Ping(ctx context.Context) error
	Close() error
}

// NewID returns a prefixed random identifier such as "tsk_<uuid>".
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// ClampLimit applies the ListTasks page bounds.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultTaskListLimit
	}
	if limit > MaxTaskListLimit {
		return MaxTaskListLimit
	}
	return limit
}

// NotFound, Duplicate and Conflict build the DatabaseError every backend
// returns for the store sentinels, so callers can match with errors.Is on the
// sentinel or apperr.IsKind on the kind.
func NotFound(op string) error {
	return apperr.Database(op, apperr.DBNotFound, ErrNotFound)
}

func Duplicate(op string, cause error) error {
	if cause == nil {
		return apperr.Database(op, apperr.DBConstraint, ErrDuplicate)
	}
	return apperr.Database(op, apperr.DBConstraint, fmt.Errorf("%w: %v", ErrDuplicate, cause))
}

func Conflict(op string) error {
	return apperr.Database(op, apperr.DBConstraint, ErrConflict)
}
