// Package events carries "something changed" notifications between
// components. Publishing is best effort: a lost event never fails the caller.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	PostPublished = "post.published"
	TickCompleted = "tick.completed"
	TaskSubmitted = "task.submitted"
)

type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func New(typ string, payload any) Event {
	return Event{ID: uuid.NewString(), Type: typ, Payload: payload, Timestamp: time.Now().UTC()}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PostPublishedPayload is the payload of a post.published event.
type PostPublishedPayload struct {
	PostID     string `json:"postId"`
	Deliveries int    `json:"deliveries"`
}

// TickCompletedPayload is the payload of a tick.completed event.
type TickCompletedPayload struct {
	Window    string `json:"window"`
	Posts     int    `json:"posts"`
	Picked    int    `json:"picked"`
	Processed int    `json:"processed"`
}

// TaskSubmittedPayload is the payload of a task.submitted event.
type TaskSubmittedPayload struct {
	TaskID string    `json:"taskId"`
	Type   string    `json:"type"`
	RunAt  time.Time `json:"runAt"`
}
