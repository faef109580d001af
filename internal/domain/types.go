package domain

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
)

// Valid reports whether s is one of the known task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskProcessing, TaskDone, TaskFailed:
		return true
	}
	return false
}

type Task struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Status    TaskStatus      `json:"status"`
	Attempts  int             `json:"attempts"`
	RunAt     time.Time       `json:"runAt"`
	LastError *string         `json:"lastError,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// TaskAttempt is one finished execution of a task.
type TaskAttempt struct {
	TaskID     string    `json:"taskId"`
	Attempt    int       `json:"attempt"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finishedAt"`
}

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "PENDING"
	DeliverySent    DeliveryStatus = "SENT"
	DeliveryFailed  DeliveryStatus = "FAILED"
)

type Delivery struct {
	ID           string         `json:"id"`
	PostID       string         `json:"postId"`
	SubscriberID string         `json:"subscriberId"`
	Status       DeliveryStatus `json:"status"`
	SentAt       *time.Time     `json:"sentAt"`
	Error        *string        `json:"error"`
	CreatedAt    time.Time      `json:"createdAt"`
}

type PostStatus string

const (
	PostDraft     PostStatus = "DRAFT"
	PostScheduled PostStatus = "SCHEDULED"
	PostSent      PostStatus = "SENT"
)

type Post struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Subject     string     `json:"subject"`
	BodyHTML    string     `json:"bodyHtml"`
	Status      PostStatus `json:"status"`
	ScheduledAt *time.Time `json:"scheduledAt"`
	SentAt      *time.Time `json:"sentAt"`
	CreatedAt   time.Time  `json:"createdAt"`
}

type SubscriberStatus string

const (
	SubscriberActive       SubscriberStatus = "ACTIVE"
	SubscriberUnsubscribed SubscriberStatus = "UNSUBSCRIBED"
)

type Subscriber struct {
	ID        string           `json:"id"`
	Email     string           `json:"email"`
	Status    SubscriberStatus `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`
}

// CronExecution is the claim record for one trigger window.
type CronExecution struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"createdAt"`
}

// EmailSendPayload is the payload of an email.send task.
type EmailSendPayload struct {
	DeliveryID string `json:"deliveryId"`
	To         string `json:"to"`
	Subject    string `json:"subject"`
	HTML       string `json:"html"`
}
