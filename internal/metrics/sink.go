// Package metrics records tick, publish and task outcomes. Components depend
// on Sink; Prometheus is the production implementation.
package metrics

import "time"

// Task outcomes reported to TaskFinished.
const (
	OutcomeDone   = "done"
	OutcomeRetry  = "retry"
	OutcomeFailed = "failed"
)

// Tick outcomes reported to TickCompleted.
const (
	TickClaimed      = "claimed"
	TickSkipped      = "skipped"
	TickError        = "error"
	TickUnauthorized = "unauthorized"
)

// Sink methods must not block.
type Sink interface {
	TickCompleted(outcome string, d time.Duration)
	PostsPublished(posts, deliveries int)
	TaskFinished(taskType, outcome string, d time.Duration)
	SweepCompleted(picked, processed, pending, failed int)
	StaleRecovered(n int)
}

type NoopSink struct{}

func NewNoopSink() *NoopSink { return &NoopSink{} }

func (NoopSink) TickCompleted(string, time.Duration)        {}
func (NoopSink) PostsPublished(int, int)                    {}
func (NoopSink) TaskFinished(string, string, time.Duration) {}
func (NoopSink) SweepCompleted(int, int, int, int)          {}
func (NoopSink) StaleRecovered(int)                         {}
