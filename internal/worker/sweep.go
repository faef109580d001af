package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/chrislombaard/letterd/internal/domain"
	"github.com/chrislombaard/letterd/internal/metrics"
	"github.com/chrislombaard/letterd/internal/store"
)

const (
	DefaultSweepLimit  = 25
	DefaultConcurrency = 8
	DefaultStaleAfter  = 15 * time.Minute
)

type SweepResult struct {
	Picked    int `json:"picked"`
	Processed int `json:"processed"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
}

type SweepConfig struct {
	Concurrency int
	// StaleAfter is how long a task may sit in processing before the next
	// sweep takes it back. Zero disables recovery.
	StaleAfter time.Duration
}

// Sweeper runs due tasks in bounded batches.
type Sweeper struct {
	tasks      store.TaskStore
	proc       *Processor
	pool       *Pool
	staleAfter time.Duration
	metrics    metrics.Sink
	log        zerolog.Logger
}

func NewSweeper(tasks store.TaskStore, proc *Processor, cfg SweepConfig, sink metrics.Sink, logger zerolog.Logger) *Sweeper {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Sweeper{
		tasks:      tasks,
		proc:       proc,
		pool:       NewPool(cfg.Concurrency),
		staleAfter: cfg.StaleAfter,
		metrics:    sink,
		log:        logger.With().Str("component", "sweeper").Logger(),
	}
}

// RunDueTasks processes up to limit due pending tasks. Task failures are
// absorbed by the processor; only storage failures while selecting or
// counting are returned.
func (s *Sweeper) RunDueTasks(ctx context.Context, limit int) (SweepResult, error) {
	if limit <= 0 {
		limit = DefaultSweepLimit
	}
	cfg := s.proc.Config()
	now := cfg.Now().UTC()

	if s.staleAfter > 0 {
		n, err := s.tasks.RecoverStale(ctx, now.Add(-s.staleAfter), cfg.MaxAttempts, now)
		if err != nil {
			return SweepResult{}, fmt.Errorf("recover stale tasks: %w", err)
		}
		if n > 0 {
			s.log.Warn().Int("recovered", n).Msg("recovered stale processing tasks")
		}
		s.metrics.StaleRecovered(n)
	}

	due, err := s.tasks.ListDueTasks(ctx, now, limit)
	if err != nil {
		return SweepResult{}, fmt.Errorf("select due tasks: %w", err)
	}

	var processed atomic.Int64
	s.pool.Each(ctx, due, func(ctx context.Context, task domain.Task) {
		if s.proc.Process(ctx, task) {
			processed.Add(1)
		}
	})

	counts, err := s.tasks.CountTasks(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("count tasks: %w", err)
	}

	res := SweepResult{
		Picked:    len(due),
		Processed: int(processed.Load()),
		Pending:   counts[domain.TaskPending],
		Failed:    counts[domain.TaskFailed],
	}
	s.metrics.SweepCompleted(res.Picked, res.Processed, res.Pending, res.Failed)
	s.log.Info().
		Int("picked", res.Picked).
		Int("processed", res.Processed).
		Int("pending", res.Pending).
		Int("failed", res.Failed).
		Msg("sweep finished")
	return res, nil
}
