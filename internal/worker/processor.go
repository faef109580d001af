package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/chrislombaard/letterd/internal/apperr"
	"github.com/chrislombaard/letterd/internal/domain"
	"github.com/chrislombaard/letterd/internal/metrics"
	"github.com/chrislombaard/letterd/internal/store"
)

const (
	DefaultMaxAttempts = 5
	DefaultBackoffUnit = 5 * time.Minute
	DefaultTaskTimeout = 30 * time.Second

	// finalizeTimeout bounds the store write that records an attempt, which
	// runs even when the caller's context is already cancelled.
	finalizeTimeout = 10 * time.Second
)

type Config struct {
	MaxAttempts int
	BackoffUnit time.Duration
	TaskTimeout time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = DefaultBackoffUnit
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Backoff returns the delay before the next attempt after attempts failures.
func (c Config) Backoff(attempts int) time.Duration {
	return time.Duration(attempts) * c.BackoffUnit
}

// Processor drives one task through pending -> processing -> done, pending
// (retry) or failed.
type Processor struct {
	tasks    store.TaskStore
	registry *Registry
	cfg      Config
	metrics  metrics.Sink
	log      zerolog.Logger
}

func NewProcessor(tasks store.TaskStore, registry *Registry, cfg Config, sink metrics.Sink, logger zerolog.Logger) *Processor {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Processor{
		tasks:    tasks,
		registry: registry,
		cfg:      cfg.withDefaults(),
		metrics:  sink,
		log:      logger.With().Str("component", "processor").Logger(),
	}
}

func (p *Processor) Config() Config { return p.cfg }

// Process claims task and runs its handler. It returns true only when the
// task reached done in this call. A task claimed by someone else is left
// untouched.
func (p *Processor) Process(ctx context.Context, task domain.Task) bool {
	logger := p.log.With().Str("task_id", task.ID).Str("task_type", task.Type).Logger()

	claimed, err := p.tasks.ClaimTask(ctx, task.ID, p.cfg.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			logger.Debug().Msg("task already claimed")
		} else {
			logger.Error().Err(err).Msg("claim task")
		}
		return false
	}
	logger = logger.With().Int("attempt", claimed.Attempts).Logger()

	start := time.Now()
	runErr := p.run(ctx, claimed)
	elapsed := time.Since(start)

	// Record the outcome even if ctx was cancelled while the handler ran.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	now := p.cfg.Now().UTC()

	if runErr == nil {
		if err := p.tasks.CompleteTask(fctx, claimed.ID, now); err != nil {
			logger.Error().Err(err).Msg("mark task done")
			return false
		}
		p.metrics.TaskFinished(metricType(claimed.Type), metrics.OutcomeDone, elapsed)
		logger.Info().Dur("took", elapsed).Msg("task done")
		return true
	}

	runErr = apperr.TaskProcessing(claimed.Type, runErr)
	if claimed.Attempts < p.cfg.MaxAttempts {
		runAt := now.Add(p.cfg.Backoff(claimed.Attempts))
		if err := p.tasks.RetryTask(fctx, claimed.ID, runAt, runErr.Error(), now); err != nil {
			logger.Error().Err(err).Msg("schedule retry")
			return false
		}
		p.metrics.TaskFinished(metricType(claimed.Type), metrics.OutcomeRetry, elapsed)
		logger.Warn().Err(runErr).Time("run_at", runAt).Msg("task failed, retry scheduled")
		return false
	}

	if err := p.tasks.FailTask(fctx, claimed.ID, runErr.Error(), now); err != nil {
		logger.Error().Err(err).Msg("mark task failed")
		return false
	}
	p.metrics.TaskFinished(metricType(claimed.Type), metrics.OutcomeFailed, elapsed)
	logger.Error().Err(runErr).Msg("task failed permanently")
	return false
}

// metricType bounds the task type label to the known set.
func metricType(typ string) string {
	if TaskType(typ).Valid() {
		return typ
	}
	return "unknown"
}

// run invokes the handler under the per-task timeout and turns a panic into
// an error.
func (p *Processor) run(ctx context.Context, task domain.Task) (err error) {
	h, ok := p.registry.Lookup(task.Type)
	if !ok {
		return fmt.Errorf("%w for %q", ErrNoHandler, task.Type)
	}

	hctx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Str("task_id", task.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(hctx, task.Payload)
}
