// Package scheduler runs the tick pipeline: claim the hourly window, publish
// due posts, then sweep due tasks.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/chrislombaard/letterd/internal/events"
	"github.com/chrislombaard/letterd/internal/metrics"
	"github.com/chrislombaard/letterd/internal/publish"
	"github.com/chrislombaard/letterd/internal/window"
	"github.com/chrislombaard/letterd/internal/worker"
)

const (
	StageClaim   = "claim"
	StagePublish = "publish"
	StageSweep   = "sweep"
)

// StageError reports which pipeline stage failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("tick %s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

type TickResult struct {
	Window    string             `json:"window"`
	Skipped   bool               `json:"skipped"`
	Published publish.Result     `json:"publishedPosts"`
	Sweep     worker.SweepResult `json:"sweep"`
}

type Pipeline struct {
	guard     *window.Guard
	publisher *publish.Publisher
	sweeper   *worker.Sweeper
	limit     int
	events    events.Publisher
	metrics   metrics.Sink
	log       zerolog.Logger
}

type PipelineConfig struct {
	SweepLimit int
}

func NewPipeline(guard *window.Guard, publisher *publish.Publisher, sweeper *worker.Sweeper, cfg PipelineConfig, pub events.Publisher, sink metrics.Sink, logger zerolog.Logger) *Pipeline {
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = worker.DefaultSweepLimit
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Pipeline{
		guard:     guard,
		publisher: publisher,
		sweeper:   sweeper,
		limit:     cfg.SweepLimit,
		events:    pub,
		metrics:   sink,
		log:       logger.With().Str("component", "tick").Logger(),
	}
}

// Run executes one tick. When the window for now was already claimed the
// result is Skipped and nothing else runs.
func (p *Pipeline) Run(ctx context.Context, now time.Time) (TickResult, error) {
	start := time.Now()
	res, err := p.run(ctx, now)

	outcome := metrics.TickClaimed
	switch {
	case err != nil:
		outcome = metrics.TickError
	case res.Skipped:
		outcome = metrics.TickSkipped
	}
	p.metrics.TickCompleted(outcome, time.Since(start))
	return res, err
}

func (p *Pipeline) run(ctx context.Context, now time.Time) (TickResult, error) {
	key, claimed, err := p.guard.Claim(ctx, now)
	res := TickResult{Window: key}
	if err != nil {
		p.log.Error().Err(err).Str("window", key).Msg("window claim failed")
		return res, &StageError{Stage: StageClaim, Err: err}
	}
	logger := p.log.With().Str("window", key).Logger()
	if !claimed {
		res.Skipped = true
		logger.Info().Msg("window already claimed, skipping")
		return res, nil
	}

	res.Published, err = p.publisher.PublishDuePosts(ctx, now)
	if err != nil {
		logger.Error().Err(err).Msg("publish due posts failed")
		return res, &StageError{Stage: StagePublish, Err: err}
	}

	res.Sweep, err = p.sweeper.RunDueTasks(ctx, p.limit)
	if err != nil {
		logger.Error().Err(err).Msg("sweep failed")
		return res, &StageError{Stage: StageSweep, Err: err}
	}

	logger.Info().
		Int("posts", res.Published.PostsProcessed).
		Int("deliveries", res.Published.Deliveries).
		Int("picked", res.Sweep.Picked).
		Int("processed", res.Sweep.Processed).
		Msg("tick completed")

	if p.events != nil {
		e := events.New(events.TickCompleted, events.TickCompletedPayload{
			Window:    key,
			Posts:     res.Published.PostsProcessed,
			Picked:    res.Sweep.Picked,
			Processed: res.Sweep.Processed,
		})
		if err := p.events.Publish(ctx, e); err != nil {
			logger.Warn().Err(err).Msg("publish tick event")
		}
	}
	return res, nil
}
