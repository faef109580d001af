package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Service fires the tick pipeline on a cron schedule for deployments without
// an external trigger.
type Service struct {
	pipeline *Pipeline
	cron     *cron.Cron
	spec     string
	timeout  time.Duration
	log      zerolog.Logger
}

// NewService parses spec (standard five-field cron syntax or a descriptor
// such as "@every 5m"). timeout bounds each run.
func NewService(pipeline *Pipeline, spec string, timeout time.Duration, logger zerolog.Logger) (*Service, error) {
	if err := ValidateCronExpression(spec); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	s := &Service{
		pipeline: pipeline,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		spec:     spec,
		timeout:  timeout,
		log:      logger.With().Str("component", "cron").Logger(),
	}
	if _, err := s.cron.AddFunc(spec, s.fire); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) Start() {
	s.cron.Start()
	if next, err := NextRunTime(s.spec, time.Now()); err == nil {
		s.log.Info().Str("schedule", s.spec).Time("next_run", next).Msg("embedded trigger started")
	}
}

// Stop waits for a running tick to finish or ctx to expire.
func (s *Service) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn().Msg("embedded trigger stop timed out")
	}
}

func (s *Service) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.pipeline.Run(ctx, time.Now()); err != nil {
		s.log.Error().Err(err).Msg("scheduled tick failed")
	}
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
