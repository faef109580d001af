package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/chrislombaard/letterd/internal/api"
	"github.com/chrislombaard/letterd/internal/config"
	"github.com/chrislombaard/letterd/internal/events"
	"github.com/chrislombaard/letterd/internal/handlers/demo"
	"github.com/chrislombaard/letterd/internal/handlers/email"
	"github.com/chrislombaard/letterd/internal/mail"
	"github.com/chrislombaard/letterd/internal/metrics"
	"github.com/chrislombaard/letterd/internal/publish"
	"github.com/chrislombaard/letterd/internal/scheduler"
	"github.com/chrislombaard/letterd/internal/store"
	"github.com/chrislombaard/letterd/internal/store/memory"
	"github.com/chrislombaard/letterd/internal/store/postgres"
	"github.com/chrislombaard/letterd/internal/store/sqlite"
	"github.com/chrislombaard/letterd/internal/window"
	"github.com/chrislombaard/letterd/internal/worker"
)

// app holds the wired components shared by serve and tick.
type app struct {
	cfg      *config.Config
	store    store.Store
	bus      *events.Bus
	events   events.Publisher
	sink     metrics.Sink
	registry *prometheus.Registry
	pipeline *scheduler.Pipeline
	closers  []io.Closer
	log      zerolog.Logger
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	case "postgres":
		return postgres.Open(ctx, cfg.DSN, postgres.Options{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		}, logger)
	case "sqlite":
		return sqlite.Open(ctx, cfg.Path, logger)
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}

func openEvents(cfg config.EventsConfig) (events.Publisher, io.Closer, error) {
	switch cfg.Driver {
	case "redis":
		client, err := events.DialRedis(cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		p := events.NewRedisPublisher(client, cfg.Channel)
		return p, p, nil
	case "amqp":
		p, err := events.DialAMQP(cfg.URL, cfg.Exchange)
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil
	}
	return nil, nil, nil
}

func newSender(cfg config.MailConfig, logger zerolog.Logger) mail.Sender {
	var sender mail.Sender
	switch cfg.Driver {
	case "http":
		sender = mail.NewHTTPSender(cfg.Endpoint, cfg.APIKey, cfg.From, cfg.Timeout)
	default:
		sender = mail.NewLogSender(logger)
	}
	return mail.NewRateLimited(sender, cfg.Rate, cfg.Burst)
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, bus: events.NewBus(), log: logger}

	s, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = s
	a.closers = append(a.closers, s)

	a.events = a.bus
	remote, closer, err := openEvents(cfg.Events)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open event publisher: %w", err)
	}
	if remote != nil {
		a.events = events.Multi{a.bus, remote}
		a.closers = append(a.closers, closer)
	}

	a.sink = metrics.NewNoopSink()
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.sink = metrics.NewPrometheusSink(a.registry)
	}

	registry := worker.NewRegistry()
	registry.MustRegister(worker.TypeEmailSend, email.New(s, newSender(cfg.Mail, logger), logger))
	registry.MustRegister(worker.TypeDemoCleanup, demo.Cleanup{Log: logger})
	registry.MustRegister(worker.TypeDemoFail, demo.Fail{})

	proc := worker.NewProcessor(s, registry, worker.Config{
		MaxAttempts: cfg.Tasks.MaxAttempts,
		BackoffUnit: cfg.Tasks.Backoff,
		TaskTimeout: cfg.Tasks.Timeout,
	}, a.sink, logger)
	sweeper := worker.NewSweeper(s, proc, worker.SweepConfig{
		Concurrency: cfg.Tasks.Concurrency,
		StaleAfter:  cfg.Tasks.StaleAfter,
	}, a.sink, logger)
	publisher := publish.New(s, a.events, a.sink, publish.Config{
		Concurrency:    cfg.Tasks.Concurrency,
		UnsubscribeURL: cfg.Mail.UnsubscribeURL,
	}, logger)

	a.pipeline = scheduler.NewPipeline(window.NewGuard(s), publisher, sweeper,
		scheduler.PipelineConfig{SweepLimit: cfg.Tasks.SweepLimit}, a.events, a.sink, logger)
	return a, nil
}

func (a *app) handler() http.Handler {
	var metricsHandler http.Handler
	if a.registry != nil {
		metricsHandler = promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
	}
	return api.NewServer(api.Deps{
		Store:          a.store,
		Ticker:         a.pipeline,
		Events:         a.events,
		Bus:            a.bus,
		Metrics:        a.sink,
		MetricsHandler: metricsHandler,
		Cron: api.CronAuth{
			Secret:        a.cfg.Cron.Secret,
			TrustedHeader: a.cfg.Cron.TrustedHeader,
		},
		DBName: a.cfg.Database.Driver,
		Now:    time.Now,
		Logger: a.log,
	})
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
