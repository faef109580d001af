package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chrislombaard/letterd/internal/config"
	"github.com/chrislombaard/letterd/internal/logging"
	"github.com/chrislombaard/letterd/internal/scheduler"
	"github.com/chrislombaard/letterd/internal/store/postgres"
	"github.com/chrislombaard/letterd/internal/store/sqlite"
)

func loadConfig(path string) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, zerolog.Logger{}, err
	}
	logger, err := logging.Setup(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, zerolog.Logger{}, err
	}
	return cfg, logger, nil
}

func newServeCmd(configFn func() string) *cobra.Command {
	var inMemory bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(configFn())
			if err != nil {
				return err
			}
			if inMemory {
				cfg.Database.Driver = "memory"
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Error().Err(err).Msg("close resources")
				}
			}()

			var trigger *scheduler.Service
			if cfg.Cron.Schedule != "" {
				trigger, err = scheduler.NewService(a.pipeline, cfg.Cron.Schedule, cfg.Cron.Timeout, logger)
				if err != nil {
					return fmt.Errorf("cron.schedule: %w", err)
				}
				trigger.Start()
			}

			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           a.handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errc := make(chan error, 1)
			go func() {
				log.Info().Str("addr", cfg.Server.Addr).Str("db", cfg.Database.Driver).Msg("HTTP server starting")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
				close(errc)
			}()

			select {
			case err := <-errc:
				if err != nil {
					return fmt.Errorf("http server: %w", err)
				}
			case <-ctx.Done():
			}

			log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if trigger != nil {
				trigger.Stop(shutdownCtx)
			}
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().BoolVar(&inMemory, "memory", false, "Use the in-memory store (data is lost on exit)")
	return cmd
}

func newTickCmd(configFn func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one tick: claim the hourly window, publish due posts, sweep due tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(configFn())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Cron.Timeout)
			defer cancel()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.pipeline.Run(ctx, time.Now())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}

func newMigrateCmd(configFn func() string) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status|version]",
		Short:     "Apply or inspect database migrations",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "status", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(configFn())
			if err != nil {
				return err
			}
			command := "up"
			if len(args) == 1 {
				command = args[0]
			}
			ctx := cmd.Context()

			var (
				db      *sql.DB
				migrate func(context.Context, *sql.DB, string, zerolog.Logger) error
			)
			switch cfg.Database.Driver {
			case "sqlite":
				db, err = sqlite.OpenDB(cfg.Database.Path)
				migrate = sqlite.Migrate
			case "postgres":
				db, err = sql.Open("pgx", cfg.Database.DSN)
				migrate = postgres.Migrate
			default:
				return fmt.Errorf("database driver %q has no migrations", cfg.Database.Driver)
			}
			if err != nil {
				return err
			}
			defer db.Close()
			return migrate(ctx, db, command, logger)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
