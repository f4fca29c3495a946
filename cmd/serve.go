package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/industrion/jobharvest/internal/api"
	"github.com/industrion/jobharvest/internal/app"
	"github.com/industrion/jobharvest/internal/config"
	"github.com/industrion/jobharvest/internal/pipeline"
)

// newServeCmd creates the 'serve' subcommand: the long-running HTTP
// service with optional scheduled runs.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP trigger service",
		Long: `Starts an HTTP server exposing POST /v1/runs for on-demand pipeline
runs, plus health and metrics endpoints. When schedule.spec is set in
the configuration, the configured careers URLs are re-processed on that
cron schedule.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
	return cmd
}

func serve(parent context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			a.Logger.Warn("shutdown incomplete", zap.Error(cerr))
		}
		_ = a.Logger.Sync()
	}()
	logger := a.Logger

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(a.Pipeline, logger.Named("api")).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var scheduler *cron.Cron
	if cfg.Schedule.Spec != "" {
		scheduler = cron.New()
		_, err := scheduler.AddFunc(cfg.Schedule.Spec, func() {
			logger.Info("scheduled run starting", zap.Strings("urls", cfg.Schedule.URLs))
			result, err := a.Pipeline.Run(ctx, pipeline.RunRequest{
				CareersURLs: cfg.Schedule.URLs,
				Resume:      true,
				MaxJobs:     cfg.Pipeline.MaxJobsPerRun,
			})
			if err != nil {
				logger.Error("scheduled run failed", zap.Error(err))
				return
			}
			logger.Info("scheduled run finished",
				zap.Int("rows_appended", result.Counters.RowsAppended),
				zap.Int("duplicates", result.Counters.Duplicates),
				zap.Int("errors", result.Counters.Errors),
			)
		})
		if err != nil {
			return fmt.Errorf("register schedule: %w", err)
		}
		scheduler.Start()
		logger.Info("schedule registered", zap.String("spec", cfg.Schedule.Spec))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
