// Package main is the entry point of the study circle background worker.
//
// The worker runs the scheduled jobs without serving the API:
//   - sweep_proposals executes proposals whose voting period ended
//   - rebuild_scoreboard resynchronizes the redis scoreboards
//
// It shares state with the API only through PostgreSQL, so postgres
// storage must be enabled.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/studycircle/studycircle-hub/config"
	"github.com/studycircle/studycircle-hub/internal/app"
	"github.com/studycircle/studycircle-hub/pkg/logger"
)

// runOnce names a job to execute immediately instead of scheduling.
var runOnce string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:          "studycircle-worker",
	Short:        "Study circle background jobs",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler until signalled",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&runOnce, "run-once", "", "Run the named job once and exit")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(app.MigrateCommand())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Features.IsEnabled(config.FeatureStoragePostgres) {
		return errors.New("the worker needs FEATURE_STORAGE_POSTGRES=true")
	}

	log := app.NewLogger(cfg.App).With(logger.Component("worker"))
	defer func() { _ = log.Sync() }()

	a, err := app.New(ctx, cfg, log, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.NewScheduler()
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	if runOnce != "" {
		result, err := sched.RunNow(ctx, runOnce)
		if err != nil {
			return err
		}
		log.Info("job finished",
			logger.String("job", result.JobName),
			logger.Duration("duration", result.Duration),
		)
		return nil
	}

	for _, job := range sched.ListJobs() {
		log.Info("job registered",
			logger.String("job", job.Name),
			logger.String("schedule", job.Schedule),
		)
	}

	if err := sched.Run(ctx); err != nil {
		return err
	}
	log.Info("worker stopped")
	return nil
}
