// Package main is the entry point of the study circle API server.
//
// The serve command runs the JSON API and, unless disabled, the background
// scheduler in the same process. Both stop together on SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/studycircle/studycircle-hub/config"
	"github.com/studycircle/studycircle-hub/internal/app"
	"github.com/studycircle/studycircle-hub/internal/infrastructure/scheduler"
	"github.com/studycircle/studycircle-hub/pkg/logger"
)

var withScheduler bool

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "studycircle-api",
	Short: "Study circle API server",
	Long: `Serve the study circle JSON API: groups, stakes, check-ins, tips,
proposals and reward claims.

Configuration is read from the environment; STUDYCIRCLE_CONFIG_FILE may
point at a YAML file overriding the stake and tip rules.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&withScheduler, "with-scheduler", true, "Also run the background jobs in this process")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(app.MigrateCommand())
	rootCmd.AddCommand(app.TokenCommand())
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

	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION AND LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := app.NewLogger(cfg.App)
	defer func() { _ = log.Sync() }()

	log.Info("starting studycircle API",
		logger.String("env", string(cfg.App.Environment)),
		logger.Bool("debug", cfg.App.Debug),
		logger.String("config_file", cfg.App.ConfigFile),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 2. WIRING
	// ─────────────────────────────────────────────────────────────────────────
	a, err := app.New(ctx, cfg, log, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	server, err := a.NewServer()
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	var sched *scheduler.Scheduler
	if withScheduler {
		sched, err = a.NewScheduler()
		if err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. RUN UNTIL SIGNALLED
	// ─────────────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, cfg.App.ShutdownTimeout)
	})
	if sched != nil {
		g.Go(func() error {
			return sched.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error("stopped with error", logger.Err(err))
		return err
	}
	log.Info("shutdown complete")
	return nil
}
