package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler loop and the admin server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("starting digestd",
		"config_file", configFile,
		"database_driver", cfg.Database.Driver,
		"tick_interval", cfg.Scheduler.TickInterval,
		"max_concurrent_runs", cfg.Scheduler.MaxConcurrentRuns)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.sched.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Admin.Enabled {
		server := a.adminServer()
		g.Go(func() error {
			return server.ListenAndServe(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")
		a.sched.Stop()
		return nil
	})

	logger.Info("digestd is running")
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("digestd stopped")
	return nil
}
