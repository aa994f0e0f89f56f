package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/digestd/internal/config"
)

var (
	configFile string
	envFiles   []string
)

var rootCmd = &cobra.Command{
	Use:   "digestd",
	Short: "Scheduled repository digest generation and delivery",
	Long: `digestd evaluates every enabled report configuration on a fixed tick,
collects the repository activity since the last delivered digest, composes a
summary and posts it to the configured webhooks.`,
	SilenceUsage: true,
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file (TOML)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "Env files loaded before DIGESTD_* overrides")

	rootCmd.AddCommand(serveCmd, triggerCmd, migrateCmd, nextCmd, seedCmd)
}

// loadConfig loads and validates the configuration and installs the
// process logger
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(configFile, envFiles...)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.Logging.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
