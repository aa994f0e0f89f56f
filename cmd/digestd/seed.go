package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/digestd/internal/cron"
	"github.com/livinlefevreloca/digestd/internal/db"
	"github.com/livinlefevreloca/digestd/internal/pipeline"
	"github.com/livinlefevreloca/digestd/internal/report"
)

var seedCmd = &cobra.Command{
	Use:   "seed <file.toml>",
	Short: "Load users and report configurations from a TOML file",
	Long: `seed inserts the users and report configurations listed in a TOML file.
It is meant for local setups and demos; existing configurations are skipped
and existing users get their entitlement updated.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		var file seedFile
		if _, err := toml.DecodeFile(args[0], &file); err != nil {
			return fmt.Errorf("parse seed file: %w", err)
		}

		database, err := openDatabase(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer database.Close()

		return seed(cmd.Context(), database, &file, cron.NewEvaluator(cfg.Scheduler.CatchUpWindow), cmd.OutOrStdout(), logger)
	},
}

type seedFile struct {
	Users          []seedUser          `toml:"users"`
	Configurations []seedConfiguration `toml:"configurations"`
}

type seedUser struct {
	ID       string `toml:"id"`
	Entitled bool   `toml:"entitled"`
}

type seedConfiguration struct {
	ID            string       `toml:"id"`
	UserID        string       `toml:"user_id"`
	Repository    string       `toml:"repository"`
	Branch        string       `toml:"branch"`
	Schedule      string       `toml:"schedule"`
	Timezone      string       `toml:"timezone"`
	Enabled       *bool        `toml:"enabled"`
	Style         string       `toml:"style"`
	Tone          string       `toml:"tone"`
	AuthorDisplay *bool        `toml:"author_display"`
	LinkToCommits *bool        `toml:"link_to_commits"`
	OnNoUpdates   *bool        `toml:"on_no_updates"`
	Targets       []seedTarget `toml:"targets"`
}

type seedTarget struct {
	ID      string `toml:"id"`
	URL     string `toml:"url"`
	Channel string `toml:"channel"`
}

// toConfiguration applies defaults for unset options
func (s seedConfiguration) toConfiguration() (*report.Configuration, error) {
	opts := report.DefaultFormattingOptions()
	var err error
	if opts.Style, err = report.ParseStyle(s.Style); err != nil {
		return nil, err
	}
	if opts.Tone, err = report.ParseTone(s.Tone); err != nil {
		return nil, err
	}
	setBool(&opts.AuthorDisplay, s.AuthorDisplay)
	setBool(&opts.LinkToCommits, s.LinkToCommits)
	setBool(&opts.OnNoUpdates, s.OnNoUpdates)

	cfg := &report.Configuration{
		ID:         s.ID,
		UserID:     s.UserID,
		Repository: s.Repository,
		Branch:     s.Branch,
		Schedule:   s.Schedule,
		Timezone:   s.Timezone,
		Enabled:    true,
		Formatting: opts,
	}
	setBool(&cfg.Enabled, s.Enabled)
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}

	for _, t := range s.Targets {
		channel, err := report.ParseChannelType(t.Channel)
		if err != nil {
			return nil, err
		}
		cfg.Targets = append(cfg.Targets, report.Target{ID: t.ID, URL: t.URL, Channel: channel})
	}
	return cfg, nil
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// seed writes the file's rows. Configurations are validated the same way the
// scheduler validates them before any row is written.
func seed(ctx context.Context, database *db.DB, file *seedFile, evaluator *cron.Evaluator, out io.Writer, logger *slog.Logger) error {
	configs := make([]*report.Configuration, 0, len(file.Configurations))
	for i, s := range file.Configurations {
		cfg, err := s.toConfiguration()
		if err != nil {
			return fmt.Errorf("configuration %d: %w", i, err)
		}
		if err := pipeline.Validate(*cfg, evaluator); err != nil {
			return fmt.Errorf("configuration %d: %w", i, err)
		}
		configs = append(configs, cfg)
	}

	for _, u := range file.Users {
		err := database.CreateUser(ctx, u.ID, u.Entitled)
		if db.IsDuplicate(err) {
			err = database.SetUserEntitled(ctx, u.ID, u.Entitled)
		}
		if err != nil {
			return fmt.Errorf("user %s: %w", u.ID, err)
		}
		fmt.Fprintf(out, "user %s entitled=%t\n", u.ID, u.Entitled)
	}

	for _, cfg := range configs {
		err := database.CreateConfiguration(ctx, cfg)
		if db.IsDuplicate(err) {
			logger.Warn("configuration already exists, skipping", "configuration_id", cfg.ID)
			continue
		}
		if db.IsForeignKey(err) {
			return fmt.Errorf("configuration %s: unknown user %s", cfg.ID, cfg.UserID)
		}
		if err != nil {
			return fmt.Errorf("configuration %s: %w", cfg.ID, err)
		}
		fmt.Fprintf(out, "configuration %s %s %q %s targets=%d\n",
			cfg.ID, cfg.Repository, cfg.Schedule, cfg.Timezone, len(cfg.Targets))
	}
	return nil
}
