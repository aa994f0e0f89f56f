package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/digestd/internal/cron"
)

var (
	nextTimezone      string
	nextCount         int
	nextAfter         string
	nextConfiguration string
)

var nextCmd = &cobra.Command{
	Use:   "next [rule]",
	Short: "Print upcoming due instants of a recurrence rule",
	Long: `next prints the next due instants of a five-field recurrence rule in a
timezone. With --configuration the rule, timezone and last delivered instant
of a stored configuration are used instead.`,
	Example: `  digestd next "0 9 * * 1-5" --tz America/New_York --count 3
  digestd next --configuration 6f1c2d9e-...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runNext,
}

func init() {
	nextCmd.Flags().StringVar(&nextTimezone, "tz", "UTC", "IANA timezone the rule is evaluated in")
	nextCmd.Flags().IntVarP(&nextCount, "count", "n", 5, "Number of instants to print")
	nextCmd.Flags().StringVar(&nextAfter, "after", "", "Start of the search (RFC 3339), defaults to now")
	nextCmd.Flags().StringVar(&nextConfiguration, "configuration", "", "Read rule and timezone from a stored configuration")
}

func runNext(cmd *cobra.Command, args []string) error {
	if nextCount <= 0 {
		return fmt.Errorf("--count must be positive")
	}
	after := time.Now()
	if nextAfter != "" {
		parsed, err := time.Parse(time.RFC3339, nextAfter)
		if err != nil {
			return fmt.Errorf("--after: %w", err)
		}
		after = parsed
	}

	if nextConfiguration == "" {
		if len(args) != 1 {
			return fmt.Errorf("a rule argument or --configuration is required")
		}
		return printUpcoming(cmd.OutOrStdout(), cron.NewEvaluator(cron.DefaultCatchUpWindow), args[0], nextTimezone, after, nextCount)
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	stored, _, err := database.GetConfiguration(cmd.Context(), nextConfiguration)
	if err != nil {
		return fmt.Errorf("load configuration %s: %w", nextConfiguration, err)
	}
	last, ok, err := database.LastSucceededInstant(cmd.Context(), stored.ID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "configuration %s (%s)\n", stored.ID, stored.Repository)
	if ok {
		fmt.Fprintf(out, "last delivered: %s\n", last.In(time.UTC).Format(time.RFC3339))
	} else {
		fmt.Fprintln(out, "last delivered: never")
	}
	return printUpcoming(out, cron.NewEvaluator(cfg.Scheduler.CatchUpWindow), stored.Schedule, stored.Timezone, after, nextCount)
}

// printUpcoming writes one instant per line in the rule's timezone and UTC
func printUpcoming(w io.Writer, ev *cron.Evaluator, rule, tz string, after time.Time, count int) error {
	instants, err := ev.Upcoming(rule, tz, after, count)
	if err != nil {
		return err
	}
	if len(instants) == 0 {
		return fmt.Errorf("rule %q never fires", rule)
	}
	for _, t := range instants {
		fmt.Fprintf(w, "%s  %s\n", t.Format("Mon 2006-01-02 15:04 MST"), t.UTC().Format(time.RFC3339))
	}
	return nil
}
