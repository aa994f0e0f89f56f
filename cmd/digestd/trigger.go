package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/digestd/internal/ledger"
	"github.com/livinlefevreloca/digestd/internal/scheduler"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger <configuration-id>",
	Short: "Run one configuration now and wait for the result",
	Long: `trigger claims the current minute for the configuration and runs its
pipeline in this process, skipping only the due check. A run already claimed,
delivered or failed for the same minute is reported and not repeated.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrigger,
}

type triggerOutput struct {
	Outcome       string                 `json:"outcome"`
	RunKey        string                 `json:"run_key,omitempty"`
	RunID         string                 `json:"run_id,omitempty"`
	State         ledger.State           `json:"state,omitempty"`
	Suppressed    bool                   `json:"suppressed,omitempty"`
	ActivityCount int                    `json:"activity_count"`
	Error         string                 `json:"error,omitempty"`
	Deliveries    []ledger.TargetOutcome `json:"deliveries,omitempty"`
}

func runTrigger(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.sched.Trigger(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := newTriggerOutput(res)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}

	if res.Outcome != ledger.ClaimAcquired {
		return fmt.Errorf("run not executed: %s", res.Outcome)
	}
	if out.State == ledger.StateFailed {
		return fmt.Errorf("run failed: %s", out.Error)
	}
	return nil
}

func newTriggerOutput(res *scheduler.TriggerResult) triggerOutput {
	out := triggerOutput{Outcome: res.Outcome.String()}
	if res.Run != nil {
		out.RunKey = res.Run.Key
		out.RunID = res.Run.RunID
		out.State = res.Run.State
		out.ActivityCount = res.Run.ActivityCount
		out.Error = res.Run.ErrorDetail
		out.Deliveries = res.Run.Deliveries
	}
	if res.Result != nil {
		out.Suppressed = res.Result.Suppressed
	}
	return out
}
