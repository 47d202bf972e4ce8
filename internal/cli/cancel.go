package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orch-dev/orch/internal/runfs"
	"github.com/orch-dev/orch/internal/state"
)

var cancelHome string

var cancelCmd = &cobra.Command{
	Use:   "cancel RUN_ID",
	Short: "Request cancellation of a run",
	Long: `Cancel creates the cancellation marker in the run directory. The
scheduler observes it at task boundaries and terminates in-flight
children. Requesting cancellation twice is harmless.

Example:
  orch cancel 20260314_092653_ab12cd`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	cancelCmd.Flags().StringVar(&cancelHome, "home", "", "orchestrator home directory (default from config)")
}

func runCancel(cmd *cobra.Command, args []string) error {
	runID := args[0]
	if err := checkRunID(runID); err != nil {
		return err
	}
	cfg := activeConfig()
	home := cfg.Home
	if cancelHome != "" {
		home = cancelHome
	}
	runDir := runfs.RunDir(home, runID)
	if !runfs.RunExists(runDir) {
		return exitf(exitPlanError, "run not found: %s", runID)
	}
	if err := state.RequestCancel(runDir); err != nil {
		return exitf(exitPlanError, "failed to request cancel: %v", err)
	}
	fmt.Printf("cancel requested: %s\n", runID)
	return nil
}
