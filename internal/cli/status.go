package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/orch-dev/orch/internal/runfs"
	"github.com/orch-dev/orch/internal/state"
)

var (
	statusHome string
	statusJSON bool
)

var statusCmd = &cobra.Command{
	Use:   "status RUN_ID",
	Short: "Show the task table of a run",
	Long: `Status prints a snapshot of the run's task states.

The lock is attempted briefly; if a writer holds the run the snapshot
is read anyway and may trail the live state by a save or two.

Examples:
  orch status 20260314_092653_ab12cd
  orch status 20260314_092653_ab12cd --json`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusHome, "home", "", "orchestrator home directory (default from config)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output the state snapshot as JSON")
}

// snapshotState reads a run's state, briefly contending for the lock
// and falling back to a lock-free read. Observer commands never
// mutate.
func snapshotState(runDir string, staleAge time.Duration) (*state.RunState, error) {
	lock, err := state.AcquireWithRetry(runDir, staleAge, 5, 100*time.Millisecond)
	if err == nil {
		defer lock.Release()
		return state.Load(runDir)
	}
	if errors.Is(err, state.ErrLockHeld) {
		logger.Warn("run is held by a writer; the view may be stale")
		return state.Load(runDir)
	}
	return nil, err
}

func runStatus(cmd *cobra.Command, args []string) error {
	runID := args[0]
	if err := checkRunID(runID); err != nil {
		return err
	}
	cfg := activeConfig()
	home := cfg.Home
	if statusHome != "" {
		home = statusHome
	}
	runDir := runfs.RunDir(home, runID)

	st, err := snapshotState(runDir, staleLockAge(cfg))
	if err != nil {
		return exitf(exitPlanError, "failed to load state: %v", err)
	}

	if statusJSON {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("run: %s  status: %s  goal: %s\n\n", st.RunID, st.Status, st.Goal)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATUS\tATTEMPTS\tDURATION\tEXIT\tSKIP REASON")
	ids := make([]string, 0, len(st.Tasks))
	for id := range st.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ts := st.Tasks[id]
		duration := "-"
		if ts.DurationSec != nil {
			duration = fmt.Sprintf("%.2fs", *ts.DurationSec)
		}
		exit := "-"
		if ts.ExitCode != nil {
			exit = fmt.Sprintf("%d", *ts.ExitCode)
		}
		reason := ""
		if ts.SkipReason != nil {
			reason = *ts.SkipReason
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", id, ts.Status, ts.Attempts, duration, exit, reason)
	}
	return w.Flush()
}
