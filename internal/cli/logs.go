package cli

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/orch-dev/orch/internal/runfs"
)

var (
	logsHome string
	logsTask string
	logsTail int
)

var logsCmd = &cobra.Command{
	Use:   "logs RUN_ID",
	Short: "Print the tail of task logs",
	Long: `Logs prints the last lines of each task's stdout and stderr logs.
Log files are append-only, so tailing is safe while a run is live.

Examples:
  orch logs 20260314_092653_ab12cd
  orch logs 20260314_092653_ab12cd --task build --tail 200`,
	Args: cobra.ExactArgs(1),
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().StringVar(&logsHome, "home", "", "orchestrator home directory (default from config)")
	logsCmd.Flags().StringVar(&logsTask, "task", "", "only show logs for this task")
	logsCmd.Flags().IntVar(&logsTail, "tail", 100, "number of lines to show per stream")
}

func printTail(header, path string, n int) {
	fmt.Printf("----- %s -----\n", header)
	lines, err := runfs.TailLines(path, n)
	if err != nil {
		fmt.Printf("(unreadable: %v)\n", err)
		return
	}
	if len(lines) == 0 {
		fmt.Println("(empty)")
		return
	}
	for _, line := range lines {
		fmt.Println(line)
	}
}

func runLogs(cmd *cobra.Command, args []string) error {
	runID := args[0]
	if err := checkRunID(runID); err != nil {
		return err
	}
	cfg := activeConfig()
	home := cfg.Home
	if logsHome != "" {
		home = logsHome
	}
	runDir := runfs.RunDir(home, runID)

	st, err := snapshotState(runDir, staleLockAge(cfg))
	if err != nil {
		return exitf(exitPlanError, "failed to load state: %v", err)
	}

	var taskIDs []string
	if logsTask != "" {
		if _, ok := st.Tasks[logsTask]; !ok {
			return exitf(exitPlanError, "unknown task: %s", logsTask)
		}
		taskIDs = []string{logsTask}
	} else {
		for id := range st.Tasks {
			taskIDs = append(taskIDs, id)
		}
		sort.Strings(taskIDs)
	}

	for _, id := range taskIDs {
		ts := st.Tasks[id]
		printTail(id+" :: stdout", filepath.Join(runDir, ts.StdoutPath), logsTail)
		printTail(id+" :: stderr", filepath.Join(runDir, ts.StderrPath), logsTail)
	}
	return nil
}
