package cli

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/orch-dev/orch/internal/dag"
	"github.com/orch-dev/orch/internal/plan"
	"github.com/orch-dev/orch/internal/runfs"
	"github.com/orch-dev/orch/internal/runner"
	"github.com/orch-dev/orch/internal/state"
)

var (
	resumeHome        string
	resumeWorkdir     string
	resumeMaxParallel int
	resumeFailFast    bool
	resumeNoFailFast  bool
	resumeFailedOnly  bool
)

var resumeCmd = &cobra.Command{
	Use:   "resume RUN_ID",
	Short: "Resume an interrupted or failed run",
	Long: `Resume re-executes the identified run from its frozen plan snapshot.

Tasks that already succeeded are never re-executed. A task recorded as
RUNNING (the previous process died mid-task) is treated as failed and
becomes eligible again. With --failed-only, only previously failed
tasks and their non-successful downstream are re-executed.

Examples:
  orch resume 20260314_092653_ab12cd
  orch resume 20260314_092653_ab12cd --failed-only`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeHome, "home", "", "orchestrator home directory (default from config)")
	resumeCmd.Flags().StringVar(&resumeWorkdir, "workdir", "", "default working directory for tasks (default from config)")
	resumeCmd.Flags().IntVar(&resumeMaxParallel, "max-parallel", 0, "maximum tasks running at once (default from config)")
	resumeCmd.Flags().BoolVar(&resumeFailFast, "fail-fast", false, "stop admitting tasks after the first failure")
	resumeCmd.Flags().BoolVar(&resumeNoFailFast, "no-fail-fast", false, "keep admitting tasks after failures")
	resumeCmd.Flags().BoolVar(&resumeFailedOnly, "failed-only", false, "only re-execute previously failed tasks and their downstream")
}

func runResume(cmd *cobra.Command, args []string) error {
	runID := args[0]
	if err := checkRunID(runID); err != nil {
		return err
	}
	cfg := activeConfig()
	home := cfg.Home
	if resumeHome != "" {
		home = resumeHome
	}
	workdir := cfg.Workdir
	if resumeWorkdir != "" {
		workdir = resumeWorkdir
	}
	maxParallel := cfg.MaxParallel
	if cmd.Flags().Changed("max-parallel") {
		maxParallel = resumeMaxParallel
	}
	failFast := cfg.FailFast
	if cmd.Flags().Changed("no-fail-fast") {
		failFast = false
	} else if cmd.Flags().Changed("fail-fast") {
		failFast = resumeFailFast
	}

	runDir := runfs.RunDir(home, runID)
	if !runfs.RunExists(runDir) {
		return exitf(exitPlanError, "run not found: %s", runID)
	}

	resolvedWorkdir, err := resolveWorkdir(workdir)
	if err != nil {
		return exitf(exitPlanError, "invalid workdir: %v", err)
	}

	lock, err := state.Acquire(runDir, staleLockAge(cfg))
	if err != nil {
		return exitf(1, "%v", err)
	}
	defer lock.Release()

	// The frozen snapshot, not the originally supplied path, drives
	// the resume.
	p, err := plan.Load(filepath.Join(runDir, runfs.PlanFileName))
	if err != nil {
		return exitf(exitPlanError, "plan validation error: %v", err)
	}
	if _, err := dag.Build(p).TopoOrder(); err != nil {
		return exitf(exitPlanError, "plan validation error: %v", err)
	}

	r, err := runner.New(p, runDir, runner.Options{
		MaxParallel: maxParallel,
		FailFast:    failFast,
		Workdir:     resolvedWorkdir,
		Resume:      true,
		FailedOnly:  resumeFailedOnly,
	}, logger)
	if err != nil {
		return exitf(exitPlanError, "%v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	logger.Info("resuming run", "run_id", runID, "failed_only", resumeFailedOnly)
	st, err := r.Run(ctx)
	if err != nil {
		return exitf(exitPlanError, "run not found or broken: %v", err)
	}

	finishRun(st, runDir, home)
	return exitCodeForRun(st)
}
