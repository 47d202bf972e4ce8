package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orch-dev/orch/internal/dag"
	"github.com/orch-dev/orch/internal/plan"
	"github.com/orch-dev/orch/internal/runfs"
	"github.com/orch-dev/orch/internal/runner"
	"github.com/orch-dev/orch/internal/state"
)

var (
	runMaxParallel int
	runHome        string
	runWorkdir     string
	runFailFast    bool
	runNoFailFast  bool
	runDryRun      bool
)

var runCmd = &cobra.Command{
	Use:   "run PLAN",
	Short: "Execute a plan",
	Long: `Run validates the plan, freezes a copy into a new run directory and
executes it to completion.

With --dry-run the plan is only validated and its topological order
printed; no run directory is created.

Examples:
  orch run plan.yaml
  orch run plan.yaml --max-parallel 8 --fail-fast
  orch run plan.yaml --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVar(&runMaxParallel, "max-parallel", 0, "maximum tasks running at once (default from config)")
	runCmd.Flags().StringVar(&runHome, "home", "", "orchestrator home directory (default from config)")
	runCmd.Flags().StringVar(&runWorkdir, "workdir", "", "default working directory for tasks (default from config)")
	runCmd.Flags().BoolVar(&runFailFast, "fail-fast", false, "stop admitting tasks after the first failure")
	runCmd.Flags().BoolVar(&runNoFailFast, "no-fail-fast", false, "keep admitting tasks after failures")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "validate and print topological order without executing")
}

// effectiveFailFast resolves the --fail-fast/--no-fail-fast pair
// against the configured default.
func effectiveFailFast(cmd *cobra.Command, configured bool) bool {
	if cmd.Flags().Changed("no-fail-fast") {
		return false
	}
	if cmd.Flags().Changed("fail-fast") {
		return runFailFast
	}
	return configured
}

// signalContext returns a context canceled on SIGINT/SIGTERM so an
// interrupted run winds down through the cancellation path.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received interrupt signal, canceling run...")
		cancel()
	}()
	return ctx, cancel
}

func exitCodeForRun(st *state.RunState) error {
	switch st.Status {
	case state.RunSuccess:
		return nil
	case state.RunCanceled:
		return &ExitError{Code: exitCanceled}
	default:
		return &ExitError{Code: exitRunFailed}
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg := activeConfig()
	home := cfg.Home
	if runHome != "" {
		home = runHome
	}
	workdir := cfg.Workdir
	if runWorkdir != "" {
		workdir = runWorkdir
	}
	maxParallel := cfg.MaxParallel
	if cmd.Flags().Changed("max-parallel") {
		maxParallel = runMaxParallel
	}
	if maxParallel < 1 {
		return exitf(exitPlanError, "max-parallel must be >= 1, got %d", maxParallel)
	}
	failFast := effectiveFailFast(cmd, cfg.FailFast)

	p, err := plan.Load(args[0])
	if err != nil {
		return exitf(exitPlanError, "plan validation error: %v", err)
	}
	order, err := dag.Build(p).TopoOrder()
	if err != nil {
		return exitf(exitPlanError, "plan validation error: %v", err)
	}

	if runDryRun {
		fmt.Println("Dry run - topological order:")
		for i, id := range order {
			fmt.Printf("%3d  %s\n", i+1, id)
		}
		return nil
	}

	resolvedWorkdir, err := resolveWorkdir(workdir)
	if err != nil {
		return exitf(exitPlanError, "invalid workdir: %v", err)
	}

	runID := runfs.NewRunID(time.Now())
	runDir := runfs.RunDir(home, runID)
	if err := runfs.EnsureLayout(runDir); err != nil {
		return exitf(exitPlanError, "failed to initialize run: %v", err)
	}
	if err := p.WriteSnapshot(filepath.Join(runDir, runfs.PlanFileName)); err != nil {
		return exitf(exitPlanError, "failed to initialize run: %v", err)
	}

	lock, err := state.Acquire(runDir, staleLockAge(cfg))
	if err != nil {
		return exitf(1, "%v", err)
	}
	defer lock.Release()

	r, err := runner.New(p, runDir, runner.Options{
		MaxParallel: maxParallel,
		FailFast:    failFast,
		Workdir:     resolvedWorkdir,
	}, logger)
	if err != nil {
		return exitf(exitPlanError, "%v", err)
	}

	indexRunStart(home, runID, p.Goal, resolvedWorkdir)

	ctx, cancel := signalContext()
	defer cancel()

	logger.Info("run starting", "run_id", runID, "tasks", len(p.Tasks), "max_parallel", maxParallel, "fail_fast", failFast)
	st, err := r.Run(ctx)
	if err != nil {
		return exitf(1, "run execution failed: %v", err)
	}

	finishRun(st, runDir, home)
	return exitCodeForRun(st)
}

// resolveWorkdir makes the workdir absolute and checks it exists.
func resolveWorkdir(workdir string) (string, error) {
	abs, err := filepath.Abs(workdir)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", abs)
	}
	return abs, nil
}

// finishRun writes the report, refreshes the run index and prints the
// outcome summary.
func finishRun(st *state.RunState, runDir, home string) {
	reportPath := writeReport(st, runDir)
	indexRunFinish(home, st)
	fmt.Printf("run_id: %s\n", st.RunID)
	fmt.Printf("state: %s\n", st.Status)
	fmt.Printf("report: %s\n", reportPath)
}
