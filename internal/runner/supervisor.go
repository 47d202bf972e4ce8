package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orch-dev/orch/internal/plan"
	"github.com/orch-dev/orch/internal/runfs"
	"github.com/orch-dev/orch/internal/state"
)

// monitorInterval is the cadence at which a supervisor re-checks the
// cancel marker and the task deadline while its child is alive.
const monitorInterval = 100 * time.Millisecond

// termGrace is how long a child gets between SIGTERM and SIGKILL.
const termGrace = 2 * time.Second

// startFailExitCode is recorded when the child process could not be
// spawned at all (missing binary, bad cwd). Mirrors the shell's
// command-not-found convention.
const startFailExitCode = 127

// attemptResult is the outcome of a single launch of a task's command.
type attemptResult struct {
	exitCode    *int
	timedOut    bool
	canceled    bool
	startFailed bool
	startedAt   string
	endedAt     string
	durationSec float64
}

// success reports whether the attempt counts as SUCCESS.
func (r *attemptResult) success() bool {
	return !r.timedOut && !r.canceled && r.exitCode != nil && *r.exitCode == 0
}

// appendAttemptHeader writes the separator line that precedes each
// attempt's output in the task's log files.
func appendAttemptHeader(logPath string, attempt, maxAttempts int) {
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	fmt.Fprintf(f, "\n===== attempt %d / %d =====\n", attempt, maxAttempts)
	f.Close()
}

// appendLogLine appends a line to a log file, best-effort.
func appendLogLine(logPath, text string) {
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	fmt.Fprintln(f, text)
	f.Close()
}

// resolveTaskCwd resolves a task's working directory against the run's
// default.
func resolveTaskCwd(taskCwd, defaultCwd string) string {
	if taskCwd == "" {
		return defaultCwd
	}
	if filepath.IsAbs(taskCwd) {
		return taskCwd
	}
	return filepath.Join(defaultCwd, taskCwd)
}

// mergedEnv overlays the task env on the parent environment.
func mergedEnv(overlay map[string]string) []string {
	if len(overlay) == 0 {
		return nil // exec.Cmd inherits the parent environment
	}
	env := os.Environ()
	for k, v := range overlay {
		env = append(env, k+"="+v)
	}
	return env
}

// streamToFile drains r into an append-only log file in bounded
// chunks. The full output is never held in memory.
func streamToFile(r io.Reader, logPath string) error {
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := make([]byte, 4096)
	_, err = io.CopyBuffer(f, r, buf)
	return err
}

// terminateThenKill asks the child to exit, waits a grace period, then
// kills it. done delivers the child's Wait result exactly once.
func terminateThenKill(cmd *exec.Cmd, done <-chan error) {
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(termGrace):
	}
	_ = cmd.Process.Kill()
	select {
	case <-done:
	case <-time.After(termGrace):
		// A grandchild holding the stdio pipes open can stall the
		// stream readers past the child's death. Give up waiting; the
		// attempt is already terminal for the scheduler.
	}
}

// runAttempt launches one attempt of the task's command and supervises
// it to completion: log streaming, deadline enforcement and
// cancellation. ctx cancellation and the on-disk cancel marker both
// stop the child with the terminate-then-kill escalation.
func runAttempt(ctx context.Context, task *plan.Task, runDir string, attempt int, defaultCwd string) attemptResult {
	startedAt := time.Now()
	res := attemptResult{startedAt: isoTime(startedAt)}

	outPath := filepath.Join(runDir, runfs.StdoutLogPath(task.ID))
	errPath := filepath.Join(runDir, runfs.StderrLogPath(task.ID))
	appendAttemptHeader(outPath, attempt, task.MaxAttempts())
	appendAttemptHeader(errPath, attempt, task.MaxAttempts())

	finish := func() attemptResult {
		ended := time.Now()
		res.endedAt = isoTime(ended)
		res.durationSec = ended.Sub(startedAt).Seconds()
		return res
	}

	cmd := exec.Command(task.Cmd[0], task.Cmd[1:]...)
	cmd.Dir = resolveTaskCwd(task.Cwd, defaultCwd)
	cmd.Env = mergedEnv(task.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		appendLogLine(errPath, fmt.Sprintf("failed to start process: %v", err))
		code := startFailExitCode
		res.exitCode = &code
		res.startFailed = true
		return finish()
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		appendLogLine(errPath, fmt.Sprintf("failed to start process: %v", err))
		code := startFailExitCode
		res.exitCode = &code
		res.startFailed = true
		return finish()
	}

	if err := cmd.Start(); err != nil {
		appendLogLine(errPath, fmt.Sprintf("failed to start process: %v", err))
		code := startFailExitCode
		res.exitCode = &code
		res.startFailed = true
		return finish()
	}

	// Two concurrent readers drain the pipes into the log files. Wait
	// is only called after both hit EOF, per the os/exec pipe contract.
	var streams errgroup.Group
	streams.Go(func() error { return streamToFile(stdout, outPath) })
	streams.Go(func() error { return streamToFile(stderr, errPath) })

	done := make(chan error, 1)
	go func() {
		_ = streams.Wait()
		done <- cmd.Wait()
	}()

	var deadline <-chan time.Time
	if task.TimeoutSec != nil {
		timer := time.NewTimer(time.Duration(*task.TimeoutSec * float64(time.Second)))
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case waitErr := <-done:
			res.exitCode = exitCodeOf(cmd, waitErr)
			return finish()

		case <-ctx.Done():
			terminateThenKill(cmd, done)
			res.canceled = true
			return finish()

		case <-deadline:
			terminateThenKill(cmd, done)
			if state.CancelRequested(runDir) {
				// A cancel observed before the child's death is
				// confirmed wins over the timeout.
				res.canceled = true
			} else {
				res.timedOut = true
			}
			return finish()

		case <-ticker.C:
			if state.CancelRequested(runDir) {
				terminateThenKill(cmd, done)
				res.canceled = true
				return finish()
			}
		}
	}
}

// exitCodeOf extracts the child's exit code from Wait's result. A
// signal death or wait failure yields the raw code reported by the
// runtime.
func exitCodeOf(cmd *exec.Cmd, waitErr error) *int {
	if waitErr == nil {
		code := 0
		return &code
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		code := exitErr.ExitCode()
		return &code
	}
	if cmd.ProcessState != nil {
		code := cmd.ProcessState.ExitCode()
		return &code
	}
	code := startFailExitCode
	return &code
}
