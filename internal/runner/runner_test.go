package runner

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/orch-dev/orch/internal/plan"
	"github.com/orch-dev/orch/internal/runfs"
	"github.com/orch-dev/orch/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// newRun prepares a run directory and a Runner for the given plan doc.
func newRun(t *testing.T, doc string, opts Options) (*Runner, string) {
	t.Helper()
	p, err := plan.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	home := t.TempDir()
	runDir := runfs.RunDir(home, runfs.NewRunID(time.Now()))
	if err := runfs.EnsureLayout(runDir); err != nil {
		t.Fatal(err)
	}
	if opts.Workdir == "" {
		opts.Workdir = t.TempDir()
	}
	if opts.MaxParallel == 0 {
		opts.MaxParallel = 4
	}
	r, err := New(p, runDir, opts, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, runDir
}

func runToEnd(t *testing.T, r *Runner) *state.RunState {
	t.Helper()
	st, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return st
}

func taskStatus(t *testing.T, st *state.RunState, id string) state.TaskStatus {
	t.Helper()
	ts, ok := st.Tasks[id]
	if !ok {
		t.Fatalf("missing task %s in state", id)
	}
	return ts.Status
}

func TestRun_LinearSuccess(t *testing.T) {
	r, _ := newRun(t, `
tasks:
  - id: a
    cmd: "true"
  - id: b
    cmd: "true"
    depends_on: [a]
  - id: c
    cmd: "true"
    depends_on: [b]
`, Options{})
	st := runToEnd(t, r)
	if st.Status != state.RunSuccess {
		t.Errorf("expected SUCCESS, got %s", st.Status)
	}
	for _, id := range []string{"a", "b", "c"} {
		if got := taskStatus(t, st, id); got != state.TaskSuccess {
			t.Errorf("task %s: expected SUCCESS, got %s", id, got)
		}
		if st.Tasks[id].Attempts != 1 {
			t.Errorf("task %s: expected 1 attempt, got %d", id, st.Tasks[id].Attempts)
		}
	}
}

func TestRun_SkipPropagation(t *testing.T) {
	r, _ := newRun(t, `
tasks:
  - id: a
    cmd: "false"
  - id: b
    cmd: "true"
    depends_on: [a]
  - id: c
    cmd: "true"
    depends_on: [b]
`, Options{})
	st := runToEnd(t, r)
	if st.Status != state.RunFailed {
		t.Errorf("expected FAILED run, got %s", st.Status)
	}
	if got := taskStatus(t, st, "a"); got != state.TaskFailed {
		t.Errorf("a: expected FAILED, got %s", got)
	}
	if got := taskStatus(t, st, "b"); got != state.TaskSkipped {
		t.Errorf("b: expected SKIPPED, got %s", got)
	}
	if reason := st.Tasks["b"].SkipReason; reason == nil || *reason != "dependency_failed:a" {
		t.Errorf("b skip_reason: %v", reason)
	}
	if reason := st.Tasks["c"].SkipReason; reason == nil || *reason != "dependency_failed:b" {
		t.Errorf("c skip_reason: %v", reason)
	}
	if code := st.Tasks["a"].ExitCode; code == nil || *code != 1 {
		t.Errorf("a exit code: %v", code)
	}
}

func TestRun_RetryRecovery(t *testing.T) {
	work := t.TempDir()
	r, runDir := newRun(t, `
tasks:
  - id: flaky
    cmd: ["sh", "-c", "n=$(cat count 2>/dev/null || echo 0); n=$((n+1)); echo $n > count; echo attempt $n; [ $n -ge 3 ]"]
    retries: 2
    retry_backoff_sec: [0.05, 0.1]
`, Options{Workdir: work})
	st := runToEnd(t, r)
	if st.Status != state.RunSuccess {
		t.Fatalf("expected SUCCESS, got %s", st.Status)
	}
	ts := st.Tasks["flaky"]
	if ts.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", ts.Attempts)
	}
	out, err := os.ReadFile(filepath.Join(runDir, ts.StdoutPath))
	if err != nil {
		t.Fatalf("reading stdout log: %v", err)
	}
	if n := strings.Count(string(out), "===== attempt "); n != 3 {
		t.Errorf("expected 3 attempt separators, got %d in:\n%s", n, out)
	}
	if !strings.Contains(string(out), "attempt 3 / 3") {
		t.Errorf("missing final attempt header:\n%s", out)
	}
}

func TestRun_RetriesExhausted(t *testing.T) {
	r, _ := newRun(t, `
tasks:
  - id: doomed
    cmd: "false"
    retries: 1
`, Options{})
	st := runToEnd(t, r)
	if st.Status != state.RunFailed {
		t.Errorf("expected FAILED, got %s", st.Status)
	}
	if st.Tasks["doomed"].Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", st.Tasks["doomed"].Attempts)
	}
}

func TestRun_ZeroRetriesSingleAttempt(t *testing.T) {
	r, _ := newRun(t, `
tasks:
  - id: once
    cmd: "false"
`, Options{})
	st := runToEnd(t, r)
	if st.Tasks["once"].Attempts != 1 {
		t.Errorf("retries=0 must mean exactly one attempt, got %d", st.Tasks["once"].Attempts)
	}
}

func TestRun_Timeout(t *testing.T) {
	r, _ := newRun(t, `
tasks:
  - id: slow
    cmd: ["sleep", "10"]
    timeout_sec: 0.5
`, Options{})
	start := time.Now()
	st := runToEnd(t, r)
	if elapsed := time.Since(start); elapsed > 8*time.Second {
		t.Errorf("timeout enforcement took too long: %v", elapsed)
	}
	ts := st.Tasks["slow"]
	if ts.Status != state.TaskFailed {
		t.Errorf("expected FAILED, got %s", ts.Status)
	}
	if !ts.TimedOut {
		t.Error("expected timed_out = true")
	}
	if ts.ExitCode != nil {
		t.Errorf("expected nil exit code, got %v", *ts.ExitCode)
	}
	if st.Status != state.RunFailed {
		t.Errorf("expected FAILED run, got %s", st.Status)
	}
}

func TestRun_TimeoutFastExitStillSucceeds(t *testing.T) {
	r, _ := newRun(t, `
tasks:
  - id: quick
    cmd: "true"
    timeout_sec: 30
`, Options{})
	st := runToEnd(t, r)
	if got := taskStatus(t, st, "quick"); got != state.TaskSuccess {
		t.Errorf("expected SUCCESS, got %s", got)
	}
}

func TestRun_MidRunCancel(t *testing.T) {
	r, runDir := newRun(t, `
tasks:
  - id: a
    cmd: ["sleep", "30"]
  - id: b
    cmd: "true"
    depends_on: [a]
`, Options{})

	go func() {
		time.Sleep(700 * time.Millisecond)
		_ = state.RequestCancel(runDir)
	}()

	start := time.Now()
	st := runToEnd(t, r)
	if elapsed := time.Since(start); elapsed > 15*time.Second {
		t.Errorf("cancel took too long: %v", elapsed)
	}
	if st.Status != state.RunCanceled {
		t.Errorf("expected CANCELED run, got %s", st.Status)
	}
	a := st.Tasks["a"]
	if a.Status != state.TaskCanceled || !a.Canceled {
		t.Errorf("a: expected CANCELED, got %+v", a)
	}
	b := st.Tasks["b"]
	if b.Status != state.TaskCanceled {
		t.Errorf("b: expected CANCELED, got %s", b.Status)
	}
	if b.SkipReason == nil || *b.SkipReason != state.SkipReasonRunCanceled {
		t.Errorf("b skip_reason: %v", b.SkipReason)
	}
}

func TestRun_ContextCancelStopsRun(t *testing.T) {
	r, _ := newRun(t, `
tasks:
  - id: a
    cmd: ["sleep", "30"]
`, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(500 * time.Millisecond)
		cancel()
	}()
	st, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Status != state.RunCanceled {
		t.Errorf("expected CANCELED, got %s", st.Status)
	}
}

func TestRun_FailFast(t *testing.T) {
	r, _ := newRun(t, `
tasks:
  - id: bad
    cmd: "false"
  - id: slowpoke
    cmd: ["sleep", "2"]
  - id: later
    cmd: "true"
    depends_on: [slowpoke]
`, Options{MaxParallel: 1, FailFast: true})
	st := runToEnd(t, r)
	if st.Status != state.RunFailed {
		t.Errorf("expected FAILED, got %s", st.Status)
	}
	if got := taskStatus(t, st, "bad"); got != state.TaskFailed {
		t.Errorf("bad: expected FAILED, got %s", got)
	}
	// slowpoke was never admitted (parallel=1, bad ran first and
	// failed), so fail-fast skips it and its dependent.
	for _, id := range []string{"slowpoke", "later"} {
		if got := taskStatus(t, st, id); got != state.TaskSkipped {
			t.Errorf("%s: expected SKIPPED, got %s", id, got)
		}
	}
	if reason := st.Tasks["slowpoke"].SkipReason; reason == nil || !strings.HasPrefix(*reason, "dependency_failed:") {
		t.Errorf("slowpoke skip_reason: %v", reason)
	}
}

func TestRun_FailFastLetsRunningFinish(t *testing.T) {
	work := t.TempDir()
	r, _ := newRun(t, `
tasks:
  - id: survivor
    cmd: ["sh", "-c", "sleep 1; echo done > survived"]
  - id: bad
    cmd: ["sh", "-c", "sleep 0.2; exit 1"]
`, Options{MaxParallel: 2, FailFast: true, Workdir: work})
	st := runToEnd(t, r)
	if got := taskStatus(t, st, "survivor"); got != state.TaskSuccess {
		t.Errorf("running task must finish under fail-fast, got %s", got)
	}
	if _, err := os.Stat(filepath.Join(work, "survived")); err != nil {
		t.Errorf("survivor's output missing: %v", err)
	}
}

func TestRun_ParallelismBound(t *testing.T) {
	work := t.TempDir()
	r, _ := newRun(t, `
tasks:
  - id: t1
    cmd: ["sh", "-c", "echo start >> seq; sleep 0.2; echo end >> seq"]
  - id: t2
    cmd: ["sh", "-c", "echo start >> seq; sleep 0.2; echo end >> seq"]
  - id: t3
    cmd: ["sh", "-c", "echo start >> seq; sleep 0.2; echo end >> seq"]
`, Options{MaxParallel: 1, Workdir: work})
	st := runToEnd(t, r)
	if st.Status != state.RunSuccess {
		t.Fatalf("expected SUCCESS, got %s", st.Status)
	}
	data, err := os.ReadFile(filepath.Join(work, "seq"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Fields(strings.TrimSpace(string(data)))
	want := []string{"start", "end", "start", "end", "start", "end"}
	if len(lines) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), lines)
	}
	for i, ev := range want {
		if lines[i] != ev {
			t.Fatalf("with max_parallel=1 executions must not overlap: %v", lines)
		}
	}
}

func TestRun_EnvOverlayAndCwd(t *testing.T) {
	work := t.TempDir()
	sub := filepath.Join(work, "nested")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	r, runDir := newRun(t, `
tasks:
  - id: env
    cmd: ["sh", "-c", "echo $ORCH_TEST_VALUE; pwd"]
    cwd: nested
    env:
      ORCH_TEST_VALUE: overlay-wins
`, Options{Workdir: work})
	st := runToEnd(t, r)
	if st.Status != state.RunSuccess {
		t.Fatalf("expected SUCCESS, got %s", st.Status)
	}
	out, err := os.ReadFile(filepath.Join(runDir, st.Tasks["env"].StdoutPath))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "overlay-wins") {
		t.Errorf("env overlay missing from output:\n%s", out)
	}
	if !strings.Contains(string(out), "nested") {
		t.Errorf("cwd not honored:\n%s", out)
	}
}

func TestRun_StartFailure(t *testing.T) {
	r, runDir := newRun(t, `
tasks:
  - id: ghost
    cmd: ["/definitely/not/a/binary"]
    retries: 3
`, Options{})
	st := runToEnd(t, r)
	ts := st.Tasks["ghost"]
	if ts.Status != state.TaskFailed {
		t.Errorf("expected FAILED, got %s", ts.Status)
	}
	if ts.Attempts != 1 {
		t.Errorf("start failures must not be retried, got %d attempts", ts.Attempts)
	}
	if ts.ExitCode == nil || *ts.ExitCode != 127 {
		t.Errorf("expected exit code 127, got %v", ts.ExitCode)
	}
	errLog, err := os.ReadFile(filepath.Join(runDir, ts.StderrPath))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(errLog), "failed to start process") {
		t.Errorf("stderr log missing start-failure line:\n%s", errLog)
	}
}

func TestRun_ArtifactCollection(t *testing.T) {
	work := t.TempDir()
	aggregate := filepath.Join(work, "collected")
	r, runDir := newRun(t, `
artifacts_dir: collected
tasks:
  - id: producer
    cmd: ["sh", "-c", "mkdir -p out/deep; echo data > out/report.txt; echo more > out/deep/extra.txt"]
    outputs: ["out/**"]
`, Options{Workdir: work})
	st := runToEnd(t, r)
	if st.Status != state.RunSuccess {
		t.Fatalf("expected SUCCESS, got %s", st.Status)
	}
	ts := st.Tasks["producer"]
	if len(ts.ArtifactPaths) != 2 {
		t.Fatalf("expected 2 artifacts, got %v", ts.ArtifactPaths)
	}
	for _, rel := range ts.ArtifactPaths {
		if _, err := os.Stat(filepath.Join(runDir, rel)); err != nil {
			t.Errorf("artifact %s missing: %v", rel, err)
		}
	}
	if _, err := os.Stat(filepath.Join(aggregate, "producer", "out", "report.txt")); err != nil {
		t.Errorf("aggregate copy missing: %v", err)
	}
}

func TestRun_ArtifactsCollectedAfterFailure(t *testing.T) {
	work := t.TempDir()
	r, runDir := newRun(t, `
tasks:
  - id: partial
    cmd: ["sh", "-c", "echo partial > result.txt; exit 1"]
    outputs: ["result.txt"]
`, Options{Workdir: work})
	st := runToEnd(t, r)
	ts := st.Tasks["partial"]
	if ts.Status != state.TaskFailed {
		t.Fatalf("expected FAILED, got %s", ts.Status)
	}
	if len(ts.ArtifactPaths) != 1 {
		t.Fatalf("artifacts must be collected after failure, got %v", ts.ArtifactPaths)
	}
	if _, err := os.Stat(filepath.Join(runDir, ts.ArtifactPaths[0])); err != nil {
		t.Errorf("artifact missing: %v", err)
	}
}

func TestRun_StatePersistedDuringRun(t *testing.T) {
	r, runDir := newRun(t, `
tasks:
  - id: a
    cmd: "true"
`, Options{})
	st := runToEnd(t, r)
	if st.Status != state.RunSuccess {
		t.Fatal(st.Status)
	}
	onDisk, err := state.Load(runDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if onDisk.Status != state.RunSuccess {
		t.Errorf("persisted status %s", onDisk.Status)
	}
	if onDisk.Tasks["a"].Status != state.TaskSuccess {
		t.Errorf("persisted task status %s", onDisk.Tasks["a"].Status)
	}
}
