package runner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/orch-dev/orch/internal/plan"
	"github.com/orch-dev/orch/internal/state"
)

const resumePlanDoc = `
tasks:
  - id: a
    cmd: ["sh", "-c", "echo ran-a >> a-runs"]
  - id: b
    cmd: ["sh", "-c", "[ -f b-flag ] && echo ran-b >> b-runs"]
    depends_on: [a]
`

// firstFailedRun executes the resume plan once with b failing and
// returns the run directory and the resulting state.
func firstFailedRun(t *testing.T, work string) (string, *state.RunState) {
	t.Helper()
	r, runDir := newRun(t, resumePlanDoc, Options{Workdir: work})
	st := runToEnd(t, r)
	if st.Status != state.RunFailed {
		t.Fatalf("setup run should fail, got %s", st.Status)
	}
	if st.Tasks["a"].Status != state.TaskSuccess || st.Tasks["b"].Status != state.TaskFailed {
		t.Fatalf("unexpected setup statuses: a=%s b=%s", st.Tasks["a"].Status, st.Tasks["b"].Status)
	}
	return runDir, st
}

func resumeRunner(t *testing.T, runDir, work string, failedOnly bool) *Runner {
	t.Helper()
	p, err := plan.Parse([]byte(resumePlanDoc))
	if err != nil {
		t.Fatal(err)
	}
	r, err := New(p, runDir, Options{
		MaxParallel: 2,
		Workdir:     work,
		Resume:      true,
		FailedOnly:  failedOnly,
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestResume_ReExecutesFailedOnly(t *testing.T) {
	work := t.TempDir()
	runDir, _ := firstFailedRun(t, work)

	// Make b succeed this time.
	if err := os.WriteFile(filepath.Join(work, "b-flag"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	st := runToEnd(t, resumeRunner(t, runDir, work, false))
	if st.Status != state.RunSuccess {
		t.Fatalf("expected SUCCESS after resume, got %s", st.Status)
	}

	// a was SUCCESS and must not have run again.
	data, err := os.ReadFile(filepath.Join(work, "a-runs"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "ran-a\n" {
		t.Errorf("a re-executed on resume: %q", data)
	}
}

func TestResume_RewritesInterruptedRunning(t *testing.T) {
	work := t.TempDir()
	runDir, st := firstFailedRun(t, work)

	// Simulate a crash mid-task: persist b as RUNNING.
	st.Tasks["b"].Status = state.TaskRunning
	st.Status = state.RunRunning
	if err := state.Save(runDir, st); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(work, "b-flag"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	final := runToEnd(t, resumeRunner(t, runDir, work, true))
	if final.Status != state.RunSuccess {
		t.Fatalf("expected SUCCESS, got %s", final.Status)
	}
	if final.Tasks["b"].Status != state.TaskSuccess {
		t.Errorf("b should be re-executed to SUCCESS, got %s", final.Tasks["b"].Status)
	}
	if final.Tasks["a"].Attempts != 1 {
		t.Errorf("a must not be re-executed, attempts=%d", final.Tasks["a"].Attempts)
	}
}

func TestResume_FullySuccessfulIsNoOp(t *testing.T) {
	work := t.TempDir()
	if err := os.WriteFile(filepath.Join(work, "b-flag"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	r, runDir := newRun(t, resumePlanDoc, Options{Workdir: work})
	st := runToEnd(t, r)
	if st.Status != state.RunSuccess {
		t.Fatalf("setup: %s", st.Status)
	}

	st2 := runToEnd(t, resumeRunner(t, runDir, work, false))
	if st2.Status != state.RunSuccess {
		t.Errorf("expected SUCCESS, got %s", st2.Status)
	}
	data, err := os.ReadFile(filepath.Join(work, "a-runs"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "ran-a\n" {
		t.Errorf("resume of a successful run must not re-execute tasks: %q", data)
	}
}

func TestResume_FailedOnlyReRunsSkippedDownstream(t *testing.T) {
	work := t.TempDir()
	doc := `
tasks:
  - id: root
    cmd: ["sh", "-c", "[ -f root-flag ]"]
  - id: mid
    cmd: ["sh", "-c", "echo mid >> mid-runs"]
    depends_on: [root]
  - id: leaf
    cmd: ["sh", "-c", "echo leaf >> leaf-runs"]
    depends_on: [mid]
`
	r, runDir := newRun(t, doc, Options{Workdir: work})
	st := runToEnd(t, r)
	if st.Tasks["root"].Status != state.TaskFailed ||
		st.Tasks["mid"].Status != state.TaskSkipped ||
		st.Tasks["leaf"].Status != state.TaskSkipped {
		t.Fatalf("unexpected setup: %s/%s/%s",
			st.Tasks["root"].Status, st.Tasks["mid"].Status, st.Tasks["leaf"].Status)
	}

	if err := os.WriteFile(filepath.Join(work, "root-flag"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := plan.Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	rr, err := New(p, runDir, Options{MaxParallel: 2, Workdir: work, Resume: true, FailedOnly: true}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	final := runToEnd(t, rr)
	if final.Status != state.RunSuccess {
		t.Fatalf("expected SUCCESS, got %s", final.Status)
	}
	for _, id := range []string{"root", "mid", "leaf"} {
		if final.Tasks[id].Status != state.TaskSuccess {
			t.Errorf("%s: expected SUCCESS, got %s", id, final.Tasks[id].Status)
		}
	}
}

func TestResume_ClearsLeftoverCancelMarker(t *testing.T) {
	work := t.TempDir()
	runDir, _ := firstFailedRun(t, work)
	if err := state.RequestCancel(runDir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(work, "b-flag"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	st := runToEnd(t, resumeRunner(t, runDir, work, false))
	if st.Status != state.RunSuccess {
		t.Errorf("expected SUCCESS (marker cleared), got %s", st.Status)
	}
	if state.CancelRequested(runDir) {
		t.Error("marker should have been removed by resume")
	}
}

func TestResume_RejectsPlanDrift(t *testing.T) {
	work := t.TempDir()
	runDir, _ := firstFailedRun(t, work)

	drifted, err := plan.Parse([]byte(`
tasks:
  - id: stranger
    cmd: "true"
`))
	if err != nil {
		t.Fatal(err)
	}
	rr, err := New(drifted, runDir, Options{MaxParallel: 1, Workdir: work, Resume: true}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rr.Run(t.Context()); err == nil {
		t.Error("expected resume to reject a plan that does not match the state")
	}
}
