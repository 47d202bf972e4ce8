// Package runner executes a validated plan against a run directory:
// it schedules tasks under the parallelism bound, supervises their
// child processes, applies retry and skip propagation, and keeps the
// durable run state current at every transition.
package runner

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/orch-dev/orch/internal/dag"
	"github.com/orch-dev/orch/internal/plan"
	"github.com/orch-dev/orch/internal/runfs"
	"github.com/orch-dev/orch/internal/state"
)

// Options configure one execution of a plan.
type Options struct {
	MaxParallel int
	FailFast    bool
	Workdir     string // resolved, absolute
	Resume      bool
	FailedOnly  bool
}

// Runner drives a single run to completion.
type Runner struct {
	plan   *plan.Plan
	graph  *dag.Graph
	runDir string
	opts   Options
	logger *slog.Logger
}

// New builds a Runner. The plan must already be validated and acyclic.
func New(p *plan.Plan, runDir string, opts Options, logger *slog.Logger) (*Runner, error) {
	if opts.MaxParallel < 1 {
		return nil, fmt.Errorf("max parallel must be >= 1, got %d", opts.MaxParallel)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		plan:   p,
		graph:  dag.Build(p),
		runDir: runDir,
		opts:   opts,
		logger: logger,
	}, nil
}

// isoTime renders a local-timezone ISO-8601 timestamp with seconds
// precision.
func isoTime(t time.Time) string {
	return t.Format(time.RFC3339)
}

func nowISO() string {
	return isoTime(time.Now())
}

// initialState builds a fresh RUNNING state with every task PENDING.
func (r *Runner) initialState() *state.RunState {
	ts := nowISO()
	home, err := filepath.Abs(filepath.Dir(filepath.Dir(r.runDir)))
	if err != nil {
		home = filepath.Dir(filepath.Dir(r.runDir))
	}
	tasks := make(map[string]*state.TaskState, len(r.plan.Tasks))
	for i := range r.plan.Tasks {
		tasks[r.plan.Tasks[i].ID] = state.NewTaskState(&r.plan.Tasks[i])
	}
	return &state.RunState{
		RunID:       filepath.Base(r.runDir),
		CreatedAt:   ts,
		UpdatedAt:   ts,
		Status:      state.RunRunning,
		Goal:        r.plan.Goal,
		PlanRelpath: runfs.PlanFileName,
		Home:        home,
		Workdir:     r.opts.Workdir,
		MaxParallel: r.opts.MaxParallel,
		FailFast:    r.opts.FailFast,
		Tasks:       tasks,
	}
}

// validateStateMatchesPlan rejects a resume where the persisted tasks
// and the frozen plan have drifted apart.
func validateStateMatchesPlan(p *plan.Plan, st *state.RunState) error {
	for _, id := range p.TaskIDs() {
		if _, ok := st.Tasks[id]; !ok {
			return fmt.Errorf("state is missing task %q from the plan", id)
		}
	}
	if len(st.Tasks) != len(p.Tasks) {
		for id := range st.Tasks {
			if p.Task(id) == nil {
				return fmt.Errorf("state contains task %q not in the plan", id)
			}
		}
	}
	return nil
}

// prepareResumeState rewrites tasks observed RUNNING in the persisted
// state: the previous process died mid-task, so they become FAILED
// with the interrupted marker before scheduling begins.
func prepareResumeState(st *state.RunState) {
	for _, ts := range st.Tasks {
		if ts.Status == state.TaskRunning {
			reason := state.SkipReasonInterrupted
			ended := nowISO()
			ts.Status = state.TaskFailed
			ts.TimedOut = false
			ts.Canceled = false
			ts.SkipReason = &reason
			ts.EndedAt = &ended
		}
	}
}

// rerunSet selects the tasks to reset for a resume. With failedOnly,
// previously FAILED tasks seed the set and non-SUCCESS downstream
// tasks join transitively; otherwise every non-SUCCESS task reruns.
func rerunSet(p *plan.Plan, g *dag.Graph, st *state.RunState, failedOnly bool) map[string]bool {
	rerun := make(map[string]bool)
	if !failedOnly {
		for _, id := range p.TaskIDs() {
			if st.Tasks[id].Status != state.TaskSuccess {
				rerun[id] = true
			}
		}
		return rerun
	}

	var queue []string
	for _, id := range p.TaskIDs() {
		if st.Tasks[id].Status == state.TaskFailed {
			rerun[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range g.Dependents[current] {
			if rerun[child] {
				continue
			}
			if st.Tasks[child].Status != state.TaskSuccess {
				rerun[child] = true
				queue = append(queue, child)
			}
		}
	}
	return rerun
}

// loadResumeState reloads persisted state and resets the rerun set. A
// leftover cancel marker from the interrupted run is cleared first:
// resume supersedes it.
func (r *Runner) loadResumeState() (*state.RunState, error) {
	state.ClearCancel(r.runDir)
	st, err := state.Load(r.runDir)
	if err != nil {
		return nil, err
	}
	if err := validateStateMatchesPlan(r.plan, st); err != nil {
		return nil, err
	}
	prepareResumeState(st)
	st.Status = state.RunRunning
	st.MaxParallel = r.opts.MaxParallel
	st.FailFast = r.opts.FailFast
	st.Workdir = r.opts.Workdir
	for id := range rerunSet(r.plan, r.graph, st, r.opts.FailedOnly) {
		st.Tasks[id].ResetForRerun()
	}
	return st, nil
}
