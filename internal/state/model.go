// Package state holds the durable run-state document, its atomic
// persistence, the per-run exclusive lock and the cancellation marker.
package state

import (
	"fmt"

	"github.com/orch-dev/orch/internal/plan"
	"github.com/orch-dev/orch/internal/runfs"
)

// RunStatus is the lifecycle status of a run.
type RunStatus string

// TaskStatus is the lifecycle status of a single task.
type TaskStatus string

const (
	RunPending  RunStatus = "PENDING"
	RunRunning  RunStatus = "RUNNING"
	RunSuccess  RunStatus = "SUCCESS"
	RunFailed   RunStatus = "FAILED"
	RunCanceled RunStatus = "CANCELED"
)

const (
	TaskPending  TaskStatus = "PENDING"
	TaskReady    TaskStatus = "READY"
	TaskRunning  TaskStatus = "RUNNING"
	TaskSuccess  TaskStatus = "SUCCESS"
	TaskFailed   TaskStatus = "FAILED"
	TaskSkipped  TaskStatus = "SKIPPED"
	TaskCanceled TaskStatus = "CANCELED"
)

// Skip reasons recorded on terminal, never-executed tasks.
const (
	SkipReasonInterrupted = "previous_run_interrupted"
	SkipReasonRunCanceled = "run_canceled"
)

// SkipReasonDependencyFailed names the first non-success upstream that
// made a task unrunnable.
func SkipReasonDependencyFailed(upstreamID string) string {
	return "dependency_failed:" + upstreamID
}

var validRunStatus = map[RunStatus]bool{
	RunPending: true, RunRunning: true, RunSuccess: true, RunFailed: true, RunCanceled: true,
}

var validTaskStatus = map[TaskStatus]bool{
	TaskPending: true, TaskReady: true, TaskRunning: true, TaskSuccess: true,
	TaskFailed: true, TaskSkipped: true, TaskCanceled: true,
}

// Terminal reports whether a task status admits no further transition.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSuccess, TaskFailed, TaskSkipped, TaskCanceled:
		return true
	}
	return false
}

// Terminal reports whether a run status admits no further transition.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunCanceled:
		return true
	}
	return false
}

// TaskState is the mutable execution record of one task. The task's
// static parameters are carried alongside so state.json is
// self-contained for observers.
type TaskState struct {
	Status          TaskStatus        `json:"status"`
	DependsOn       []string          `json:"depends_on"`
	Cmd             []string          `json:"cmd"`
	Cwd             string            `json:"cwd,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	TimeoutSec      *float64          `json:"timeout_sec"`
	Retries         int               `json:"retries"`
	RetryBackoffSec []float64         `json:"retry_backoff_sec"`
	Outputs         []string          `json:"outputs"`
	Attempts        int               `json:"attempts"`
	StartedAt       *string           `json:"started_at"`
	EndedAt         *string           `json:"ended_at"`
	DurationSec     *float64          `json:"duration_sec"`
	ExitCode        *int              `json:"exit_code"`
	TimedOut        bool              `json:"timed_out"`
	Canceled        bool              `json:"canceled"`
	SkipReason      *string           `json:"skip_reason"`
	StdoutPath      string            `json:"stdout_path"`
	StderrPath      string            `json:"stderr_path"`
	ArtifactPaths   []string          `json:"artifact_paths"`
}

// NewTaskState builds the initial PENDING record for a task.
func NewTaskState(t *plan.Task) *TaskState {
	return &TaskState{
		Status:          TaskPending,
		DependsOn:       append([]string(nil), t.DependsOn...),
		Cmd:             append([]string(nil), t.Cmd...),
		Cwd:             t.Cwd,
		Env:             t.Env,
		TimeoutSec:      t.TimeoutSec,
		Retries:         t.Retries,
		RetryBackoffSec: append([]float64(nil), t.RetryBackoffSec...),
		Outputs:         append([]string(nil), t.Outputs...),
		ArtifactPaths:   []string{},
		StdoutPath:      runfs.StdoutLogPath(t.ID),
		StderrPath:      runfs.StderrLogPath(t.ID),
	}
}

// ResetForRerun clears the dynamic fields so the task is eligible
// again on resume. Attempts restart at zero so the retry budget
// applies to the new execution.
func (t *TaskState) ResetForRerun() {
	t.Status = TaskPending
	t.Attempts = 0
	t.StartedAt = nil
	t.EndedAt = nil
	t.DurationSec = nil
	t.ExitCode = nil
	t.TimedOut = false
	t.Canceled = false
	t.SkipReason = nil
	t.ArtifactPaths = []string{}
}

// RunState is the persisted progress document of one run.
type RunState struct {
	RunID       string                `json:"run_id"`
	CreatedAt   string                `json:"created_at"`
	UpdatedAt   string                `json:"updated_at"`
	Status      RunStatus             `json:"status"`
	Goal        string                `json:"goal,omitempty"`
	PlanRelpath string                `json:"plan_relpath"`
	Home        string                `json:"home"`
	Workdir     string                `json:"workdir"`
	MaxParallel int                   `json:"max_parallel"`
	FailFast    bool                  `json:"fail_fast"`
	Tasks       map[string]*TaskState `json:"tasks"`
}

// StateError reports a missing, unparsable or invariant-violating
// state document. It is fatal: the user must inspect or delete the run
// directory.
type StateError struct {
	msg string
}

func (e *StateError) Error() string { return e.msg }

// stateErrorf builds a StateError.
func stateErrorf(format string, args ...any) *StateError {
	return &StateError{msg: fmt.Sprintf(format, args...)}
}

// validate rejects documents with unknown statuses or missing task
// records. Missing timestamps are tolerated.
func (s *RunState) validate() error {
	if s.RunID == "" {
		return stateErrorf("state document missing run_id")
	}
	if !validRunStatus[s.Status] {
		return stateErrorf("unknown run status %q", s.Status)
	}
	if s.Tasks == nil {
		return stateErrorf("state document missing tasks")
	}
	for id, t := range s.Tasks {
		if t == nil {
			return stateErrorf("task %q has no state record", id)
		}
		if !validTaskStatus[t.Status] {
			return stateErrorf("task %q has unknown status %q", id, t.Status)
		}
	}
	return nil
}
