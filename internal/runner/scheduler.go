package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/orch-dev/orch/internal/state"
)

// cancelPollInterval bounds how often the scheduler re-checks the
// cancel marker while waiting for supervisors.
const cancelPollInterval = 500 * time.Millisecond

// taskEvent carries one attempt's outcome back to the scheduler loop.
type taskEvent struct {
	id  string
	res attemptResult
}

// schedule is the single coordinator: it owns the state document and
// is the only goroutine that mutates or persists it. Supervisors run
// concurrently, one child process each, bounded by MaxParallel.
type schedule struct {
	r  *Runner
	st *state.RunState

	active         map[string]bool // not yet terminal
	depRemaining   map[string]int  // unresolved deps among active tasks
	readyQ         []string        // FIFO admission queue
	running        map[string]bool
	backoffPending map[string]bool // waiting out a retry backoff

	results chan taskEvent
	retryCh chan string

	cancelRun     context.CancelFunc
	cancelMode    bool
	failFastMode  bool
	failFastCause string

	aggregateRoot string
	persistErr    error
}

// Run executes or resumes the plan and returns the final state. The
// returned error is fatal (state persistence or resume validation);
// ordinary task failures are reflected in the state's status instead.
func (r *Runner) Run(ctx context.Context) (*state.RunState, error) {
	var st *state.RunState
	var err error
	if r.opts.Resume {
		st, err = r.loadResumeState()
		if err != nil {
			return nil, err
		}
	} else {
		st = r.initialState()
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	s := &schedule{
		r:              r,
		st:             st,
		active:         make(map[string]bool),
		depRemaining:   make(map[string]int),
		running:        make(map[string]bool),
		backoffPending: make(map[string]bool),
		results:        make(chan taskEvent, len(r.plan.Tasks)),
		retryCh:        make(chan string, len(r.plan.Tasks)),
		cancelRun:      cancelRun,
		aggregateRoot:  resolveArtifactsDir(r.plan.ArtifactsDir, r.opts.Workdir),
	}

	for _, id := range r.plan.TaskIDs() {
		if st.Tasks[id].Status == state.TaskPending {
			s.active[id] = true
		}
	}
	for _, id := range r.plan.TaskIDs() {
		if !s.active[id] {
			continue
		}
		remaining := 0
		for _, dep := range r.plan.Task(id).DependsOn {
			if s.active[dep] {
				remaining++
			}
		}
		s.depRemaining[id] = remaining
		if remaining == 0 {
			s.readyQ = append(s.readyQ, id)
		}
	}

	if err := s.persist(); err != nil {
		return nil, err
	}

	s.loop(runCtx, ctx)

	s.finalize()
	if err := s.persist(); err != nil {
		return nil, err
	}
	if s.persistErr != nil {
		return st, s.persistErr
	}
	return st, nil
}

// persist stamps updated_at and atomically saves the state. A save
// failure is fatal at the run level.
func (s *schedule) persist() error {
	s.st.UpdatedAt = nowISO()
	if err := state.Save(s.r.runDir, s.st); err != nil {
		err = fmt.Errorf("persisting run state: %w", err)
		if s.persistErr == nil {
			s.persistErr = err
		}
		return err
	}
	return nil
}

// loop drives admission and completion until every task is terminal.
func (s *schedule) loop(runCtx, outerCtx context.Context) {
	poll := time.NewTicker(cancelPollInterval)
	defer poll.Stop()

	outerDone := outerCtx.Done()

	for len(s.active) > 0 || len(s.running) > 0 {
		if !s.cancelMode && (state.CancelRequested(s.r.runDir) || s.persistErr != nil) {
			s.enterCancelMode()
		}

		s.dispatchReady(runCtx)

		if len(s.running) == 0 {
			if len(s.readyQ) == 0 && len(s.backoffPending) == 0 {
				if len(s.active) > 0 {
					// Nothing can make the remaining tasks ready.
					s.skipUnresolvable()
				}
				return
			}
			if len(s.active) == 0 {
				return
			}
		}

		select {
		case ev := <-s.results:
			s.handleResult(ev)
		case id := <-s.retryCh:
			s.handleRetryDue(id)
		case <-poll.C:
		case <-outerDone:
			outerDone = nil
			if !s.cancelMode {
				s.enterCancelMode()
			}
		}
	}
}

// dispatchReady admits tasks from the FIFO queue while a parallelism
// slot is free. A task whose dependencies are not all SUCCESS is
// skipped instead of dispatched; the skip is terminal and propagates.
func (s *schedule) dispatchReady(runCtx context.Context) {
	for len(s.readyQ) > 0 && !s.cancelMode {
		id := s.readyQ[0]
		if !s.active[id] || s.running[id] || s.backoffPending[id] {
			s.readyQ = s.readyQ[1:]
			continue
		}
		task := s.r.plan.Task(id)
		ts := s.st.Tasks[id]

		if failedDep := s.firstNonSuccessDep(id); failedDep != "" {
			s.readyQ = s.readyQ[1:]
			s.markSkipped(id, state.SkipReasonDependencyFailed(failedDep))
			_ = s.persist()
			continue
		}
		// A task re-queued after a retry backoff has already been
		// admitted and keeps its attempt budget under fail-fast.
		if s.failFastMode && ts.Attempts == 0 {
			s.readyQ = s.readyQ[1:]
			s.markSkipped(id, state.SkipReasonDependencyFailed(s.failFastCause))
			_ = s.persist()
			continue
		}

		if len(s.running) >= s.r.opts.MaxParallel {
			return
		}
		s.readyQ = s.readyQ[1:]

		ts.Status = state.TaskRunning
		if ts.StartedAt == nil {
			started := nowISO()
			ts.StartedAt = &started
		}
		ts.Attempts++
		attempt := ts.Attempts
		s.running[id] = true
		_ = s.persist()

		s.r.logger.Info("task started", "task", id, "attempt", attempt, "max_attempts", task.MaxAttempts())
		go func() {
			res := runAttempt(runCtx, task, s.r.runDir, attempt, s.r.opts.Workdir)
			s.results <- taskEvent{id: id, res: res}
		}()
	}
}

// firstNonSuccessDep returns the first dependency, in depends_on
// order, that is terminal but not SUCCESS. Empty when all deps are
// SUCCESS.
func (s *schedule) firstNonSuccessDep(id string) string {
	for _, dep := range s.r.plan.Task(id).DependsOn {
		if s.st.Tasks[dep].Status != state.TaskSuccess {
			return dep
		}
	}
	return ""
}

// handleResult records one attempt's outcome and decides between
// retry, terminal success, terminal failure and cancellation.
func (s *schedule) handleResult(ev taskEvent) {
	id, res := ev.id, ev.res
	delete(s.running, id)
	task := s.r.plan.Task(id)
	ts := s.st.Tasks[id]

	ended := res.endedAt
	ts.EndedAt = &ended
	total := res.durationSec
	if ts.DurationSec != nil {
		total += *ts.DurationSec
	}
	ts.DurationSec = &total
	ts.ExitCode = res.exitCode
	ts.TimedOut = res.timedOut
	ts.Canceled = res.canceled

	if !s.cancelMode && shouldRetry(task.MaxAttempts(), &res, ts.Attempts) {
		delay := backoffFor(ts.Attempts-1, task.RetryBackoffSec)
		ts.Status = state.TaskReady
		s.backoffPending[id] = true
		_ = s.persist()
		s.r.logger.Info("task retrying", "task", id, "attempt", ts.Attempts, "backoff", delay)
		retry := s.retryCh
		time.AfterFunc(delay, func() { retry <- id })
		return
	}

	cwd := resolveTaskCwd(task.Cwd, s.r.opts.Workdir)
	ts.ArtifactPaths = collectArtifacts(task, s.r.runDir, cwd)
	if s.aggregateRoot != "" {
		copyToAggregateDir(task, cwd, s.aggregateRoot)
	}
	if res.canceled {
		reason := state.SkipReasonRunCanceled
		ts.Status = state.TaskCanceled
		ts.SkipReason = &reason
		s.resolveTerminal(id)
		s.r.logger.Info("task canceled", "task", id)
		if !s.cancelMode {
			s.enterCancelMode()
		}
		_ = s.persist()
		return
	}
	if res.success() {
		ts.Status = state.TaskSuccess
		s.r.logger.Info("task succeeded", "task", id, "attempts", ts.Attempts)
	} else {
		ts.Status = state.TaskFailed
		s.r.logger.Warn("task failed",
			"task", id, "attempts", ts.Attempts,
			"timed_out", res.timedOut, "exit_code", exitCodeLog(res.exitCode))
		if s.r.opts.FailFast && !s.failFastMode {
			s.failFastMode = true
			s.failFastCause = id
		}
	}

	s.resolveTerminal(id)

	if s.failFastMode {
		s.sweepForFailFast()
	}
	_ = s.persist()
}

// handleRetryDue re-queues a task whose backoff elapsed.
func (s *schedule) handleRetryDue(id string) {
	if !s.backoffPending[id] {
		return
	}
	delete(s.backoffPending, id)
	ts := s.st.Tasks[id]
	if ts.Status != state.TaskReady {
		return
	}
	ts.Status = state.TaskPending
	s.readyQ = append(s.readyQ, id)
	_ = s.persist()
}

// resolveTerminal removes a now-terminal task from the active set and
// releases its dependents.
func (s *schedule) resolveTerminal(id string) {
	delete(s.active, id)
	for _, child := range s.r.graph.Dependents[id] {
		if _, ok := s.depRemaining[child]; !ok {
			continue
		}
		s.depRemaining[child]--
		if s.depRemaining[child] == 0 && s.active[child] {
			s.readyQ = append(s.readyQ, child)
		}
	}
}

// markSkipped records a terminal skip and propagates it.
func (s *schedule) markSkipped(id, reason string) {
	ts := s.st.Tasks[id]
	ended := nowISO()
	ts.Status = state.TaskSkipped
	ts.SkipReason = &reason
	ts.EndedAt = &ended
	s.r.logger.Info("task skipped", "task", id, "reason", reason)
	s.resolveTerminal(id)
}

// markCanceledBeforeStart records a task the run never reached.
func (s *schedule) markCanceledBeforeStart(id string) {
	ts := s.st.Tasks[id]
	reason := state.SkipReasonRunCanceled
	ended := nowISO()
	ts.Status = state.TaskCanceled
	ts.Canceled = true
	ts.SkipReason = &reason
	ts.EndedAt = &ended
	s.resolveTerminal(id)
}

// enterCancelMode stops admission, signals every running supervisor
// and marks everything not yet dispatched as CANCELED.
func (s *schedule) enterCancelMode() {
	s.cancelMode = true
	s.cancelRun()
	s.r.logger.Info("cancellation requested; stopping run")
	for _, id := range s.r.plan.TaskIDs() {
		if s.active[id] && !s.running[id] {
			delete(s.backoffPending, id)
			s.markCanceledBeforeStart(id)
		}
	}
	_ = s.persist()
}

// sweepForFailFast skips every active task that is neither running nor
// waiting out a retry backoff once a failure has fired fail-fast.
// Running tasks finish; tasks waiting out a retry backoff keep their
// attempt budget.
func (s *schedule) sweepForFailFast() {
	for _, id := range s.r.plan.TaskIDs() {
		if s.active[id] && !s.running[id] && !s.backoffPending[id] {
			s.markSkipped(id, state.SkipReasonDependencyFailed(s.failFastCause))
		}
	}
}

// skipUnresolvable is a convergence backstop: no task is running,
// ready or in backoff, yet some are still active. Mark them skipped on
// their first unresolved dependency so the run can terminate.
func (s *schedule) skipUnresolvable() {
	for _, id := range s.r.plan.TaskIDs() {
		if !s.active[id] {
			continue
		}
		reason := "unresolvable"
		for _, dep := range s.r.plan.Task(id).DependsOn {
			if s.st.Tasks[dep].Status != state.TaskSuccess {
				reason = dep
				break
			}
		}
		s.markSkipped(id, state.SkipReasonDependencyFailed(reason))
	}
	_ = s.persist()
}

// finalize derives the run's terminal status from its tasks: CANCELED
// if any task was canceled, SUCCESS iff every task succeeded, FAILED
// otherwise.
func (s *schedule) finalize() {
	anyCanceled := s.cancelMode
	allSuccess := len(s.st.Tasks) > 0
	for _, ts := range s.st.Tasks {
		if ts.Status == state.TaskCanceled {
			anyCanceled = true
		}
		if ts.Status != state.TaskSuccess {
			allSuccess = false
		}
	}
	switch {
	case anyCanceled:
		s.st.Status = state.RunCanceled
	case allSuccess:
		s.st.Status = state.RunSuccess
	default:
		s.st.Status = state.RunFailed
	}
}

// exitCodeLog renders a nullable exit code for log output.
func exitCodeLog(code *int) any {
	if code == nil {
		return "none"
	}
	return *code
}
