package cli

import (
	"path/filepath"

	"github.com/orch-dev/orch/internal/report"
	"github.com/orch-dev/orch/internal/runfs"
	"github.com/orch-dev/orch/internal/state"
	"github.com/orch-dev/orch/internal/store"
)

// checkRunID rejects ids that cannot be safely embedded in paths.
func checkRunID(runID string) error {
	if !runfs.ValidRunID(runID) {
		return exitf(exitPlanError, "invalid run_id: %s", runID)
	}
	return nil
}

// writeReport renders the final report, best-effort: a failure only
// warns and the run's exit code is unaffected.
func writeReport(st *state.RunState, runDir string) string {
	path, err := report.Write(st, runDir)
	if err != nil {
		logger.Warn("failed to write report", "error", err)
		return filepath.Join(runDir, runfs.ReportDirName, runfs.ReportFileName)
	}
	return path
}

// indexRunStart records a new run in the run index. The index is a
// convenience catalog, so failures only warn.
func indexRunStart(home, runID, goal, workdir string) {
	s, err := store.Open(runfs.IndexPath(home))
	if err != nil {
		logger.Warn("run index unavailable", "error", err)
		return
	}
	defer s.Close()
	if err := s.Upsert(&store.Run{
		RunID:   runID,
		Status:  string(state.RunRunning),
		Goal:    goal,
		Workdir: workdir,
	}); err != nil {
		logger.Warn("could not index run", "error", err)
	}
}

// indexRunFinish refreshes the indexed status from the final state.
func indexRunFinish(home string, st *state.RunState) {
	s, err := store.Open(runfs.IndexPath(home))
	if err != nil {
		logger.Warn("run index unavailable", "error", err)
		return
	}
	defer s.Close()
	if err := s.Upsert(&store.Run{
		RunID:     st.RunID,
		Status:    string(st.Status),
		Goal:      st.Goal,
		Workdir:   st.Workdir,
		CreatedAt: st.CreatedAt,
		UpdatedAt: st.UpdatedAt,
	}); err != nil {
		logger.Warn("could not index run", "error", err)
	}
}
