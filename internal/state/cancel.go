package state

import (
	"os"
	"path/filepath"

	"github.com/orch-dev/orch/internal/runfs"
)

// RequestCancel creates the cancellation marker in the run directory.
// Creating it twice is harmless, which makes the cancel command
// idempotent.
func RequestCancel(runDir string) error {
	path := filepath.Join(runDir, runfs.CancelFileName)
	return os.WriteFile(path, []byte("cancel requested\n"), 0o644)
}

// CancelRequested is a cheap existence check for the marker. The
// scheduler polls it before dispatching and during task monitoring.
func CancelRequested(runDir string) bool {
	info, err := os.Stat(filepath.Join(runDir, runfs.CancelFileName))
	return err == nil && info.Mode().IsRegular()
}

// ClearCancel removes the marker so a resume is not immediately
// canceled by a leftover request.
func ClearCancel(runDir string) {
	_ = os.Remove(filepath.Join(runDir, runfs.CancelFileName))
}
