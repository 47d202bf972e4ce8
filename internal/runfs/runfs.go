// Package runfs defines the on-disk layout of a run directory and the
// helpers for working inside it: run-id generation, directory creation,
// and tail reads of potentially large log files.
package runfs

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// File and directory names inside a run directory.
const (
	PlanFileName   = "plan.yaml"
	StateFileName  = "state.json"
	LockFileName   = ".lock"
	CancelFileName = "cancel.request"
	LogsDirName    = "logs"
	ArtifactsDir   = "artifacts"
	ReportDirName  = "report"
	ReportFileName = "final_report.md"
)

const runIDMaxLen = 128

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// NewRunID returns a fresh run id of the form YYYYMMDD_HHMMSS_<6-hex>,
// using the local clock and three bytes of entropy.
func NewRunID(now time.Time) string {
	var buf [3]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to
		// the nanosecond clock so run creation cannot abort here.
		nanos := uint32(now.Nanosecond())
		buf[0] = byte(nanos >> 16)
		buf[1] = byte(nanos >> 8)
		buf[2] = byte(nanos)
	}
	return fmt.Sprintf("%s_%s", now.Format("20060102_150405"), hex.EncodeToString(buf[:]))
}

// ValidRunID reports whether id is safe to embed in a filesystem path.
func ValidRunID(id string) bool {
	return len(id) <= runIDMaxLen && runIDPattern.MatchString(id)
}

// RunDir returns the directory for a run under home.
func RunDir(home, runID string) string {
	return filepath.Join(home, "runs", runID)
}

// IndexPath returns the run index database path under home.
func IndexPath(home string) string {
	return filepath.Join(home, "runs.db")
}

// EnsureLayout creates the run directory tree: logs/, artifacts/ and
// report/ beneath runDir.
func EnsureLayout(runDir string) error {
	for _, dir := range []string{
		runDir,
		filepath.Join(runDir, LogsDirName),
		filepath.Join(runDir, ArtifactsDir),
		filepath.Join(runDir, ReportDirName),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating run layout: %w", err)
		}
	}
	return nil
}

// StdoutLogPath returns the run-relative stdout log path for a task.
func StdoutLogPath(taskID string) string {
	return filepath.Join(LogsDirName, taskID+".out.log")
}

// StderrLogPath returns the run-relative stderr log path for a task.
func StderrLogPath(taskID string) string {
	return filepath.Join(LogsDirName, taskID+".err.log")
}

// RunExists reports whether runDir looks like a run directory: it must
// be a directory containing at least a state file or a plan snapshot.
func RunExists(runDir string) bool {
	info, err := os.Stat(runDir)
	if err != nil || !info.IsDir() {
		return false
	}
	for _, name := range []string{StateFileName, PlanFileName} {
		if fi, err := os.Stat(filepath.Join(runDir, name)); err == nil && fi.Mode().IsRegular() {
			return true
		}
	}
	return false
}
