package runner

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/orch-dev/orch/internal/plan"
	"github.com/orch-dev/orch/internal/runfs"
)

// outputMatches expands one outputs glob relative to cwd. Absolute
// patterns are expanded as-is. Glob errors yield no matches; artifact
// collection is best-effort throughout.
func outputMatches(pattern, cwd string) []string {
	if filepath.IsAbs(pattern) {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil
		}
		return matches
	}
	matches, err := doublestar.FilepathGlob(filepath.Join(cwd, pattern))
	if err != nil {
		return nil
	}
	return matches
}

// sanitizeParts strips path anchors and rewrites traversal segments so
// a match can always be mirrored under the artifact root.
func sanitizeParts(path string) []string {
	path = filepath.ToSlash(path)
	var cleaned []string
	for _, part := range strings.Split(path, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			cleaned = append(cleaned, "__up__")
		default:
			cleaned = append(cleaned, strings.ReplaceAll(part, ":", "_"))
		}
	}
	return cleaned
}

// artifactRelPath maps a matched file to its destination path under
// the task's artifact directory, preserving structure relative to cwd.
// Matches outside cwd land under __external__ or __abs__.
func artifactRelPath(match, cwd string) string {
	rel, err := filepath.Rel(cwd, match)
	if err == nil && !strings.HasPrefix(rel, "..") {
		parts := sanitizeParts(rel)
		if len(parts) == 0 {
			return "root"
		}
		return filepath.Join(parts...)
	}
	parts := sanitizeParts(match)
	if len(parts) == 0 {
		parts = []string{"root"}
	}
	if filepath.IsAbs(match) {
		return filepath.Join(append([]string{"__abs__"}, parts...)...)
	}
	return filepath.Join(append([]string{"__external__"}, parts...)...)
}

// copyFile copies src to dst, creating parent directories.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// collectArtifacts copies each file matching the task's outputs globs
// into artifacts/<id>/ inside the run directory, after the child has
// exited by any means. Individual copy failures are logged to the
// task's stderr log and do not fail the task. Returns the run-relative
// paths of everything copied, sorted and deduplicated.
func collectArtifacts(task *plan.Task, runDir, cwd string) []string {
	if len(task.Outputs) == 0 {
		return []string{}
	}
	taskRoot := filepath.Join(runDir, runfs.ArtifactsDir, task.ID)
	stderrLog := filepath.Join(runDir, runfs.StderrLogPath(task.ID))
	if err := os.MkdirAll(taskRoot, 0o755); err != nil {
		appendLogLine(stderrLog, fmt.Sprintf("artifact dir creation failed: %v", err))
		return []string{}
	}

	copied := make(map[string]bool)
	for _, pattern := range task.Outputs {
		for _, match := range outputMatches(pattern, cwd) {
			info, err := os.Stat(match)
			if err != nil || info.IsDir() {
				continue
			}
			dest := filepath.Join(taskRoot, artifactRelPath(match, cwd))
			if err := copyFile(match, dest); err != nil {
				appendLogLine(stderrLog, fmt.Sprintf("artifact copy failed for %s: %v", match, err))
				continue
			}
			rel, err := filepath.Rel(runDir, dest)
			if err != nil {
				continue
			}
			copied[rel] = true
		}
	}

	paths := make([]string, 0, len(copied))
	for p := range copied {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// copyToAggregateDir places a second copy of the task's artifacts
// under the plan-level artifacts_dir. Existing content from earlier
// runs is preserved; only paths produced by this run are overwritten.
func copyToAggregateDir(task *plan.Task, cwd, aggregateRoot string) {
	if len(task.Outputs) == 0 {
		return
	}
	taskRoot := filepath.Join(aggregateRoot, task.ID)
	if err := os.MkdirAll(taskRoot, 0o755); err != nil {
		return
	}
	for _, pattern := range task.Outputs {
		for _, match := range outputMatches(pattern, cwd) {
			info, err := os.Stat(match)
			if err != nil || info.IsDir() {
				continue
			}
			dest := filepath.Join(taskRoot, artifactRelPath(match, cwd))
			_ = copyFile(match, dest)
		}
	}
}

// resolveArtifactsDir resolves the plan's artifacts_dir against the
// run's workdir. Empty means no aggregate copy.
func resolveArtifactsDir(artifactsDir, workdir string) string {
	if artifactsDir == "" {
		return ""
	}
	if filepath.IsAbs(artifactsDir) {
		return artifactsDir
	}
	return filepath.Join(workdir, artifactsDir)
}
