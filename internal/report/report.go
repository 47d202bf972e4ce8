// Package report renders the final Markdown summary of a run from its
// persisted state. It is a read-only consumer of the state document
// and the task logs.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/orch-dev/orch/internal/runfs"
	"github.com/orch-dev/orch/internal/state"
)

// stderrTailLines is how much of a problem task's stderr is inlined.
const stderrTailLines = 50

// TaskRow is one line of the task results table.
type TaskRow struct {
	ID          string
	Status      state.TaskStatus
	Attempts    int
	DurationSec *float64
	ExitCode    *int
	TimedOut    bool
	StdoutPath  string
	StderrPath  string
}

// Problem describes a task that did not succeed, with a stderr tail
// for quick diagnosis.
type Problem struct {
	ID         string
	Status     state.TaskStatus
	SkipReason *string
	StderrTail []string
}

// Artifact is one collected artifact with its owning task.
type Artifact struct {
	TaskID string
	Path   string
}

// Summary is the report's view of a finished run.
type Summary struct {
	State     *state.RunState
	Tasks     []TaskRow
	Problems  []Problem
	Artifacts []Artifact
}

// Build assembles the summary from the state, reading stderr tails for
// every failed, skipped or canceled task. Task order follows the task
// ids sorted lexically so the report is stable.
func Build(st *state.RunState, runDir string) *Summary {
	ids := make([]string, 0, len(st.Tasks))
	for id := range st.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	s := &Summary{State: st}
	for _, id := range ids {
		ts := st.Tasks[id]
		s.Tasks = append(s.Tasks, TaskRow{
			ID:          id,
			Status:      ts.Status,
			Attempts:    ts.Attempts,
			DurationSec: ts.DurationSec,
			ExitCode:    ts.ExitCode,
			TimedOut:    ts.TimedOut,
			StdoutPath:  ts.StdoutPath,
			StderrPath:  ts.StderrPath,
		})

		switch ts.Status {
		case state.TaskFailed, state.TaskSkipped, state.TaskCanceled:
			var tail []string
			if ts.StderrPath != "" {
				tail, _ = runfs.TailLines(filepath.Join(runDir, ts.StderrPath), stderrTailLines)
			}
			s.Problems = append(s.Problems, Problem{
				ID:         id,
				Status:     ts.Status,
				SkipReason: ts.SkipReason,
				StderrTail: tail,
			})
		}

		for _, p := range ts.ArtifactPaths {
			s.Artifacts = append(s.Artifacts, Artifact{TaskID: id, Path: p})
		}
	}
	return s
}

func orNone(v string) string {
	if v == "" {
		return "(none)"
	}
	return v
}

func fmtFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}

func fmtInt(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

// RenderMarkdown produces the final report document.
func (s *Summary) RenderMarkdown() string {
	var b strings.Builder
	run := s.State

	b.WriteString("# Final Run Report\n\n")
	b.WriteString("## Run Overview\n\n")
	fmt.Fprintf(&b, "- run_id: `%s`\n", run.RunID)
	fmt.Fprintf(&b, "- goal: %s\n", orNone(run.Goal))
	fmt.Fprintf(&b, "- status: **%s**\n", run.Status)
	fmt.Fprintf(&b, "- started: %s\n", run.CreatedAt)
	fmt.Fprintf(&b, "- ended: %s\n", run.UpdatedAt)
	fmt.Fprintf(&b, "- max_parallel: %d\n", run.MaxParallel)
	fmt.Fprintf(&b, "- fail_fast: %s\n", yesNo(run.FailFast))
	fmt.Fprintf(&b, "- workdir: `%s`\n", run.Workdir)
	b.WriteString("\n## Task Results\n\n")
	b.WriteString("| id | status | attempts | duration_sec | exit_code | timed_out | logs |\n")
	b.WriteString("|---|---:|---:|---:|---:|---:|---|\n")
	for _, row := range s.Tasks {
		fmt.Fprintf(&b, "| %s | %s | %d | %s | %s | %s | `%s` / `%s` |\n",
			row.ID, row.Status, row.Attempts,
			fmtFloat(row.DurationSec), fmtInt(row.ExitCode), yesNo(row.TimedOut),
			row.StdoutPath, row.StderrPath)
	}

	b.WriteString("\n## Failed / Skipped / Canceled Details\n\n")
	if len(s.Problems) == 0 {
		b.WriteString("No failed/skipped/canceled tasks.\n")
	}
	for _, p := range s.Problems {
		fmt.Fprintf(&b, "### %s (%s)\n", p.ID, p.Status)
		if p.SkipReason != nil && *p.SkipReason != "" {
			fmt.Fprintf(&b, "- skip_reason: `%s`\n", *p.SkipReason)
		}
		b.WriteString("- stderr tail:\n```\n")
		if len(p.StderrTail) == 0 {
			b.WriteString("(empty)\n")
		} else {
			b.WriteString(strings.Join(p.StderrTail, "\n"))
			b.WriteString("\n")
		}
		b.WriteString("```\n\n")
	}

	b.WriteString("\n## Artifacts\n\n")
	if len(s.Artifacts) == 0 {
		b.WriteString("- (none)\n")
	}
	for _, a := range s.Artifacts {
		fmt.Fprintf(&b, "- `%s` (task: `%s`)\n", a.Path, a.TaskID)
	}
	return b.String()
}

// Write builds and writes report/final_report.md in the run directory.
// Returns the report path.
func Write(st *state.RunState, runDir string) (string, error) {
	md := Build(st, runDir).RenderMarkdown()
	path := filepath.Join(runDir, runfs.ReportDirName, runfs.ReportFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return path, fmt.Errorf("creating report directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(md), 0o644); err != nil {
		return path, fmt.Errorf("writing report: %w", err)
	}
	return path, nil
}
