// Package plan loads and validates the YAML plan document that
// declares the tasks of a run, their commands, dependencies and
// execution parameters.
package plan

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

// Argv is an ordered command line. In YAML it may be written either as
// a list of tokens or as a single string, which is split using POSIX
// shell tokenization (quoting honored, no expansion, no globbing). The
// child process is never executed through a shell.
type Argv []string

// UnmarshalYAML accepts both the scalar and the sequence form.
func (a *Argv) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		parts, err := shlex.Split(s)
		if err != nil {
			return fmt.Errorf("splitting cmd string: %w", err)
		}
		*a = parts
		return nil
	case yaml.SequenceNode:
		var parts []string
		if err := node.Decode(&parts); err != nil {
			return fmt.Errorf("cmd list elements must be strings: %w", err)
		}
		*a = parts
		return nil
	default:
		return fmt.Errorf("cmd must be a string or a list of strings")
	}
}

// Task declares one external command invocation within a plan.
type Task struct {
	ID              string            `yaml:"id"`
	Cmd             Argv              `yaml:"cmd"`
	DependsOn       []string          `yaml:"depends_on,omitempty"`
	Cwd             string            `yaml:"cwd,omitempty"`
	Env             map[string]string `yaml:"env,omitempty"`
	TimeoutSec      *float64          `yaml:"timeout_sec,omitempty"`
	Retries         int               `yaml:"retries"`
	RetryBackoffSec []float64         `yaml:"retry_backoff_sec,omitempty"`
	Outputs         []string          `yaml:"outputs,omitempty"`
}

// MaxAttempts returns the total number of launches the task may use.
func (t *Task) MaxAttempts() int {
	return t.Retries + 1
}

// Plan is the validated static declaration of a run.
type Plan struct {
	Goal         string `yaml:"goal,omitempty"`
	ArtifactsDir string `yaml:"artifacts_dir,omitempty"`
	Tasks        []Task `yaml:"tasks"`
}

// Task returns the task with the given id, or nil.
func (p *Plan) Task(id string) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// TaskIDs returns the task ids in plan order.
func (p *Plan) TaskIDs() []string {
	ids := make([]string, len(p.Tasks))
	for i := range p.Tasks {
		ids[i] = p.Tasks[i].ID
	}
	return ids
}

// Error reports a structural problem in a plan: syntax, schema,
// duplicate ids, unknown references or cycles. It is fatal before any
// run directory is created.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

// Errorf builds a plan Error.
func Errorf(format string, args ...any) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

const idMaxLen = 128

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

func validID(id string) bool {
	return id != "" && len(id) <= idMaxLen && idPattern.MatchString(id)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Validate enforces the plan invariants: at least one task,
// well-formed case-insensitively unique ids, known dependency
// referents, positive finite timeouts, non-negative retries and
// backoffs, non-empty argv, and well-formed env keys. Acyclicity is
// checked separately by the dag package.
func (p *Plan) Validate() error {
	if len(p.Tasks) == 0 {
		return Errorf("plan must contain at least one task")
	}

	seen := make(map[string]string, len(p.Tasks))
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if !validID(t.ID) {
			return Errorf("task id %q is invalid: must start alphanumeric, use only [A-Za-z0-9._-], max %d chars", t.ID, idMaxLen)
		}
		folded := strings.ToLower(t.ID)
		if prev, ok := seen[folded]; ok {
			return Errorf("task id %q duplicates %q (ids are case-insensitively unique)", t.ID, prev)
		}
		seen[folded] = t.ID

		if len(t.Cmd) == 0 {
			return Errorf("task %q has an empty cmd", t.ID)
		}
		if t.Retries < 0 {
			return Errorf("task %q retries must be >= 0", t.ID)
		}
		if t.TimeoutSec != nil && (*t.TimeoutSec <= 0 || !finite(*t.TimeoutSec)) {
			return Errorf("task %q timeout_sec must be a positive finite number", t.ID)
		}
		for _, b := range t.RetryBackoffSec {
			if b < 0 || !finite(b) {
				return Errorf("task %q retry_backoff_sec entries must be non-negative finite numbers", t.ID)
			}
		}
		for k := range t.Env {
			if k == "" || strings.Contains(k, "=") {
				return Errorf("task %q env key %q is invalid", t.ID, k)
			}
		}
	}

	for i := range p.Tasks {
		t := &p.Tasks[i]
		depSeen := make(map[string]bool, len(t.DependsOn))
		for j, dep := range t.DependsOn {
			canonical, ok := seen[strings.ToLower(dep)]
			if !ok {
				return Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
			if canonical == t.ID {
				return Errorf("task %q depends on itself", t.ID)
			}
			if depSeen[canonical] {
				return Errorf("task %q lists dependency %q twice", t.ID, dep)
			}
			depSeen[canonical] = true
			// References resolve case-insensitively; store the declared
			// spelling so later lookups are exact.
			t.DependsOn[j] = canonical
		}
	}
	return nil
}
