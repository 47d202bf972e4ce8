package plan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads, parses and validates the plan at path. All failures are
// reported as *Error so callers can map them to the plan-error exit
// path.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Errorf("plan file not found: %s", path)
		}
		return nil, Errorf("reading plan %s: %v", path, err)
	}
	return Parse(data)
}

// Parse decodes a plan document. Unknown fields are rejected so typos
// in a plan surface as errors instead of silently dropped options.
func Parse(data []byte) (*Plan, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Plan
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, Errorf("plan document is empty")
		}
		return nil, Errorf("parsing plan: %v", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Snapshot serializes the plan in canonical field order for freezing
// into the run directory. The snapshot, not the original file, is the
// source of truth for resumes.
func (p *Plan) Snapshot() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("encoding plan snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding plan snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteSnapshot freezes the plan at path.
func (p *Plan) WriteSnapshot(path string) error {
	data, err := p.Snapshot()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing plan snapshot: %w", err)
	}
	return nil
}
