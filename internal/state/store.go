package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/orch-dev/orch/internal/runfs"
)

// Load reads and validates state.json from the run directory.
func Load(runDir string) (*RunState, error) {
	path := filepath.Join(runDir, runfs.StateFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, stateErrorf("state file not found: %s", path)
		}
		return nil, stateErrorf("reading state: %v", err)
	}
	var s RunState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, stateErrorf("parsing state: %v", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Save atomically persists the state: serialize to state.json.tmp in
// the same directory, fsync best-effort, then rename over state.json.
// A reader can never observe a partial document.
func Save(runDir string, s *RunState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	data = append(data, '\n')

	tmp := filepath.Join(runDir, runfs.StateFileName+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating state temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing state: %w", err)
	}
	_ = f.Sync()
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing state temp file: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(runDir, runfs.StateFileName)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}
