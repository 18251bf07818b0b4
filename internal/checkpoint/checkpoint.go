// Package checkpoint persists pipeline run state so an interrupted run can resume.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/pipeline/internal/executor"
)

// ErrNoCheckpoint is returned by Load when the project has no saved state.
var ErrNoCheckpoint = errors.New("no checkpoint")

// RunState is the persisted state of one project's run.
type RunState struct {
	ProjectID      string                     `json:"project_id"`
	RunID          string                     `json:"run_id"`
	CompletedSteps []string                   `json:"completed_steps"`
	FailedSteps    []string                   `json:"failed_steps"`
	TotalCostUSD   float64                    `json:"total_cost_usd"`
	SupersededUSD  float64                    `json:"superseded_cost_usd,omitempty"`
	Model          string                     `json:"model,omitempty"`
	Parallel       bool                       `json:"parallel"`
	Results        map[string]executor.Result `json:"results"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}

// NewRunState creates an empty state.
func NewRunState(projectID, runID, model string, parallel bool) *RunState {
	return &RunState{
		ProjectID:      projectID,
		RunID:          runID,
		Model:          model,
		Parallel:       parallel,
		CompletedSteps: []string{},
		FailedSteps:    []string{},
		Results:        make(map[string]executor.Result),
	}
}

// Record stores res under its key, replacing any earlier result for the same
// key. TotalCostUSD always equals the sum of recorded result costs; the cost
// of a replaced attempt moves to SupersededUSD.
func (s *RunState) Record(res executor.Result) {
	if s.Results == nil {
		s.Results = make(map[string]executor.Result)
	}
	if prev, ok := s.Results[res.Key]; ok {
		s.SupersededUSD += prev.CostUSD
	}
	s.Results[res.Key] = res
	s.reindex()
}

// reindex rebuilds the derived fields from Results.
func (s *RunState) reindex() {
	keys := make([]string, 0, len(s.Results))
	for k := range s.Results {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s.CompletedSteps = s.CompletedSteps[:0]
	s.FailedSteps = s.FailedSteps[:0]
	s.TotalCostUSD = 0
	for _, k := range keys {
		r := s.Results[k]
		s.TotalCostUSD += r.CostUSD
		switch {
		case r.Status.Done():
			s.CompletedSteps = append(s.CompletedSteps, k)
		case r.Status.Stops():
			s.FailedSteps = append(s.FailedSteps, k)
		}
	}
}

// Completed returns the set of keys that need no rerun.
func (s *RunState) Completed() map[string]bool {
	done := make(map[string]bool, len(s.CompletedSteps))
	for _, k := range s.CompletedSteps {
		done[k] = true
	}
	return done
}

// SpentUSD is everything paid for so far, including replaced attempts.
func (s *RunState) SpentUSD() float64 {
	return s.TotalCostUSD + s.SupersededUSD
}

// Store keeps one JSON document per project under dir.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a new checkpoint store.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Path returns the checkpoint file for a project.
func (s *Store) Path(projectID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.json", projectID))
}

// Save overwrites the project's checkpoint wholesale.
func (s *Store) Save(state *RunState) error {
	if state.ProjectID == "" {
		return errors.New("checkpoint: project id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	path := s.Path(state.ProjectID)
	tmp, err := os.CreateTemp(s.dir, "."+state.ProjectID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}

	return nil
}

// Load reads the project's checkpoint from disk.
func (s *Store) Load(projectID string) (*RunState, error) {
	data, err := os.ReadFile(s.Path(projectID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	if state.Results == nil {
		state.Results = make(map[string]executor.Result)
	}
	if state.ProjectID == "" {
		state.ProjectID = projectID
	}
	return &state, nil
}

// Delete removes the project's checkpoint. A missing file is not an error.
func (s *Store) Delete(projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.Path(projectID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// List returns the projects that have a checkpoint on disk.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var projects []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" || strings.HasPrefix(name, ".") {
			continue
		}
		projects = append(projects, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(projects)
	return projects, nil
}
