package executor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Invocation is what the execution service receives for one step.
type Invocation struct {
	StepID    string
	ProjectID string
	Command   string
	Context   string
	Model     string
	Mode      string
	MaxTurns  int
}

// EventKind classifies stream events.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventResult   EventKind = "result"
)

// Event is one message from the execution service stream. The stream ends
// with an event whose Final is set.
type Event struct {
	Kind    EventKind
	Text    string
	CostUSD float64 // running cost, when the service reports it
	Turns   int     // running turn count, when the service reports it
	Final   *FinalRecord
}

// FinalRecord is the terminal message of a stream.
type FinalRecord struct {
	CostUSD    float64 `json:"total_cost_usd"`
	Turns      int     `json:"num_turns"`
	SessionID  string  `json:"session_id"`
	IsError    bool    `json:"is_error"`
	DurationMs int64   `json:"duration_ms"`
	ResultText string  `json:"result"`
}

// Service runs one step remotely and streams progress back. Implementations
// close the channel when the stream ends and stop when ctx is cancelled.
type Service interface {
	Invoke(ctx context.Context, inv Invocation) (<-chan Event, error)
}

// Artifact is the result document a step leaves behind.
type Artifact struct {
	Path   string `json:"-"`
	Status Status `json:"status"`
}

// ArtifactReader looks up the result artifact produced for a step.
type ArtifactReader interface {
	Artifact(projectID, key string) (*Artifact, bool)
}

// FileArtifacts reads <Root>/<project>/results/<key>.json, with ':' in the
// key replaced by '-'.
type FileArtifacts struct {
	Root string
}

// Artifact implements ArtifactReader.
func (f FileArtifacts) Artifact(projectID, key string) (*Artifact, bool) {
	path := filepath.Join(f.Root, projectID, "results", strings.ReplaceAll(key, ":", "-")+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, false
	}
	a.Path = path
	return &a, true
}
