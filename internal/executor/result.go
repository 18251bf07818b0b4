package executor

import (
	"encoding/json"
	"time"
)

// Status is the terminal state of one step invocation.
type Status string

const (
	StatusDryRun            Status = "dry_run"
	StatusCompleted         Status = "completed"
	StatusPartial           Status = "partial"
	StatusFailed            Status = "failed"
	StatusTimeout           Status = "timeout"
	StatusBudgetExceeded    Status = "budget_exceeded"
	StatusInjectionDetected Status = "injection_detected"
)

// Done reports whether a step with this status needs no rerun on resume.
func (s Status) Done() bool {
	return s == StatusCompleted || s == StatusPartial
}

// Stops reports whether the status halts the pipeline after its stage.
func (s Status) Stops() bool {
	return s == StatusFailed || s == StatusTimeout || s == StatusBudgetExceeded
}

// Result is the normalized outcome of one step invocation. It is never
// modified after Execute returns; a retry produces a new Result.
type Result struct {
	StepID       string        `json:"step_id"`
	Key          string        `json:"key"`
	Mode         string        `json:"mode,omitempty"`
	Status       Status        `json:"status"`
	CostUSD      float64       `json:"cost_usd"`
	Duration     time.Duration `json:"-"`
	Turns        int           `json:"turns"`
	SessionID    string        `json:"session_id,omitempty"`
	ArtifactPath string        `json:"artifact_path,omitempty"`
	Error        string        `json:"error,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	Attempt      int           `json:"attempt"`
}

type resultJSON struct {
	resultAlias
	DurationMs int64 `json:"duration_ms"`
}

type resultAlias Result

// MarshalJSON writes Duration as whole milliseconds.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{resultAlias: resultAlias(r), DurationMs: r.Duration.Milliseconds()})
}

// UnmarshalJSON reads duration_ms back into Duration.
func (r *Result) UnmarshalJSON(data []byte) error {
	var v resultJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = Result(v.resultAlias)
	r.Duration = time.Duration(v.DurationMs) * time.Millisecond
	return nil
}
