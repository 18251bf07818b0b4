package pipeline

import (
	"time"

	"github.com/vinayprograms/pipeline/internal/executor"
	"github.com/vinayprograms/pipeline/internal/gate"
	"github.com/vinayprograms/pipeline/internal/scanner"
)

// State is the driver's lifecycle state. Every state after RUNNING is terminal.
type State string

const (
	StateNotStarted         State = "NOT_STARTED"
	StateRunning            State = "RUNNING"
	StateStoppedOnFailure   State = "STOPPED_ON_FAILURE"
	StateStoppedOnBudget    State = "STOPPED_ON_BUDGET"
	StateStoppedOnInjection State = "STOPPED_ON_INJECTION"
	StateStoppedOnTimeout   State = "STOPPED_ON_TIMEOUT"
	StateGateBlocked        State = "GATE_BLOCKED"
	StateCompleted          State = "COMPLETED"
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s != StateNotStarted && s != StateRunning
}

// stopFor maps a step status to the state it forces, or "" if the run may
// continue.
func stopFor(status executor.Status) State {
	switch status {
	case executor.StatusBudgetExceeded:
		return StateStoppedOnBudget
	case executor.StatusTimeout:
		return StateStoppedOnTimeout
	case executor.StatusFailed:
		return StateStoppedOnFailure
	default:
		return ""
	}
}

// stopPrecedence orders competing stop states within one stage.
var stopPrecedence = map[State]int{
	StateStoppedOnBudget:  3,
	StateStoppedOnTimeout: 2,
	StateStoppedOnFailure: 1,
}

// Report is the aggregate outcome of a run. It lists every attempted step so
// a failure can be explained from the report alone.
type Report struct {
	ProjectID        string            `json:"project_id"`
	RunID            string            `json:"run_id"`
	Plan             string            `json:"plan"`
	State            State             `json:"state"`
	Results          []executor.Result `json:"results"`
	TotalCostUSD     float64           `json:"total_cost_usd"`
	RunCostUSD       float64           `json:"run_cost_usd"`
	Duration         time.Duration     `json:"-"`
	DurationMs       int64             `json:"duration_ms"`
	Gate             *gate.Decision    `json:"gate,omitempty"`
	Warnings         []scanner.Warning `json:"warnings,omitempty"`
	StoppedAt        string            `json:"stopped_at,omitempty"`
	Error            string            `json:"error,omitempty"`
	CheckpointErrors []string          `json:"checkpoint_errors,omitempty"`
	DryRun           bool              `json:"dry_run,omitempty"`
}

// Result returns the last recorded result for key.
func (r *Report) Result(key string) (executor.Result, bool) {
	for i := len(r.Results) - 1; i >= 0; i-- {
		if r.Results[i].Key == key {
			return r.Results[i], true
		}
	}
	return executor.Result{}, false
}
