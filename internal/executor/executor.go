// Package executor runs a single pipeline step against the execution service
// and turns whatever happens into a Result.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/pipeline/internal/registry"
)

// Request carries the per-run inputs for one step invocation.
type Request struct {
	ProjectID string
	Key       string // plan key; defaults to the step id
	Mode      string
	Model     string // overrides the tier mapping when set
	Context   string
	DryRun    bool
	Attempt   int
}

// Executor invokes steps. Safe for concurrent use once configured.
type Executor struct {
	service   Service
	artifacts ArtifactReader
	models    map[string]string
	logger    *logging.Logger
	now       func() time.Time

	// OnEvent is called for every stream event. Called from the step's goroutine.
	OnEvent func(key string, ev Event)
}

// New creates an executor backed by service.
func New(service Service) *Executor {
	return &Executor{
		service: service,
		models:  make(map[string]string),
		logger:  logging.New().WithComponent("executor"),
		now:     time.Now,
	}
}

// SetArtifacts sets the reader consulted when the service reports an error.
func (e *Executor) SetArtifacts(r ArtifactReader) {
	e.artifacts = r
}

// SetModels sets the tier to model mapping.
func (e *Executor) SetModels(models map[string]string) {
	e.models = make(map[string]string, len(models))
	for k, v := range models {
		e.models[k] = v
	}
}

// SetLogger replaces the component logger.
func (e *Executor) SetLogger(l *logging.Logger) {
	e.logger = l.WithComponent("executor")
}

// Model returns the model used for def under req.
func (e *Executor) Model(def registry.StepDefinition, req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return e.models[def.Tier]
}

// Execute runs def once and never panics or returns an error: every outcome,
// including a crash inside the service, is reported through Result.Status.
func (e *Executor) Execute(ctx context.Context, def registry.StepDefinition, req Request) (res Result) {
	key := req.Key
	if key == "" {
		key = def.ID
	}
	attempt := req.Attempt
	if attempt == 0 {
		attempt = 1
	}
	start := e.now()
	res = Result{StepID: def.ID, Key: key, Mode: req.Mode, StartedAt: start, Attempt: attempt}

	if req.DryRun {
		res.Status = StatusDryRun
		return res
	}

	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusFailed
			res.Error = fmt.Sprintf("panic: %v", r)
			res.Duration = e.now().Sub(start)
			e.logger.Error("step_panic", map[string]interface{}{"step": key, "panic": fmt.Sprint(r)})
		}
	}()

	if def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	model := e.Model(def, req)
	e.logger.Debug("step_invoke", map[string]interface{}{"step": key, "model": model, "attempt": attempt})

	events, err := e.service.Invoke(ctx, Invocation{
		StepID:    def.ID,
		ProjectID: req.ProjectID,
		Command:   def.Command,
		Context:   req.Context,
		Model:     model,
		Mode:      req.Mode,
		MaxTurns:  def.MaxTurns,
	})
	if err != nil {
		res.Duration = e.now().Sub(start)
		if errors.Is(err, context.DeadlineExceeded) {
			res.Status = StatusTimeout
			res.Error = fmt.Sprintf("step exceeded timeout %s", def.Timeout)
			return res
		}
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}

	final, stop := e.drain(ctx, key, def, events, &res)
	res.Duration = e.now().Sub(start)

	switch {
	case stop != "":
		// Stopped mid-stream; res already carries the status.
		res.Error = stop
	case final == nil:
		res.Status = StatusFailed
		res.Error = "stream ended without result"
	default:
		res.CostUSD = final.CostUSD
		res.Turns = final.Turns
		res.SessionID = final.SessionID
		if final.DurationMs > 0 {
			res.Duration = time.Duration(final.DurationMs) * time.Millisecond
		}
		res.Status = StatusCompleted
		if final.IsError {
			res.Status = StatusFailed
			res.Error = final.ResultText
			if res.Error == "" {
				res.Error = "execution service reported an error"
			}
			e.applyArtifact(req.ProjectID, &res)
		}
		if def.MaxTurns > 0 && res.Turns > def.MaxTurns {
			res.Status = StatusBudgetExceeded
			res.Error = fmt.Sprintf("used %d turns, limit %d", res.Turns, def.MaxTurns)
		}
		// The ceiling only overrides a successful outcome.
		succeeded := res.Status == StatusCompleted || res.Status == StatusPartial
		if succeeded && def.CostCeiling > 0 && res.CostUSD > def.CostCeiling {
			res.Status = StatusBudgetExceeded
			res.Error = fmt.Sprintf("cost $%.2f exceeds ceiling $%.2f", res.CostUSD, def.CostCeiling)
		}
	}
	return res
}

// drain reads events until the final record, the deadline or a turn-limit
// breach. A non-empty stop reason means res.Status has been set.
func (e *Executor) drain(ctx context.Context, key string, def registry.StepDefinition, events <-chan Event, res *Result) (*FinalRecord, string) {
	for {
		select {
		case <-ctx.Done():
			return nil, interrupted(ctx, def, res)
		case ev, ok := <-events:
			if !ok {
				// A service closes its stream when ctx ends.
				if ctx.Err() != nil {
					return nil, interrupted(ctx, def, res)
				}
				return nil, ""
			}
			if e.OnEvent != nil {
				e.OnEvent(key, ev)
			}
			if ev.Final != nil {
				return ev.Final, ""
			}
			if ev.CostUSD > res.CostUSD {
				res.CostUSD = ev.CostUSD
			}
			if ev.Turns > res.Turns {
				res.Turns = ev.Turns
			}
			if def.MaxTurns > 0 && res.Turns > def.MaxTurns {
				res.Status = StatusBudgetExceeded
				return nil, fmt.Sprintf("used %d turns, limit %d", res.Turns, def.MaxTurns)
			}
		}
	}
}

func interrupted(ctx context.Context, def registry.StepDefinition, res *Result) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.Status = StatusTimeout
		return fmt.Sprintf("step exceeded timeout %s", def.Timeout)
	}
	res.Status = StatusFailed
	return "cancelled: " + ctx.Err().Error()
}

// applyArtifact lets a result artifact's declared status replace the
// service's error flag.
func (e *Executor) applyArtifact(projectID string, res *Result) {
	if e.artifacts == nil {
		return
	}
	a, ok := e.artifacts.Artifact(projectID, res.Key)
	if !ok {
		return
	}
	res.ArtifactPath = a.Path
	switch a.Status {
	case StatusCompleted, StatusPartial:
		if a.Status != res.Status {
			e.logger.Info("artifact_status_override", map[string]interface{}{
				"step":     res.Key,
				"service":  string(res.Status),
				"artifact": string(a.Status),
			})
			res.Status = a.Status
			res.Error = ""
		}
	}
}
