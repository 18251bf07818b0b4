// Package pipeline drives a plan through its stages: pre-scan, resume,
// per-stage execution, stop conditions, the validation gate and checkpoints.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/pipeline/internal/checkpoint"
	"github.com/vinayprograms/pipeline/internal/events"
	"github.com/vinayprograms/pipeline/internal/executor"
	"github.com/vinayprograms/pipeline/internal/gate"
	"github.com/vinayprograms/pipeline/internal/plan"
	"github.com/vinayprograms/pipeline/internal/registry"
	"github.com/vinayprograms/pipeline/internal/scanner"
	"github.com/vinayprograms/pipeline/internal/tracing"
)

// StepRunner executes one step. Implementations report every outcome through
// the result; the driver still recovers panics.
type StepRunner interface {
	Execute(ctx context.Context, def registry.StepDefinition, req executor.Request) executor.Result
}

// GateEvaluator evaluates the validation gate.
type GateEvaluator interface {
	Evaluate(ctx context.Context, projectID, overrideReason string) (gate.Decision, error)
}

// CheckpointStore persists run state.
type CheckpointStore interface {
	Save(state *checkpoint.RunState) error
	Load(projectID string) (*checkpoint.RunState, error)
}

// CorpusScanner is the security pre-scan.
type CorpusScanner interface {
	Scan(root string) ([]scanner.Warning, error)
}

var (
	_ StepRunner      = (*executor.Executor)(nil)
	_ GateEvaluator   = (*gate.Adapter)(nil)
	_ CheckpointStore = (*checkpoint.Store)(nil)
	_ CorpusScanner   = (*scanner.Scanner)(nil)
)

// Config holds the per-run options.
type Config struct {
	ProjectID      string
	RunID          string // generated when empty
	BudgetUSD      float64
	Parallel       bool
	DryRun         bool
	Resume         bool
	OverrideReason string
	Model          string
	Context        string // passed to every step invocation
	CorpusRoot     string // "" skips the pre-scan
	Threshold      int    // pre-scan abort threshold, 0 = default
}

// Driver runs plans. Collaborators other than the registry and runner are
// optional and set through the Set* methods.
type Driver struct {
	registry *registry.Registry
	runner   StepRunner
	gate     GateEvaluator
	retry    *gate.RetryPolicy
	store    CheckpointStore
	scanner  CorpusScanner
	tracer   *tracing.Tracer
	events   events.Publisher
	logger   *logging.Logger
	now      func() time.Time
}

// New creates a driver.
func New(reg *registry.Registry, runner StepRunner) *Driver {
	return &Driver{
		registry: reg,
		runner:   runner,
		events:   events.Noop{},
		logger:   logging.New().WithComponent("pipeline"),
		now:      time.Now,
	}
}

// SetGate sets the validation gate and the attribution policy used for the
// one automatic retry. A nil policy disables the retry.
func (d *Driver) SetGate(g GateEvaluator, retry *gate.RetryPolicy) {
	d.gate = g
	d.retry = retry
}

// SetStore enables checkpointing.
func (d *Driver) SetStore(s CheckpointStore) {
	d.store = s
}

// SetScanner enables the pre-scan.
func (d *Driver) SetScanner(s CorpusScanner) {
	d.scanner = s
}

// SetTracer sets the span tracer.
func (d *Driver) SetTracer(t *tracing.Tracer) {
	d.tracer = t
}

// SetEvents sets the progress publisher.
func (d *Driver) SetEvents(p events.Publisher) {
	if p == nil {
		p = events.Noop{}
	}
	d.events = p
}

// SetLogger replaces the component logger.
func (d *Driver) SetLogger(l *logging.Logger) {
	d.logger = l.WithComponent("pipeline")
}

// run carries the mutable state of one Run call. Only the driver goroutine
// touches it.
type run struct {
	cfg     Config
	planned plan.Plan // before resume; bounds what a gate retry may rerun
	state   *checkpoint.RunState
	report  *Report
	retried bool
}

// Run executes p and returns the aggregate report. Step faults never escape:
// they end up as result statuses and a terminal state.
func (d *Driver) Run(ctx context.Context, p plan.Plan, cfg Config) *Report {
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}
	start := d.now()
	r := &run{
		cfg:     cfg,
		planned: p,
		state: checkpoint.NewRunState(cfg.ProjectID, cfg.RunID, cfg.Model, cfg.Parallel),
		report: &Report{
			ProjectID: cfg.ProjectID,
			RunID:     cfg.RunID,
			Plan:      p.String(),
			State:     StateNotStarted,
			DryRun:    cfg.DryRun,
		},
	}

	ctx, span := d.tracer.StartRun(ctx, cfg.ProjectID, cfg.RunID, len(p.Stages))
	d.logger.ExecutionStart(cfg.ProjectID)
	d.publish(ctx, events.Event{Type: events.RunStarted, ProjectID: cfg.ProjectID, RunID: cfg.RunID, Data: map[string]interface{}{"plan": p.String(), "steps": p.Keys()}})

	r.report.State = StateRunning
	var startSpent float64
	defer func() {
		ctx := context.WithoutCancel(ctx)
		rep := r.report
		rep.TotalCostUSD = r.state.SpentUSD()
		rep.RunCostUSD = rep.TotalCostUSD - startSpent
		rep.Duration = d.now().Sub(start)
		rep.DurationMs = rep.Duration.Milliseconds()
		var runErr error
		if rep.Error != "" {
			runErr = errors.New(rep.Error)
		}
		d.tracer.EndRun(span, string(rep.State), rep.TotalCostUSD, runErr)
		d.logger.ExecutionComplete(cfg.ProjectID, rep.Duration, string(rep.State))
		d.publish(ctx, events.Event{Type: events.RunFinished, ProjectID: cfg.ProjectID, RunID: cfg.RunID, Status: string(rep.State), CostUSD: rep.TotalCostUSD})
	}()

	if d.prescan(ctx, r, p) {
		return r.report
	}

	if cfg.Resume && !cfg.DryRun {
		var ok bool
		if p, ok = d.resume(r, p); !ok {
			return r.report
		}
	}
	startSpent = r.state.SpentUSD()

	for i, stage := range p.Stages {
		at := fmt.Sprintf("stage %d", stage.Position)
		if err := ctx.Err(); err != nil {
			r.stop(StateStoppedOnFailure, at, "run cancelled: "+err.Error())
			return r.report
		}
		if d.overBudget(r) {
			r.stop(StateStoppedOnBudget, at, d.budgetMessage(r))
			return r.report
		}

		stop := d.runStage(ctx, r, stage)
		if stop == "" && stage.IsGate() && !cfg.DryRun {
			stop = d.runGate(ctx, r)
		}
		d.save(r)

		if i < len(p.Stages)-1 && d.overBudget(r) {
			r.stop(StateStoppedOnBudget, at, d.budgetMessage(r))
			return r.report
		}
		if stop != "" {
			r.report.State = stop
			if r.report.StoppedAt == "" {
				r.report.StoppedAt = at
			}
			return r.report
		}
	}

	r.report.State = StateCompleted
	return r.report
}

func (d *Driver) overBudget(r *run) bool {
	return r.cfg.BudgetUSD > 0 && r.state.SpentUSD() >= r.cfg.BudgetUSD
}

func (d *Driver) budgetMessage(r *run) string {
	return fmt.Sprintf("cumulative cost $%.2f reached budget $%.2f", r.state.SpentUSD(), r.cfg.BudgetUSD)
}

func (r *run) stop(state State, at, msg string) {
	r.report.State = state
	r.report.StoppedAt = at
	if msg != "" {
		r.report.Error = msg
	}
}

// record stores a settled result in run state and the report.
func (r *run) record(res executor.Result) {
	r.state.Record(res)
	r.report.Results = append(r.report.Results, res)
}

// prescan runs the security scan and reports whether the run was aborted.
func (d *Driver) prescan(ctx context.Context, r *run, p plan.Plan) bool {
	if d.scanner == nil || r.cfg.CorpusRoot == "" {
		return false
	}
	_, span := d.tracer.StartScan(ctx, r.cfg.CorpusRoot)
	warnings, err := d.scanner.Scan(r.cfg.CorpusRoot)
	blocked := err == nil && scanner.Blocks(warnings, r.cfg.Threshold)
	d.tracer.EndScan(span, len(warnings), blocked, err)
	d.publish(ctx, events.Event{Type: events.ScanFinished, ProjectID: r.cfg.ProjectID, RunID: r.cfg.RunID, Data: map[string]interface{}{"warnings": len(warnings), "classes": scanner.Summary(warnings), "blocked": blocked}})

	if err != nil {
		d.logger.Warn("scan_failed", map[string]interface{}{"root": r.cfg.CorpusRoot, "error": err.Error()})
		return false
	}
	r.report.Warnings = warnings
	for _, w := range warnings {
		d.logger.Warn("injection_pattern", map[string]interface{}{"file": w.File, "line": w.Line, "class": string(w.Class)})
	}
	if !blocked {
		return false
	}

	now := d.now()
	for _, ref := range p.Steps() {
		r.report.Results = append(r.report.Results, executor.Result{
			StepID:    ref.ID,
			Key:       ref.Key(),
			Mode:      ref.Mode,
			Status:    executor.StatusInjectionDetected,
			StartedAt: now,
		})
	}
	r.stop(StateStoppedOnInjection, "pre-scan", fmt.Sprintf("%d injection patterns found in %s", len(warnings), r.cfg.CorpusRoot))
	return true
}

// resume loads the checkpoint and drops completed keys from the plan.
func (d *Driver) resume(r *run, p plan.Plan) (plan.Plan, bool) {
	if d.store == nil {
		return p, true
	}
	loaded, err := d.store.Load(r.cfg.ProjectID)
	switch {
	case errors.Is(err, checkpoint.ErrNoCheckpoint):
		d.logger.Info("resume_fresh", map[string]interface{}{"project": r.cfg.ProjectID})
		return p, true
	case err != nil:
		r.stop(StateStoppedOnFailure, "resume", err.Error())
		return p, false
	}

	loaded.RunID = r.cfg.RunID
	loaded.Parallel = r.cfg.Parallel
	if r.cfg.Model != "" {
		loaded.Model = r.cfg.Model
	}
	r.state = loaded
	remaining := p.Without(loaded.Completed())
	d.logger.Info("resume", map[string]interface{}{
		"project":   r.cfg.ProjectID,
		"completed": strings.Join(loaded.CompletedSteps, ","),
		"remaining": remaining.String(),
		"cost_usd":  loaded.SpentUSD(),
	})
	return remaining, true
}

func (d *Driver) save(r *run) {
	if d.store == nil || r.cfg.DryRun {
		return
	}
	if err := d.store.Save(r.state); err != nil {
		d.logger.Error("checkpoint_failed", map[string]interface{}{"project": r.cfg.ProjectID, "error": err.Error()})
		r.report.CheckpointErrors = append(r.report.CheckpointErrors, err.Error())
		return
	}
	d.logger.Debug("checkpoint_saved", map[string]interface{}{"project": r.cfg.ProjectID, "cost_usd": r.state.TotalCostUSD})
}

func (d *Driver) publish(ctx context.Context, ev events.Event) {
	if err := d.events.Publish(ctx, ev); err != nil {
		d.logger.Debug("event_publish_failed", map[string]interface{}{"type": string(ev.Type), "error": err.Error()})
	}
}
