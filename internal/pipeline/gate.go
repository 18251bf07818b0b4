package pipeline

import (
	"context"

	"github.com/vinayprograms/pipeline/internal/events"
	"github.com/vinayprograms/pipeline/internal/gate"
	"github.com/vinayprograms/pipeline/internal/plan"
)

// runGate evaluates the validation gate. When the failure is attributed to a
// missing upstream output, that step is rerun once per run and the gate is
// evaluated again.
func (d *Driver) runGate(ctx context.Context, r *run) State {
	if d.gate == nil {
		r.report.Error = "validation gate is not configured"
		return StateGateBlocked
	}

	decision, err := d.evaluate(ctx, r)
	if err != nil {
		return StateGateBlocked
	}

	if step := d.retry.Attribute(decision); step != "" && !r.retried && d.retryable(r, step) {
		r.retried = true
		attempt := 1
		if prev, ok := r.state.Results[step]; ok {
			attempt = prev.Attempt + 1
		}
		d.logger.Warn("gate_retry", map[string]interface{}{"step": step, "code": decision.Code, "attempt": attempt})

		res := d.execute(ctx, r, plan.Regular(step), attempt)
		r.record(res)
		d.publish(ctx, events.Event{Type: events.StepFinished, ProjectID: r.cfg.ProjectID, RunID: r.cfg.RunID, Step: res.Key, Status: string(res.Status), CostUSD: res.CostUSD, Data: map[string]interface{}{"gate_retry": true}})
		if s := stopFor(res.Status); s != "" {
			r.report.StoppedAt = "step " + res.Key
			r.report.Error = "gate retry of step " + res.Key + " ended " + string(res.Status)
			return s
		}

		if decision, err = d.evaluate(ctx, r); err != nil {
			return StateGateBlocked
		}
	}

	if decision.Blocks() {
		r.report.StoppedAt = "validation-gate"
		r.report.Error = gateMessage(decision)
		return StateGateBlocked
	}
	return ""
}

// retryable reports whether step belongs to this run: planned, or recorded
// by the checkpoint being resumed.
func (d *Driver) retryable(r *run, step string) bool {
	if !d.registry.Has(step) {
		return false
	}
	if r.planned.Contains(step) {
		return true
	}
	_, ok := r.state.Results[step]
	return ok
}

// evaluate runs the gate once and records the decision on the report.
func (d *Driver) evaluate(ctx context.Context, r *run) (gate.Decision, error) {
	ctx, span := d.tracer.StartGate(ctx, r.cfg.ProjectID, r.cfg.OverrideReason != "")
	decision, err := d.gate.Evaluate(ctx, r.cfg.ProjectID, r.cfg.OverrideReason)
	d.tracer.EndGate(span, decision.Code, decision.Overridden, err)

	if err != nil {
		d.logger.Error("gate_failed", map[string]interface{}{"project": r.cfg.ProjectID, "error": err.Error()})
		r.report.StoppedAt = "validation-gate"
		r.report.Error = "validation gate: " + err.Error()
		return decision, err
	}
	r.report.Gate = &decision
	d.publish(ctx, events.Event{
		Type:      events.GateEvaluated,
		ProjectID: r.cfg.ProjectID,
		RunID:     r.cfg.RunID,
		Step:      "validation-gate",
		Data:      map[string]interface{}{"code": decision.Code, "overridden": decision.Overridden},
	})
	return decision, nil
}

func gateMessage(d gate.Decision) string {
	switch d.Code {
	case gate.CodeCritical:
		return "validation gate reported critical issues"
	case gate.CodeWarning:
		return "validation gate reported warnings; rerun with an override reason to proceed"
	default:
		return "validation gate blocked the run"
	}
}
