package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/vinayprograms/pipeline/internal/events"
	"github.com/vinayprograms/pipeline/internal/executor"
	"github.com/vinayprograms/pipeline/internal/plan"
)

// runStage executes the non-gate members of stage and records their results
// once all of them have settled. It returns the stop state forced by the
// members, or "".
func (d *Driver) runStage(ctx context.Context, r *run, stage plan.Stage) State {
	var members []plan.StepRef
	for _, m := range stage.Members {
		if !m.IsGate() {
			members = append(members, m)
		}
	}
	if len(members) == 0 {
		return ""
	}

	keys := stage.Keys()
	phase := fmt.Sprintf("stage-%d", stage.Position)
	stageStart := d.now()
	d.logger.PhaseStart(phase, r.cfg.ProjectID, strings.Join(keys, ","))
	d.publish(ctx, events.Event{Type: events.StageStarted, ProjectID: r.cfg.ProjectID, RunID: r.cfg.RunID, Stage: stage.Position, Data: map[string]interface{}{"members": keys}})
	stageCtx, span := d.tracer.StartStage(ctx, stage.Position, keys)

	results := make([]executor.Result, len(members))
	if len(members) > 1 && r.cfg.Parallel {
		var wg sync.WaitGroup
		for i, ref := range members {
			wg.Add(1)
			go func(i int, ref plan.StepRef) {
				defer wg.Done()
				results[i] = d.execute(stageCtx, r, ref, 1)
			}(i, ref)
		}
		wg.Wait()
	} else {
		// Sequential members never skip a sibling after a failure.
		for i, ref := range members {
			results[i] = d.execute(stageCtx, r, ref, 1)
		}
	}

	var (
		stop     State
		stopKey  string
		stopErr  string
		stageUSD float64
	)
	for _, res := range results {
		r.record(res)
		stageUSD += res.CostUSD
		d.publish(ctx, events.Event{Type: events.StepFinished, ProjectID: r.cfg.ProjectID, RunID: r.cfg.RunID, Stage: stage.Position, Step: res.Key, Status: string(res.Status), CostUSD: res.CostUSD})
		if s := stopFor(res.Status); s != "" && stopPrecedence[s] > stopPrecedence[stop] {
			stop, stopKey, stopErr = s, res.Key, res.Error
		}
	}

	d.tracer.EndStage(span, stageUSD)
	outcome := "ok"
	if stop != "" {
		outcome = string(stop)
		r.report.StoppedAt = "step " + stopKey
		if stopErr != "" {
			r.report.Error = fmt.Sprintf("step %s: %s", stopKey, stopErr)
		}
	}
	d.logger.PhaseComplete(phase, r.cfg.ProjectID, strings.Join(keys, ","), d.now().Sub(stageStart), outcome)
	d.publish(ctx, events.Event{Type: events.StageFinished, ProjectID: r.cfg.ProjectID, RunID: r.cfg.RunID, Stage: stage.Position, Status: outcome, CostUSD: stageUSD})
	return stop
}

// execute runs one member. It is safe to call from several goroutines: it
// only reads driver configuration and returns a fresh result.
func (d *Driver) execute(ctx context.Context, r *run, ref plan.StepRef, attempt int) (res executor.Result) {
	key := ref.Key()
	ctx, span := d.tracer.StartStep(ctx, key, attempt)
	defer func() {
		if p := recover(); p != nil {
			res = executor.Result{
				StepID:    ref.ID,
				Key:       key,
				Mode:      ref.Mode,
				Status:    executor.StatusFailed,
				Error:     fmt.Sprintf("panic: %v", p),
				StartedAt: d.now(),
				Attempt:   attempt,
			}
			d.logger.Error("step_panic", map[string]interface{}{"step": key, "panic": fmt.Sprint(p)})
		}
		d.tracer.EndStep(span, string(res.Status), res.CostUSD, res.Turns, res.Error)
		d.logger.Info("step_complete", map[string]interface{}{
			"step":     key,
			"status":   string(res.Status),
			"cost_usd": res.CostUSD,
			"turns":    res.Turns,
			"attempt":  attempt,
		})
	}()

	def, ok := d.registry.Step(ref.ID)
	if !ok {
		return executor.Result{
			StepID:    ref.ID,
			Key:       key,
			Mode:      ref.Mode,
			Status:    executor.StatusFailed,
			Error:     "unknown step",
			StartedAt: d.now(),
			Attempt:   attempt,
		}
	}
	d.logger.Info("step_start", map[string]interface{}{"step": key, "name": def.Name, "tier": def.Tier})

	res = d.runner.Execute(ctx, def, executor.Request{
		ProjectID: r.cfg.ProjectID,
		Key:       key,
		Mode:      ref.Mode,
		Model:     r.cfg.Model,
		Context:   r.cfg.Context,
		DryRun:    r.cfg.DryRun,
		Attempt:   attempt,
	})
	// Normalize what a runner may leave out.
	if res.Key == "" {
		res.Key = key
	}
	if res.StepID == "" {
		res.StepID = ref.ID
	}
	if res.Attempt == 0 {
		res.Attempt = attempt
	}
	if res.Status == "" {
		res.Status = executor.StatusFailed
		res.Error = "runner returned no status"
	}
	return res
}
