package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/pipeline/internal/checkpoint"
	"github.com/vinayprograms/pipeline/internal/events"
	"github.com/vinayprograms/pipeline/internal/executor"
	"github.com/vinayprograms/pipeline/internal/gate"
	"github.com/vinayprograms/pipeline/internal/plan"
	"github.com/vinayprograms/pipeline/internal/registry"
	"github.com/vinayprograms/pipeline/internal/scanner"
)

// outcome scripts one step's behavior in mockRunner.
type outcome struct {
	status executor.Status
	cost   float64
	delay  time.Duration
	panics bool
}

// mockRunner records the order in which steps start and finish.
type mockRunner struct {
	mu       sync.Mutex
	outcomes map[string]outcome
	retries  map[string]outcome // used when Attempt > 1
	log      []string           // "start:<key>" / "end:<key>"
	calls    map[string]int
}

func newRunner(outcomes map[string]outcome) *mockRunner {
	return &mockRunner{outcomes: outcomes, retries: map[string]outcome{}, calls: map[string]int{}}
}

func (m *mockRunner) Execute(ctx context.Context, def registry.StepDefinition, req executor.Request) executor.Result {
	m.mu.Lock()
	m.log = append(m.log, "start:"+req.Key)
	m.calls[req.Key]++
	o, ok := m.outcomes[req.Key]
	if r, has := m.retries[req.Key]; has && req.Attempt > 1 {
		o, ok = r, true
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.log = append(m.log, "end:"+req.Key)
		m.mu.Unlock()
	}()

	if req.DryRun {
		return executor.Result{StepID: def.ID, Key: req.Key, Status: executor.StatusDryRun, Attempt: req.Attempt}
	}
	if !ok {
		o = outcome{status: executor.StatusCompleted}
	}
	if o.delay > 0 {
		time.Sleep(o.delay)
	}
	if o.panics {
		panic("agent crashed")
	}
	return executor.Result{StepID: def.ID, Key: req.Key, Mode: req.Mode, Status: o.status, CostUSD: o.cost, Attempt: req.Attempt}
}

func (m *mockRunner) called(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[key]
}

// mockGate returns scripted decisions in order.
type mockGate struct {
	decisions []gate.Decision
	err       error
	calls     int
}

func (g *mockGate) Evaluate(ctx context.Context, projectID, overrideReason string) (gate.Decision, error) {
	g.calls++
	if g.err != nil {
		return gate.Decision{}, g.err
	}
	d := g.decisions[0]
	if len(g.decisions) > 1 {
		g.decisions = g.decisions[1:]
	}
	if d.Code == gate.CodeWarning && overrideReason != "" {
		d.Overridden = true
		d.Reason = overrideReason
	}
	return d, nil
}

type mockScanner struct {
	warnings []scanner.Warning
	err      error
}

func (s *mockScanner) Scan(root string) ([]scanner.Warning, error) {
	return s.warnings, s.err
}

func testRegistry(t *testing.T, ids ...string) *registry.Registry {
	t.Helper()
	steps := make([]registry.StepDefinition, 0, len(ids))
	for _, id := range ids {
		steps = append(steps, registry.StepDefinition{ID: id, Name: "step " + id})
	}
	reg, err := registry.New(steps, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func stages(groups ...[]plan.StepRef) plan.Plan {
	p := plan.Plan{}
	for i, g := range groups {
		p.Stages = append(p.Stages, plan.Stage{Position: i + 1, Members: g})
	}
	return p
}

func refs(ids ...string) []plan.StepRef {
	out := make([]plan.StepRef, len(ids))
	for i, id := range ids {
		out[i] = plan.Regular(id)
	}
	return out
}

func TestRun_Completed(t *testing.T) {
	reg := testRegistry(t, "A", "B", "C")
	runner := newRunner(map[string]outcome{
		"A": {status: executor.StatusCompleted, cost: 1},
		"B": {status: executor.StatusPartial, cost: 2},
		"C": {status: executor.StatusCompleted, cost: 3},
	})
	rec := &events.Recorder{}
	d := New(reg, runner)
	d.SetEvents(rec)

	report := d.Run(context.Background(), stages(refs("A"), refs("B", "C")), Config{ProjectID: "acme", BudgetUSD: 100, Parallel: true})
	if report.State != StateCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", report.State, report.Error)
	}
	if len(report.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(report.Results))
	}
	if report.TotalCostUSD != 6 || report.RunCostUSD != 6 {
		t.Errorf("expected cost 6, got %v / %v", report.TotalCostUSD, report.RunCostUSD)
	}
	if report.RunID == "" {
		t.Error("expected generated run id")
	}
	evs := rec.Events()
	if len(evs) == 0 || evs[0].Type != events.RunStarted || evs[len(evs)-1].Type != events.RunFinished {
		t.Fatalf("unexpected event sequence %+v", evs)
	}
	if keys, _ := evs[0].Data["steps"].([]string); strings.Join(keys, ",") != "A,B,C" {
		t.Errorf("expected planned keys on run start, got %v", evs[0].Data["steps"])
	}
}

func TestRun_BudgetScenario(t *testing.T) {
	reg := testRegistry(t, "A", "B", "C")
	runner := newRunner(map[string]outcome{
		"A": {status: executor.StatusCompleted, cost: 25},
		"B": {status: executor.StatusCompleted, cost: 10},
		"C": {status: executor.StatusCompleted, cost: 1},
	})
	d := New(reg, runner)

	report := d.Run(context.Background(), stages(refs("A"), refs("B"), refs("C")), Config{ProjectID: "acme", BudgetUSD: 30})
	if report.State != StateStoppedOnBudget {
		t.Fatalf("expected STOPPED_ON_BUDGET, got %s", report.State)
	}
	if runner.called("C") != 0 {
		t.Error("stage C must never run")
	}
	a, okA := report.Result("A")
	b, okB := report.Result("B")
	_, okC := report.Result("C")
	if !okA || !okB || okC {
		t.Fatalf("expected A and B in report, C absent: %+v", report.Results)
	}
	if a.Status != executor.StatusCompleted || b.Status != executor.StatusCompleted {
		t.Errorf("expected A and B completed, got %s %s", a.Status, b.Status)
	}
	if report.TotalCostUSD != 35 {
		t.Errorf("expected total 35, got %v", report.TotalCostUSD)
	}
}

func TestRun_BudgetOnLastStageCompletes(t *testing.T) {
	reg := testRegistry(t, "A")
	runner := newRunner(map[string]outcome{"A": {status: executor.StatusCompleted, cost: 40}})

	report := New(reg, runner).Run(context.Background(), stages(refs("A")), Config{ProjectID: "acme", BudgetUSD: 30})
	if report.State != StateCompleted {
		t.Errorf("expected COMPLETED when no stage remains, got %s", report.State)
	}
}

func TestRun_StopStates(t *testing.T) {
	tests := []struct {
		name   string
		status executor.Status
		want   State
	}{
		{"failed", executor.StatusFailed, StateStoppedOnFailure},
		{"timeout", executor.StatusTimeout, StateStoppedOnTimeout},
		{"budget exceeded", executor.StatusBudgetExceeded, StateStoppedOnBudget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := testRegistry(t, "A", "B")
			runner := newRunner(map[string]outcome{"A": {status: tt.status}})
			report := New(reg, runner).Run(context.Background(), stages(refs("A"), refs("B")), Config{ProjectID: "acme"})
			if report.State != tt.want {
				t.Errorf("expected %s, got %s", tt.want, report.State)
			}
			if runner.called("B") != 0 {
				t.Error("next stage must not start after a stop")
			}
			if report.StoppedAt != "step A" {
				t.Errorf("expected stop at step A, got %q", report.StoppedAt)
			}
		})
	}
}

func TestRun_StopPrecedence(t *testing.T) {
	reg := testRegistry(t, "X", "Y", "Z")
	runner := newRunner(map[string]outcome{
		"X": {status: executor.StatusFailed},
		"Y": {status: executor.StatusTimeout},
		"Z": {status: executor.StatusBudgetExceeded},
	})
	report := New(reg, runner).Run(context.Background(), stages(refs("X", "Y", "Z")), Config{ProjectID: "acme", Parallel: true})
	if report.State != StateStoppedOnBudget {
		t.Errorf("expected budget to take precedence, got %s", report.State)
	}
	if len(report.Results) != 3 {
		t.Errorf("every member must be recorded, got %d", len(report.Results))
	}
}

func TestRun_ParallelIsolation(t *testing.T) {
	reg := testRegistry(t, "X", "Y")
	runner := newRunner(map[string]outcome{
		"X": {panics: true},
		"Y": {status: executor.StatusCompleted, cost: 2, delay: 20 * time.Millisecond},
	})

	report := New(reg, runner).Run(context.Background(), stages(refs("X", "Y")), Config{ProjectID: "acme", Parallel: true})
	x, _ := report.Result("X")
	y, okY := report.Result("Y")
	if x.Status != executor.StatusFailed || x.Error == "" {
		t.Errorf("expected X failed with error, got %+v", x)
	}
	if !okY || y.Status != executor.StatusCompleted || y.CostUSD != 2 {
		t.Errorf("expected Y completed independently, got %+v", y)
	}
	if report.State != StateStoppedOnFailure {
		t.Errorf("expected STOPPED_ON_FAILURE, got %s", report.State)
	}
}

func TestRun_SequentialMembersDoNotSkipSiblings(t *testing.T) {
	reg := testRegistry(t, "X", "Y")
	runner := newRunner(map[string]outcome{"X": {status: executor.StatusFailed}})

	report := New(reg, runner).Run(context.Background(), stages(refs("X", "Y")), Config{ProjectID: "acme", Parallel: false})
	if runner.called("Y") != 1 {
		t.Error("Y should run even though X failed")
	}
	if report.State != StateStoppedOnFailure {
		t.Errorf("expected STOPPED_ON_FAILURE, got %s", report.State)
	}
}

func TestRun_StageOrdering(t *testing.T) {
	reg := testRegistry(t, "A", "B", "C", "D")
	runner := newRunner(map[string]outcome{
		"A": {status: executor.StatusCompleted, delay: 30 * time.Millisecond},
		"B": {status: executor.StatusCompleted, delay: 5 * time.Millisecond},
	})
	p := stages(refs("A", "B"), refs("C", "D"))

	New(reg, runner).Run(context.Background(), p, Config{ProjectID: "acme", Parallel: true})

	runner.mu.Lock()
	defer runner.mu.Unlock()
	pos := make(map[string]int)
	for i, e := range runner.log {
		pos[e] = i
	}
	for _, first := range []string{"A", "B"} {
		for _, next := range []string{"C", "D"} {
			if pos["end:"+first] > pos["start:"+next] {
				t.Errorf("%s started before %s finished: %v", next, first, runner.log)
			}
		}
	}
}

func TestRun_Resume(t *testing.T) {
	reg := testRegistry(t, "A", "B", "C")
	store, err := checkpoint.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	prior := checkpoint.NewRunState("acme", "run-1", "", false)
	prior.Record(executor.Result{StepID: "A", Key: "A", Status: executor.StatusCompleted, CostUSD: 4})
	prior.Record(executor.Result{StepID: "B", Key: "B", Status: executor.StatusCompleted, CostUSD: 5})
	if err := store.Save(prior); err != nil {
		t.Fatal(err)
	}

	runner := newRunner(map[string]outcome{"C": {status: executor.StatusCompleted, cost: 1}})
	d := New(reg, runner)
	d.SetStore(store)

	report := d.Run(context.Background(), stages(refs("A"), refs("B"), refs("C")), Config{ProjectID: "acme", Resume: true, BudgetUSD: 100})
	if report.State != StateCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", report.State, report.Error)
	}
	if runner.called("A") != 0 || runner.called("B") != 0 || runner.called("C") != 1 {
		t.Errorf("expected only C to run, calls %v", runner.calls)
	}
	if report.TotalCostUSD != 10 || report.RunCostUSD != 1 {
		t.Errorf("expected total 10 and run cost 1, got %v / %v", report.TotalCostUSD, report.RunCostUSD)
	}

	saved, err := store.Load("acme")
	if err != nil {
		t.Fatal(err)
	}
	if len(saved.CompletedSteps) != 3 || saved.TotalCostUSD != 10 {
		t.Errorf("unexpected checkpoint after resume: %+v", saved)
	}
}

func TestRun_ResumeWithoutCheckpoint(t *testing.T) {
	reg := testRegistry(t, "A")
	store, _ := checkpoint.NewStore(t.TempDir())
	runner := newRunner(nil)
	d := New(reg, runner)
	d.SetStore(store)

	report := d.Run(context.Background(), stages(refs("A")), Config{ProjectID: "acme", Resume: true})
	if report.State != StateCompleted || runner.called("A") != 1 {
		t.Errorf("resume without checkpoint should run everything: %s", report.State)
	}
}

type failingStore struct {
	saves   int
	loadErr error
}

func (f *failingStore) Save(*checkpoint.RunState) error {
	f.saves++
	return errors.New("disk full")
}

func (f *failingStore) Load(string) (*checkpoint.RunState, error) {
	return nil, f.loadErr
}

func TestRun_CheckpointEveryStage(t *testing.T) {
	reg := testRegistry(t, "A", "B")
	store := &failingStore{}
	d := New(reg, newRunner(map[string]outcome{"B": {status: executor.StatusFailed}}))
	d.SetStore(store)

	report := d.Run(context.Background(), stages(refs("A"), refs("B")), Config{ProjectID: "acme"})
	if store.saves != 2 {
		t.Errorf("expected a save after each stage including the failing one, got %d", store.saves)
	}
	if len(report.CheckpointErrors) != 2 {
		t.Errorf("expected checkpoint errors in report, got %v", report.CheckpointErrors)
	}
	if report.State != StateStoppedOnFailure {
		t.Errorf("checkpoint errors must not change the stop state, got %s", report.State)
	}
}

func TestRun_ResumeLoadError(t *testing.T) {
	reg := testRegistry(t, "A")
	runner := newRunner(nil)
	d := New(reg, runner)
	d.SetStore(&failingStore{loadErr: errors.New("corrupt checkpoint")})

	report := d.Run(context.Background(), stages(refs("A")), Config{ProjectID: "acme", Resume: true})
	if report.State != StateStoppedOnFailure || runner.called("A") != 0 {
		t.Errorf("expected stop before any step, got %s", report.State)
	}
}

func gatePlan() plan.Plan {
	return stages(refs("6"), []plan.StepRef{plan.Gate()}, refs("7"))
}

func TestRun_Gate(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		override string
		want     State
		publish  bool
	}{
		{"pass", gate.CodePass, "", StateCompleted, true},
		{"critical", gate.CodeCritical, "", StateGateBlocked, false},
		{"critical with override", gate.CodeCritical, "ship it", StateGateBlocked, false},
		{"warning", gate.CodeWarning, "", StateGateBlocked, false},
		{"warning with override", gate.CodeWarning, "approved", StateCompleted, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := testRegistry(t, "6", "7")
			runner := newRunner(nil)
			g := &mockGate{decisions: []gate.Decision{{Code: tt.code, Report: "docs outdated"}}}
			d := New(reg, runner)
			d.SetGate(g, nil)

			report := d.Run(context.Background(), gatePlan(), Config{ProjectID: "acme", OverrideReason: tt.override})
			if report.State != tt.want {
				t.Errorf("expected %s, got %s", tt.want, report.State)
			}
			if (runner.called("7") == 1) != tt.publish {
				t.Errorf("publish step ran=%v, want %v", runner.called("7") == 1, tt.publish)
			}
			if report.Gate == nil || report.Gate.Code != tt.code {
				t.Errorf("gate decision missing from report: %+v", report.Gate)
			}
		})
	}
}

func TestRun_GateOverrideWritesOneAuditLine(t *testing.T) {
	reg := testRegistry(t, "6", "7")
	trail := gate.NewAuditTrail(filepath.Join(t.TempDir(), "audit.log"))
	g := &scriptedGate{codes: []int{gate.CodeWarning, gate.CodePass}}
	d := New(reg, newRunner(nil))
	d.SetGate(gate.NewAdapter(g, trail), gate.DefaultRetryPolicy())

	report := d.Run(context.Background(), gatePlan(), Config{ProjectID: "acme", OverrideReason: "approved by QA"})
	if report.State != StateCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", report.State, report.Error)
	}
	entries, err := trail.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Reason != "approved by QA" {
		t.Errorf("expected exactly one audit line, got %+v", entries)
	}
}

// scriptedGate is a gate.Gate returning codes in order.
type scriptedGate struct {
	codes []int
}

func (s *scriptedGate) Run(ctx context.Context, projectID string, override bool) (int, string, error) {
	code := s.codes[0]
	if len(s.codes) > 1 {
		s.codes = s.codes[1:]
	}
	return code, "warning: docs outdated", nil
}

func TestRun_GateAutoRetry(t *testing.T) {
	reg := testRegistry(t, "6", "7")
	runner := newRunner(map[string]outcome{"6": {status: executor.StatusCompleted, cost: 1}})
	runner.retries["6"] = outcome{status: executor.StatusCompleted, cost: 2}
	g := &mockGate{decisions: []gate.Decision{
		{Code: gate.CodeCritical, Report: "coverage report missing"},
		{Code: gate.CodePass},
	}}
	d := New(reg, runner)
	d.SetGate(g, gate.DefaultRetryPolicy())

	report := d.Run(context.Background(), gatePlan(), Config{ProjectID: "acme"})
	if report.State != StateCompleted {
		t.Fatalf("expected COMPLETED after retry, got %s (%s)", report.State, report.Error)
	}
	if runner.called("6") != 2 || g.calls != 2 {
		t.Errorf("expected one retry and two gate runs, got %d and %d", runner.called("6"), g.calls)
	}
	retry, _ := report.Result("6")
	if retry.Attempt != 2 {
		t.Errorf("expected attempt 2, got %d", retry.Attempt)
	}
	if report.TotalCostUSD != 3 {
		t.Errorf("expected both attempts counted, got %v", report.TotalCostUSD)
	}
}

func TestRun_GateAutoRetryAtMostOnce(t *testing.T) {
	reg := testRegistry(t, "6", "7")
	runner := newRunner(nil)
	g := &mockGate{decisions: []gate.Decision{{Code: gate.CodeCritical, Report: "coverage report missing"}}}
	d := New(reg, runner)
	d.SetGate(g, gate.DefaultRetryPolicy())

	report := d.Run(context.Background(), gatePlan(), Config{ProjectID: "acme"})
	if report.State != StateGateBlocked {
		t.Fatalf("expected GATE_BLOCKED, got %s", report.State)
	}
	if runner.called("6") != 2 || g.calls != 2 {
		t.Errorf("expected exactly one retry, got %d step calls and %d gate runs", runner.called("6"), g.calls)
	}
}

func TestRun_GateRetrySkipsUnplannedStep(t *testing.T) {
	reg := testRegistry(t, "6", "7")
	runner := newRunner(map[string]outcome{"7": {status: executor.StatusCompleted, cost: 1}})
	g := &mockGate{decisions: []gate.Decision{
		{Code: gate.CodeCritical, Report: "coverage report missing"},
		{Code: gate.CodePass},
	}}
	d := New(reg, runner)
	d.SetGate(g, gate.DefaultRetryPolicy())

	p := stages([]plan.StepRef{plan.Gate()}, refs("7"))
	report := d.Run(context.Background(), p, Config{ProjectID: "acme"})
	if report.State != StateGateBlocked {
		t.Fatalf("expected GATE_BLOCKED, got %s (%s)", report.State, report.Error)
	}
	if runner.called("6") != 0 || runner.called("7") != 0 {
		t.Errorf("expected no step to run, calls %v", runner.calls)
	}
	if g.calls != 1 {
		t.Errorf("expected a single gate run, got %d", g.calls)
	}
}

func TestRun_GateRetryResumedStep(t *testing.T) {
	reg := testRegistry(t, "6", "7")
	store, err := checkpoint.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	prior := checkpoint.NewRunState("acme", "run-1", "", false)
	prior.Record(executor.Result{StepID: "6", Key: "6", Status: executor.StatusCompleted, CostUSD: 1})
	if err := store.Save(prior); err != nil {
		t.Fatal(err)
	}

	runner := newRunner(map[string]outcome{"7": {status: executor.StatusCompleted, cost: 1}})
	runner.retries["6"] = outcome{status: executor.StatusCompleted, cost: 2}
	g := &mockGate{decisions: []gate.Decision{
		{Code: gate.CodeCritical, Report: "coverage report missing"},
		{Code: gate.CodePass},
	}}
	d := New(reg, runner)
	d.SetStore(store)
	d.SetGate(g, gate.DefaultRetryPolicy())

	p := stages([]plan.StepRef{plan.Gate()}, refs("7"))
	report := d.Run(context.Background(), p, Config{ProjectID: "acme", Resume: true})
	if report.State != StateCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", report.State, report.Error)
	}
	if runner.called("6") != 1 {
		t.Errorf("expected the recorded step to be retried once, got %d", runner.called("6"))
	}
}

func TestRun_GateError(t *testing.T) {
	reg := testRegistry(t, "6", "7")
	d := New(reg, newRunner(nil))
	d.SetGate(&mockGate{err: errors.New("gate binary missing")}, nil)

	report := d.Run(context.Background(), gatePlan(), Config{ProjectID: "acme"})
	if report.State != StateGateBlocked || report.Error == "" {
		t.Errorf("expected GATE_BLOCKED with error, got %s %q", report.State, report.Error)
	}
}

func TestRun_InjectionBlocks(t *testing.T) {
	reg := testRegistry(t, "1", "2")
	runner := newRunner(nil)
	rec := &events.Recorder{}
	d := New(reg, runner)
	d.SetEvents(rec)
	warnings := make([]scanner.Warning, 3)
	for i := range warnings {
		warnings[i].Class = scanner.DelimiterInjection
	}
	d.SetScanner(&mockScanner{warnings: warnings})

	report := d.Run(context.Background(), stages(refs("1"), refs("2")), Config{ProjectID: "acme", CorpusRoot: "input"})
	if report.State != StateStoppedOnInjection {
		t.Fatalf("expected STOPPED_ON_INJECTION, got %s", report.State)
	}
	for _, ev := range rec.Events() {
		if ev.Type != events.ScanFinished {
			continue
		}
		if classes, _ := ev.Data["classes"].(map[scanner.Class]int); classes[scanner.DelimiterInjection] != 3 {
			t.Errorf("expected class summary on scan event, got %v", ev.Data["classes"])
		}
	}
	if runner.called("1") != 0 {
		t.Error("step 1 must not run")
	}
	if len(report.Results) != 2 || report.Results[0].Status != executor.StatusInjectionDetected {
		t.Errorf("expected every planned step reported as injection_detected, got %+v", report.Results)
	}
}

func TestRun_InjectionBelowThreshold(t *testing.T) {
	reg := testRegistry(t, "1")
	runner := newRunner(nil)
	d := New(reg, runner)
	d.SetScanner(&mockScanner{warnings: make([]scanner.Warning, 2)})

	report := d.Run(context.Background(), stages(refs("1")), Config{ProjectID: "acme", CorpusRoot: "input"})
	if report.State != StateCompleted || runner.called("1") != 1 {
		t.Errorf("two warnings must not block, got %s", report.State)
	}
	if len(report.Warnings) != 2 {
		t.Errorf("expected warnings in report, got %d", len(report.Warnings))
	}
}

func TestRun_ScanErrorContinues(t *testing.T) {
	reg := testRegistry(t, "1")
	d := New(reg, newRunner(nil))
	d.SetScanner(&mockScanner{err: errors.New("permission denied")})

	report := d.Run(context.Background(), stages(refs("1")), Config{ProjectID: "acme", CorpusRoot: "input"})
	if report.State != StateCompleted {
		t.Errorf("scan errors should not stop the run, got %s", report.State)
	}
}

func TestRun_DryRun(t *testing.T) {
	reg := testRegistry(t, "6", "7")
	store := &failingStore{}
	g := &mockGate{decisions: []gate.Decision{{Code: gate.CodeCritical}}}
	d := New(reg, newRunner(nil))
	d.SetStore(store)
	d.SetGate(g, nil)

	report := d.Run(context.Background(), gatePlan(), Config{ProjectID: "acme", DryRun: true})
	if report.State != StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", report.State)
	}
	if g.calls != 0 || store.saves != 0 {
		t.Errorf("dry run must skip gate and checkpoints: gate %d saves %d", g.calls, store.saves)
	}
	for _, r := range report.Results {
		if r.Status != executor.StatusDryRun {
			t.Errorf("expected dry_run, got %s", r.Status)
		}
	}
}

func TestRun_ModeVariantKey(t *testing.T) {
	reg := testRegistry(t, "2")
	runner := newRunner(map[string]outcome{"2:challenge": {status: executor.StatusCompleted, cost: 1}})
	p := stages([]plan.StepRef{plan.Regular("2"), plan.ModeVariant("2", "challenge")})

	report := New(reg, runner).Run(context.Background(), p, Config{ProjectID: "acme", Parallel: true})
	if report.State != StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", report.State)
	}
	v, ok := report.Result("2:challenge")
	if !ok || v.StepID != "2" || v.Mode != "challenge" {
		t.Errorf("unexpected variant result %+v", v)
	}
}

func TestRun_Cancelled(t *testing.T) {
	reg := testRegistry(t, "A")
	runner := newRunner(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := New(reg, runner).Run(ctx, stages(refs("A")), Config{ProjectID: "acme"})
	if report.State != StateStoppedOnFailure || runner.called("A") != 0 {
		t.Errorf("cancelled run should stop before stage 1, got %s", report.State)
	}
}
