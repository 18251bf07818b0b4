// Package main provides runtime wiring for pipeline runs.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/credentials"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/pipeline/internal/checkpoint"
	"github.com/vinayprograms/pipeline/internal/config"
	"github.com/vinayprograms/pipeline/internal/events"
	"github.com/vinayprograms/pipeline/internal/executor"
	"github.com/vinayprograms/pipeline/internal/gate"
	"github.com/vinayprograms/pipeline/internal/pipeline"
	"github.com/vinayprograms/pipeline/internal/plan"
	"github.com/vinayprograms/pipeline/internal/project"
	"github.com/vinayprograms/pipeline/internal/registry"
	"github.com/vinayprograms/pipeline/internal/scanner"
	"github.com/vinayprograms/pipeline/internal/service"
	"github.com/vinayprograms/pipeline/internal/tracing"
)

// runtime owns the components of one pipeline invocation.
type runtime struct {
	cfg   *config.Config
	flags RunFlags
	creds *credentials.Credentials
	runID string

	// Components
	logger    *logging.Logger
	registry  *registry.Registry
	tracer    *tracing.Tracer
	publisher events.Publisher
	exec      *executor.Executor
	gate      *gate.Adapter
	retry     *gate.RetryPolicy
	store     *checkpoint.Store
	scanner   *scanner.Scanner
	driver    *pipeline.Driver

	// Cleanup
	closers []func()
}

// newRuntime applies flags on top of cfg.
func newRuntime(cfg *config.Config, flags RunFlags, creds *credentials.Credentials) (*runtime, error) {
	if err := applyFlags(cfg, flags); err != nil {
		return nil, err
	}
	return &runtime{
		cfg:    cfg,
		flags:  flags,
		creds:  creds,
		runID:  uuid.New().String(),
		logger: newLogger(cfg),
	}, nil
}

// applyFlags overrides config values with CLI flags.
func applyFlags(cfg *config.Config, f RunFlags) error {
	if f.Parallel && f.NoParallel {
		return fmt.Errorf("--parallel and --no-parallel are mutually exclusive")
	}
	if f.Budget < 0 || f.StepBudget < 0 {
		return fmt.Errorf("budgets must not be negative")
	}
	if f.Budget > 0 {
		cfg.Pipeline.BudgetUSD = f.Budget
	}
	if f.StepBudget > 0 {
		cfg.Pipeline.StepBudgetUSD = f.StepBudget
	}
	if f.StepTimeout != "" {
		cfg.Pipeline.StepTimeout = f.StepTimeout
	}
	if f.Parallel {
		cfg.Pipeline.Parallel = true
	}
	if f.NoParallel {
		cfg.Pipeline.Parallel = false
	}
	if f.Model != "" {
		cfg.Pipeline.Model = f.Model
	}
	if f.Registry != "" {
		cfg.Pipeline.Registry = f.Registry
	}
	return cfg.Validate()
}

// newLogger creates the root logger. Logs go to stderr so that stdout
// carries only the report.
func newLogger(cfg *config.Config) *logging.Logger {
	l := logging.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logLevel(cfg.Logging.Level))
	return l
}

func logLevel(s string) logging.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logging.LevelDebug
	case "warn", "warning":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// loadRegistry reads the configured registry and applies run-wide limits.
func loadRegistry(cfg *config.Config) (*registry.Registry, error) {
	var (
		reg *registry.Registry
		err error
	)
	if cfg.Pipeline.Registry != "" {
		reg, err = registry.Load(cfg.Pipeline.Registry)
	} else {
		reg, err = registry.Default()
	}
	if err != nil {
		return nil, err
	}
	timeout, err := cfg.StepTimeout()
	if err != nil {
		return nil, err
	}
	return reg.WithLimits(cfg.Pipeline.StepBudgetUSD, timeout), nil
}

// platformFor returns the explicit platform or the one detected for project.
func platformFor(cfg *config.Config, projectID, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if projectID == "" {
		return ""
	}
	var r project.Resolver = project.NewFileResolver(cfg.Pipeline.ProjectsDir)
	return r.Platform(projectID)
}

// setup initializes all runtime components. Returns error on failure.
func (rt *runtime) setup(ctx context.Context) error {
	reg, err := loadRegistry(rt.cfg)
	if err != nil {
		return err
	}
	rt.registry = reg

	if err := rt.setupTracing(ctx); err != nil {
		return err
	}
	rt.setupEvents()
	rt.createExecutor()
	if err := rt.setupGate(); err != nil {
		return err
	}
	if err := rt.setupCheckpoints(); err != nil {
		return err
	}
	rt.scanner = scanner.New(scanner.Options{
		MaxFileBytes: rt.cfg.Security.MaxFileBytes,
		Logger:       rt.logger,
	})
	rt.createDriver()
	return nil
}

// setupTracing configures the OTLP exporter.
func (rt *runtime) setupTracing(ctx context.Context) error {
	t := rt.cfg.Telemetry
	provider, shutdown, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     t.Enabled,
		Endpoint:    t.Endpoint,
		Protocol:    t.Protocol,
		Insecure:    t.Insecure,
		Headers:     t.Headers,
		ServiceName: t.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("creating tracer: %w", err)
	}
	rt.tracer = tracing.New(provider)
	rt.addCloser(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			rt.logger.Warn("tracer_shutdown_failed", map[string]interface{}{"error": err.Error()})
		}
	})
	return nil
}

// setupEvents connects the progress publisher. A broker that cannot be
// reached disables events for the run.
func (rt *runtime) setupEvents() {
	rt.publisher = events.Noop{}
	if rt.cfg.Events.URL == "" {
		return
	}
	pub, err := events.Connect(rt.cfg.Events.URL, rt.cfg.Events.SubjectPrefix)
	if err != nil {
		rt.logger.Warn("events_disabled", map[string]interface{}{"url": rt.cfg.Events.URL, "error": err.Error()})
		return
	}
	rt.publisher = pub
	rt.addCloser(func() { pub.Close() })
}

// createExecutor wires the execution service into the step executor.
func (rt *runtime) createExecutor() {
	svc := service.New(rt.cfg.Service.Command, rt.cfg.Service.Args)
	svc.Env = rt.serviceEnv()
	svc.Dir = rt.cfg.Service.Workdir
	svc.SetLogger(rt.logger)

	rt.exec = executor.New(svc)
	rt.exec.SetModels(rt.cfg.Models)
	rt.exec.SetArtifacts(executor.FileArtifacts{Root: rt.cfg.Pipeline.ProjectsDir})
	rt.exec.SetLogger(rt.logger)
	progress := rt.logger.WithComponent("progress")
	rt.exec.OnEvent = func(key string, ev executor.Event) {
		if ev.Kind != executor.EventProgress || ev.Text == "" {
			return
		}
		progress.Debug("step_progress", map[string]interface{}{"step": key, "turns": ev.Turns, "text": ev.Text})
	}
}

// serviceEnv returns the pass-through variables plus the provider API key
// from the credentials file, if one is stored.
func (rt *runtime) serviceEnv() []string {
	env := rt.cfg.ServiceEnv()
	provider := rt.cfg.Service.Provider
	if rt.creds == nil || provider == "" {
		return env
	}
	name := config.DefaultAPIKeyEnv(provider)
	if name == "" {
		return env
	}
	if _, set := os.LookupEnv(name); set {
		return env
	}
	if key := rt.creds.GetAPIKey(provider); key != "" {
		env = append(env, name+"="+key)
	}
	return env
}

// setupGate creates the gate adapter with its audit trail and retry policy.
func (rt *runtime) setupGate() error {
	timeout, err := rt.cfg.GateTimeout()
	if err != nil {
		return err
	}
	cmd := &gate.Command{
		Path:    rt.cfg.Gate.Command,
		Args:    rt.cfg.Gate.Args,
		Timeout: timeout,
	}
	rt.gate = gate.NewAdapter(cmd, gate.NewAuditTrail(rt.cfg.AuditLogPath(rt.flags.Project)))
	rt.gate.SetRunID(rt.runID)
	rt.gate.SetLogger(rt.logger)

	rt.retry = gate.DefaultRetryPolicy()
	if len(rt.cfg.Gate.RetryRules) > 0 {
		if rt.retry, err = gate.NewRetryPolicy(rt.cfg.Gate.RetryRules); err != nil {
			return fmt.Errorf("invalid gate retry rules: %w", err)
		}
	}
	return nil
}

// setupCheckpoints opens the checkpoint store and honors --fresh.
func (rt *runtime) setupCheckpoints() error {
	store, err := checkpoint.NewStore(rt.cfg.Checkpoint.Dir)
	if err != nil {
		return fmt.Errorf("creating checkpoint store: %w", err)
	}
	rt.store = store
	if rt.flags.Fresh && !rt.flags.DryRun {
		if err := store.Delete(rt.flags.Project); err != nil {
			return fmt.Errorf("resetting checkpoint: %w", err)
		}
		rt.logger.Info("checkpoint_reset", map[string]interface{}{"project": rt.flags.Project})
	}
	return nil
}

// createDriver assembles the pipeline driver.
func (rt *runtime) createDriver() {
	d := pipeline.New(rt.registry, rt.exec)
	d.SetGate(rt.gate, rt.retry)
	d.SetStore(rt.store)
	d.SetScanner(rt.scanner)
	d.SetTracer(rt.tracer)
	d.SetEvents(rt.publisher)
	d.SetLogger(rt.logger)
	rt.driver = d
}

// buildPlan resolves the project platform and builds the plan.
func (rt *runtime) buildPlan(filter []string) (plan.Plan, error) {
	platform := platformFor(rt.cfg, rt.flags.Project, rt.flags.Platform)
	p, err := plan.Build(rt.registry, filter, platform)
	if err != nil {
		return plan.Plan{}, err
	}
	rt.logger.Info("plan", map[string]interface{}{"project": rt.flags.Project, "platform": platform, "plan": p.String()})
	return p, nil
}

// runConfig returns the driver options for this invocation.
func (rt *runtime) runConfig() pipeline.Config {
	corpus := rt.flags.Corpus
	if corpus == "" {
		corpus = rt.cfg.CorpusDir(rt.flags.Project)
	}
	return pipeline.Config{
		ProjectID:      rt.flags.Project,
		RunID:          rt.runID,
		BudgetUSD:      rt.cfg.Pipeline.BudgetUSD,
		Parallel:       rt.cfg.Pipeline.Parallel,
		DryRun:         rt.flags.DryRun,
		Resume:         rt.flags.Resume,
		OverrideReason: rt.flags.OverrideReason,
		Model:          rt.cfg.Pipeline.Model,
		Context:        rt.flags.Context,
		CorpusRoot:     corpus,
		Threshold:      rt.cfg.Security.Threshold,
	}
}

// run executes p and returns the report.
func (rt *runtime) run(ctx context.Context, p plan.Plan) *pipeline.Report {
	return rt.driver.Run(ctx, p, rt.runConfig())
}

// cleanup runs all registered cleanup functions.
func (rt *runtime) cleanup() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// addCloser registers a cleanup function.
func (rt *runtime) addCloser(fn func()) {
	rt.closers = append(rt.closers, fn)
}
