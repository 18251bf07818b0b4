// Package main is the entry point for the pipeline CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/vinayprograms/agentkit/credentials"

	"github.com/vinayprograms/pipeline/internal/checkpoint"
	"github.com/vinayprograms/pipeline/internal/config"
	"github.com/vinayprograms/pipeline/internal/pipeline"
	"github.com/vinayprograms/pipeline/internal/plan"
	"github.com/vinayprograms/pipeline/internal/report"
	"github.com/vinayprograms/pipeline/internal/scanner"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// Exit codes.
const (
	exitOK        = 0
	exitFailure   = 1
	exitGate      = 2
	exitInjection = 3
)

func main() {
	// Load .env for API keys and service variables
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("pipeline"),
		kong.Description("Staged agent pipeline orchestrator"),
		kong.UsageOnError(),
		kong.Vars(kongVars()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := dispatch(ctx, kctx.Command(), &cli, os.Stdout)
	stop()
	os.Exit(code)
}

// dispatch runs the selected command and returns the process exit code.
func dispatch(ctx context.Context, command string, cli *CLI, stdout io.Writer) int {
	name := strings.Fields(command)[0]
	if name == "version" {
		fmt.Fprintf(stdout, "pipeline version %s (commit: %s, built: %s)\n", version, commit, buildTime)
		return exitOK
	}

	cfg, err := config.Load(cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		return exitFailure
	}

	switch name {
	case "run":
		return runPipeline(ctx, cfg, cli.Run.RunFlags, cli.Run.Steps, stdout)
	case "step":
		return runPipeline(ctx, cfg, cli.Step.RunFlags, []string{cli.Step.ID}, stdout)
	case "plan":
		return showPlan(cfg, &cli.Plan, stdout)
	case "status":
		return showStatus(cfg, &cli.Status, stdout)
	case "scan":
		return runScan(cfg, &cli.Scan, stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		return exitFailure
	}
}

// exitCode maps a terminal state to the process exit code.
func exitCode(s pipeline.State) int {
	if !s.Terminal() {
		return exitFailure
	}
	switch s {
	case pipeline.StateCompleted:
		return exitOK
	case pipeline.StateGateBlocked:
		return exitGate
	case pipeline.StateStoppedOnInjection:
		return exitInjection
	default:
		return exitFailure
	}
}

// runPipeline builds the plan for flags and drives it.
func runPipeline(ctx context.Context, cfg *config.Config, flags RunFlags, filter []string, stdout io.Writer) int {
	// Priority: credentials.toml > env vars (handled by GetAPIKey)
	var creds *credentials.Credentials
	if c, _, err := credentials.Load(); err == nil {
		creds = c
	}

	rt, err := newRuntime(cfg, flags, creds)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFailure
	}
	defer rt.cleanup()

	if err := rt.setup(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFailure
	}

	p, err := rt.buildPlan(filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error building plan: %v\n", err)
		return exitFailure
	}

	rep := rt.run(ctx, p)
	if flags.JSON {
		if err := report.JSON(stdout, rep); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	} else {
		report.Render(stdout, rep)
	}
	return exitCode(rep.State)
}

// showPlan prints the plan without running anything.
func showPlan(cfg *config.Config, cmd *PlanCmd, stdout io.Writer) int {
	if cmd.Registry != "" {
		cfg.Pipeline.Registry = cmd.Registry
	}
	reg, err := loadRegistry(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFailure
	}
	p, err := plan.Build(reg, cmd.Steps, platformFor(cfg, cmd.Project, cmd.Platform))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error building plan: %v\n", err)
		return exitFailure
	}
	if cmd.JSON {
		stages := make([][]string, 0, len(p.Stages))
		for _, s := range p.Stages {
			stages = append(stages, s.Keys())
		}
		if err := report.JSON(stdout, stages); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return exitFailure
		}
		return exitOK
	}
	report.RenderPlan(stdout, p, reg)
	return exitOK
}

// showStatus prints one checkpoint, or lists the projects that have one.
func showStatus(cfg *config.Config, cmd *StatusCmd, stdout io.Writer) int {
	store, err := checkpoint.NewStore(cfg.Checkpoint.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFailure
	}

	if cmd.Project == "" {
		projects, err := store.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return exitFailure
		}
		if cmd.JSON {
			_ = report.JSON(stdout, projects)
			return exitOK
		}
		if len(projects) == 0 {
			fmt.Fprintln(stdout, "no checkpoints")
		}
		for _, p := range projects {
			fmt.Fprintln(stdout, p)
		}
		return exitOK
	}

	st, err := store.Load(cmd.Project)
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		fmt.Fprintf(os.Stderr, "no checkpoint for project %s\n", cmd.Project)
		return exitFailure
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFailure
	}
	if cmd.JSON {
		_ = report.JSON(stdout, st)
		return exitOK
	}
	report.RenderStatus(stdout, st)
	return exitOK
}

// runScan runs the pre-scan alone. Exit code 3 means a run would be blocked.
func runScan(cfg *config.Config, cmd *ScanCmd, stdout io.Writer) int {
	root := cmd.Path
	if root == "" {
		if cmd.Project == "" {
			fmt.Fprintln(os.Stderr, "error: a path or --project is required")
			return exitFailure
		}
		root = cfg.CorpusDir(cmd.Project)
	}
	threshold := cmd.Threshold
	if threshold <= 0 {
		threshold = cfg.Security.Threshold
	}

	s := scanner.New(scanner.Options{MaxFileBytes: cfg.Security.MaxFileBytes, Logger: newLogger(cfg)})
	warnings, err := s.Scan(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFailure
	}

	if cmd.JSON {
		_ = report.JSON(stdout, warnings)
	} else if len(warnings) > 0 {
		report.RenderWarnings(stdout, warnings)
	} else {
		fmt.Fprintf(stdout, "no injection patterns in %s\n", root)
	}
	if scanner.Blocks(warnings, threshold) {
		return exitInjection
	}
	return exitOK
}
