package main

import (
	"testing"

	"github.com/alecthomas/kong"
)

func TestRunCmd_Flags(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Vars(kongVars()))
	if err != nil {
		t.Fatal(err)
	}

	ctx, err := parser.Parse([]string{
		"run", "--project", "acme",
		"--steps", "1,2,5",
		"--dry-run", "--resume",
		"--override-reason", "approved by QA",
		"--budget", "30", "--step-budget", "4.5",
		"--step-timeout", "20m",
		"--no-parallel",
		"--model", "sonnet",
		"--corpus", "docs",
		"--json",
	})
	if err != nil {
		t.Fatal(err)
	}
	if ctx.Command() != "run" {
		t.Errorf("expected run command, got %q", ctx.Command())
	}

	f := cli.Run.RunFlags
	if f.Project != "acme" || !f.DryRun || !f.Resume || !f.NoParallel || !f.JSON {
		t.Errorf("unexpected flags: %+v", f)
	}
	if len(cli.Run.Steps) != 3 || cli.Run.Steps[2] != "5" {
		t.Errorf("expected comma-separated steps, got %v", cli.Run.Steps)
	}
	if f.OverrideReason != "approved by QA" || f.Model != "sonnet" || f.Corpus != "docs" {
		t.Errorf("unexpected string flags: %+v", f)
	}
	if f.Budget != 30 || f.StepBudget != 4.5 || f.StepTimeout != "20m" {
		t.Errorf("unexpected limits: %+v", f)
	}
}

func TestRunCmd_ProjectRequired(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Vars(kongVars()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := parser.Parse([]string{"run"}); err == nil {
		t.Error("expected error without --project")
	}
}

func TestStepCmd(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Vars(kongVars()))
	if err != nil {
		t.Fatal(err)
	}

	ctx, err := parser.Parse([]string{"step", "5", "-p", "acme", "--fresh"})
	if err != nil {
		t.Fatal(err)
	}
	if ctx.Command() != "step <id>" {
		t.Errorf("unexpected command %q", ctx.Command())
	}
	if cli.Step.ID != "5" || cli.Step.Project != "acme" || !cli.Step.Fresh {
		t.Errorf("unexpected step flags: %+v", cli.Step)
	}
}

func TestPlanStatusScanCmds(t *testing.T) {
	tests := []struct {
		args  []string
		check func(t *testing.T, cli *CLI)
	}{
		{
			args: []string{"plan", "--platform", "go", "--steps", "5,9"},
			check: func(t *testing.T, cli *CLI) {
				if cli.Plan.Platform != "go" || len(cli.Plan.Steps) != 2 {
					t.Errorf("unexpected plan flags: %+v", cli.Plan)
				}
			},
		},
		{
			args: []string{"status", "acme", "--json"},
			check: func(t *testing.T, cli *CLI) {
				if cli.Status.Project != "acme" || !cli.Status.JSON {
					t.Errorf("unexpected status flags: %+v", cli.Status)
				}
			},
		},
		{
			args: []string{"scan", "input", "--threshold", "5"},
			check: func(t *testing.T, cli *CLI) {
				if cli.Scan.Path != "input" || cli.Scan.Threshold != 5 {
					t.Errorf("unexpected scan flags: %+v", cli.Scan)
				}
			},
		},
		{
			args: []string{"--config", "custom.toml", "version"},
			check: func(t *testing.T, cli *CLI) {
				if cli.Config != "custom.toml" {
					t.Errorf("expected config path, got %q", cli.Config)
				}
			},
		},
	}
	for _, tt := range tests {
		var cli CLI
		parser, err := kong.New(&cli, kong.Vars(kongVars()))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := parser.Parse(tt.args); err != nil {
			t.Fatalf("%v: %v", tt.args, err)
		}
		tt.check(t, &cli)
	}
}
