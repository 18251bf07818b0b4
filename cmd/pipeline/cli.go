// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Config string `help:"Config file path (default: ./pipeline.toml if present)"`

	Run     RunCmd     `cmd:"" help:"Run the full pipeline for a project"`
	Step    StepCmd    `cmd:"" help:"Run a single step"`
	Plan    PlanCmd    `cmd:"" help:"Print the execution plan"`
	Status  StatusCmd  `cmd:"" help:"Show the checkpoint of a project"`
	Scan    ScanCmd    `cmd:"" help:"Scan the input corpus for prompt injection"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// RunFlags are shared by run and step.
type RunFlags struct {
	Project        string  `short:"p" required:"" help:"Project id"`
	Platform       string  `help:"Target platform (default: detected from the project)"`
	DryRun         bool    `help:"Plan and report without invoking steps"`
	Resume         bool    `help:"Skip steps completed in the last checkpoint"`
	Fresh          bool    `help:"Delete the checkpoint before running"`
	OverrideReason string  `help:"Proceed past gate warnings, recording this reason"`
	Model          string  `help:"Force one model for every step"`
	Budget         float64 `help:"Global budget in USD (0 = config)"`
	StepBudget     float64 `help:"Per-step cost ceiling in USD (0 = registry)"`
	StepTimeout    string  `help:"Per-step timeout, e.g. 30m (empty = registry)"`
	Parallel       bool    `help:"Run stage members concurrently (overrides config)"`
	NoParallel     bool    `help:"Run stage members one at a time (overrides config)"`
	Corpus         string  `help:"Directory to pre-scan (default: <projects_dir>/<project>/input)"`
	Context        string  `help:"Extra context passed to every step"`
	Registry       string  `help:"Step registry YAML (default: embedded)"`
	JSON           bool    `help:"Print the report as JSON"`
}

// RunCmd runs the pipeline.
type RunCmd struct {
	RunFlags `embed:""`

	Steps []string `help:"Comma-separated step ids to run (default: all)"`
}

// StepCmd runs one step through the same driver.
type StepCmd struct {
	ID string `arg:"" help:"Step id"`

	RunFlags `embed:""`
}

// PlanCmd prints the plan without running it.
type PlanCmd struct {
	Project  string   `short:"p" help:"Project id (used for platform detection)"`
	Platform string   `help:"Target platform (overrides detection)"`
	Steps    []string `help:"Comma-separated step ids"`
	Registry string   `help:"Step registry YAML (default: embedded)"`
	JSON     bool     `help:"Print the plan keys as JSON"`
}

// StatusCmd prints a checkpoint.
type StatusCmd struct {
	Project string `arg:"" optional:"" help:"Project id (default: list all checkpoints)"`
	JSON    bool   `help:"Print the checkpoint as JSON"`
}

// ScanCmd runs the security pre-scan alone.
type ScanCmd struct {
	Path      string `arg:"" optional:"" help:"Directory to scan"`
	Project   string `short:"p" help:"Scan <projects_dir>/<project>/input"`
	Threshold int    `help:"Warnings that block a run (0 = config)"`
	JSON      bool   `help:"Print warnings as JSON"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
