// Package report renders run reports, plans and checkpoints for the terminal.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/vinayprograms/pipeline/internal/checkpoint"
	"github.com/vinayprograms/pipeline/internal/executor"
	"github.com/vinayprograms/pipeline/internal/gate"
	"github.com/vinayprograms/pipeline/internal/pipeline"
	"github.com/vinayprograms/pipeline/internal/plan"
	"github.com/vinayprograms/pipeline/internal/registry"
	"github.com/vinayprograms/pipeline/internal/scanner"
)

// Width is the wrap width for free text.
const Width = 80

var (
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Gray

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")) // Green

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")) // Red

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11")) // Yellow

	gateStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("14")) // Cyan

	divider = lipgloss.NewStyle().
		Foreground(lipgloss.Color("8")).
		Render(strings.Repeat("━", 60))
)

// JSON writes v as indented JSON.
func JSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Render writes a human-readable run report.
func Render(w io.Writer, rep *pipeline.Report) {
	fmt.Fprintln(w, divider)
	title := fmt.Sprintf("Pipeline %s", rep.ProjectID)
	if rep.DryRun {
		title += " (dry run)"
	}
	fmt.Fprintln(w, titleStyle.Render(title))
	fmt.Fprintln(w, divider)

	field(w, "Run", rep.RunID)
	field(w, "Plan", rep.Plan)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("State:"), stateStyle(rep.State).Render(string(rep.State)))
	if rep.StoppedAt != "" {
		field(w, "Stopped at", rep.StoppedAt)
	}
	field(w, "Cost", fmt.Sprintf("$%.2f (this run $%.2f)", rep.TotalCostUSD, rep.RunCostUSD))
	field(w, "Duration", formatDuration(rep.DurationMs))
	fmt.Fprintln(w)

	if len(rep.Results) > 0 {
		fmt.Fprintln(w, titleStyle.Render("Steps:"))
		for _, r := range rep.Results {
			line := fmt.Sprintf("  %-18s %-20s $%7.2f %4d turns %8s",
				r.Key, string(r.Status), r.CostUSD, r.Turns, formatDuration(r.Duration.Milliseconds()))
			if r.Attempt > 1 {
				line += fmt.Sprintf("  attempt %d", r.Attempt)
			}
			fmt.Fprintln(w, statusStyle(r.Status).Render(line))
			if r.Error != "" {
				fmt.Fprintln(w, indent(dimStyle.Render(wordwrap.String(r.Error, Width-6)), "      "))
			}
		}
		fmt.Fprintln(w)
	}

	if rep.Gate != nil {
		renderGate(w, rep)
	}

	if len(rep.Warnings) > 0 {
		RenderWarnings(w, rep.Warnings)
	}

	if rep.Error != "" {
		fmt.Fprintln(w, errorStyle.Render("Error:"))
		fmt.Fprintln(w, indent(wordwrap.String(rep.Error, Width-2), "  "))
		fmt.Fprintln(w)
	}
	for _, e := range rep.CheckpointErrors {
		fmt.Fprintln(w, warnStyle.Render("checkpoint: "+e))
	}
}

func renderGate(w io.Writer, rep *pipeline.Report) {
	g := rep.Gate
	verdict := "pass"
	switch {
	case g.Code == gate.CodeCritical:
		verdict = "critical"
	case g.Code == gate.CodeWarning && g.Overridden:
		verdict = "warnings overridden"
	case g.Code == gate.CodeWarning:
		verdict = "warnings"
	}
	fmt.Fprintf(w, "%s %s\n", gateStyle.Render("Validation gate:"), valueStyle.Render(fmt.Sprintf("%s (exit %d)", verdict, g.Code)))
	if g.Overridden {
		field(w, "  Reason", g.Reason)
		field(w, "  Audit", g.AuditID)
	}
	if g.Report != "" {
		fmt.Fprintln(w, indent(dimStyle.Render(wordwrap.String(strings.TrimSpace(g.Report), Width-4)), "    "))
	}
	fmt.Fprintln(w)
}

// RenderWarnings lists pre-scan findings.
func RenderWarnings(w io.Writer, warnings []scanner.Warning) {
	fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("Injection patterns (%d):", len(warnings))))
	for _, wr := range warnings {
		fmt.Fprintf(w, "  %s %s\n",
			labelStyle.Render(fmt.Sprintf("%s:%d", wr.File, wr.Line)),
			warnStyle.Render(string(wr.Class)))
		if wr.Snippet != "" {
			fmt.Fprintln(w, indent(dimStyle.Render(wordwrap.String(wr.Snippet, Width-6)), "      "))
		}
	}
	fmt.Fprintln(w)
}

// RenderPlan writes the stages of p with step names from reg.
func RenderPlan(w io.Writer, p plan.Plan, reg *registry.Registry) {
	fmt.Fprintln(w, titleStyle.Render("Plan: "+p.String()))
	for _, s := range p.Stages {
		fmt.Fprintf(w, "%s\n", labelStyle.Render(fmt.Sprintf("Stage %d", s.Position)))
		for _, m := range s.Members {
			switch {
			case m.IsGate():
				fmt.Fprintf(w, "  %s\n", gateStyle.Render(m.Key()))
			default:
				name := ""
				if def, ok := reg.Step(m.ID); ok {
					name = def.Name
				}
				line := fmt.Sprintf("  %-18s %s", m.Key(), name)
				if s.Injected {
					line += dimStyle.Render("  (platform rule)")
				}
				fmt.Fprintln(w, valueStyle.Render(line))
			}
		}
	}
}

// RenderStatus writes a checkpoint summary.
func RenderStatus(w io.Writer, st *checkpoint.RunState) {
	fmt.Fprintln(w, titleStyle.Render("Checkpoint "+st.ProjectID))
	field(w, "Run", st.RunID)
	field(w, "Updated", st.UpdatedAt.Format("2006-01-02 15:04:05"))
	field(w, "Completed", strings.Join(st.CompletedSteps, ", "))
	if len(st.FailedSteps) > 0 {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Failed:"), errorStyle.Render(strings.Join(st.FailedSteps, ", ")))
	}
	field(w, "Cost", fmt.Sprintf("$%.2f", st.TotalCostUSD))
	if st.SupersededUSD > 0 {
		field(w, "Superseded", fmt.Sprintf("$%.2f", st.SupersededUSD))
	}
}

func field(w io.Writer, label, value string) {
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render(label+":"), valueStyle.Render(value))
}

func stateStyle(s pipeline.State) lipgloss.Style {
	switch s {
	case pipeline.StateCompleted:
		return successStyle
	case pipeline.StateGateBlocked, pipeline.StateStoppedOnBudget:
		return warnStyle
	default:
		return errorStyle
	}
}

func statusStyle(s executor.Status) lipgloss.Style {
	switch s {
	case executor.StatusCompleted:
		return successStyle
	case executor.StatusPartial, executor.StatusDryRun:
		return warnStyle
	default:
		return errorStyle
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

func formatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	if ms < 60000 {
		return fmt.Sprintf("%.2fs", float64(ms)/1000)
	}
	mins := ms / 60000
	secs := (ms % 60000) / 1000
	return fmt.Sprintf("%dm%ds", mins, secs)
}
