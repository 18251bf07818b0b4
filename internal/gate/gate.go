// Package gate runs the external validation gate and records overrides.
package gate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/vinayprograms/agentkit/logging"
)

// Gate result codes.
const (
	CodePass     = 0
	CodeCritical = 1
	CodeWarning  = 2
)

// ErrOverrideFailed is returned when the gate, re-run in override mode, does
// not pass.
var ErrOverrideFailed = errors.New("gate override did not pass")

// Gate evaluates a project. In override mode a warning-level result is
// accepted and the gate must report CodePass.
type Gate interface {
	Run(ctx context.Context, projectID string, override bool) (code int, report string, err error)
}

// Command runs the gate as a subprocess. The exit code is the gate code and
// combined output is the report.
type Command struct {
	Path    string
	Args    []string // may contain {project}
	Dir     string
	Timeout time.Duration
}

// Run implements Gate.
func (c *Command) Run(ctx context.Context, projectID string, override bool) (int, string, error) {
	if c.Path == "" {
		return 0, "", errors.New("gate command is not configured")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	args := make([]string, 0, len(c.Args)+1)
	for _, a := range c.Args {
		args = append(args, strings.ReplaceAll(a, "{project}", projectID))
	}
	if override {
		args = append(args, "--override")
	}

	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), "PIPELINE_PROJECT="+projectID)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	report := strings.TrimSpace(out.String())
	if err == nil {
		return CodePass, report, nil
	}
	if ctx.Err() != nil {
		return 0, report, fmt.Errorf("gate interrupted: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		switch code := exitErr.ExitCode(); code {
		case CodeCritical, CodeWarning:
			return code, report, nil
		default:
			return 0, report, fmt.Errorf("gate exited with unexpected code %d", code)
		}
	}
	return 0, report, fmt.Errorf("failed to run gate: %w", err)
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Code       int    `json:"code"`
	Report     string `json:"report,omitempty"`
	Overridden bool   `json:"overridden"`
	Reason     string `json:"reason,omitempty"`
	AuditID    string `json:"audit_id,omitempty"`
}

// Blocks reports whether the pipeline must stop.
func (d Decision) Blocks() bool {
	switch d.Code {
	case CodePass:
		return false
	case CodeWarning:
		return !d.Overridden
	default:
		return true
	}
}

// Adapter combines a gate with the override audit trail.
type Adapter struct {
	gate   Gate
	audit  *AuditTrail
	logger *logging.Logger
	runID  string
}

// NewAdapter creates an adapter. audit may be nil when overrides are never
// expected; an override without an audit trail is refused.
func NewAdapter(g Gate, audit *AuditTrail) *Adapter {
	return &Adapter{
		gate:   g,
		audit:  audit,
		logger: logging.New().WithComponent("gate"),
	}
}

// SetRunID tags audit entries with the current run.
func (a *Adapter) SetRunID(id string) {
	a.runID = id
}

// SetLogger replaces the component logger.
func (a *Adapter) SetLogger(l *logging.Logger) {
	a.logger = l.WithComponent("gate")
}

// Evaluate runs the gate. A warning with a non-empty overrideReason is
// re-run in override mode and written to the audit trail; critical results
// are never overridden.
func (a *Adapter) Evaluate(ctx context.Context, projectID, overrideReason string) (Decision, error) {
	code, report, err := a.gate.Run(ctx, projectID, false)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Code: code, Report: report}
	a.logger.Info("gate_evaluated", map[string]interface{}{"project": projectID, "code": code})

	overrideReason = strings.TrimSpace(overrideReason)
	if code != CodeWarning || overrideReason == "" {
		return d, nil
	}
	if a.audit == nil {
		return d, errors.New("override requested but no audit trail is configured")
	}

	ocode, oreport, err := a.gate.Run(ctx, projectID, true)
	if err != nil {
		return d, fmt.Errorf("override run failed: %w", err)
	}
	if ocode != CodePass {
		return d, fmt.Errorf("%w: code %d: %s", ErrOverrideFailed, ocode, oreport)
	}

	entry, err := a.audit.Append(Entry{
		RunID:   a.runID,
		Project: projectID,
		Reason:  overrideReason,
		Warning: report,
	})
	if err != nil {
		return d, err
	}
	a.logger.Warn("gate_overridden", map[string]interface{}{"project": projectID, "reason": overrideReason, "audit_id": entry.ID, "audit_log": a.audit.Path()})

	d.Overridden = true
	d.Reason = overrideReason
	d.AuditID = entry.ID
	return d, nil
}
