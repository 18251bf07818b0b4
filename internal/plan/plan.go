// Package plan builds the ordered stage list for a pipeline run.
package plan

import (
	"fmt"
	"strings"

	"github.com/vinayprograms/pipeline/internal/registry"
)

// Kind discriminates stage members.
type Kind int

const (
	KindRegular Kind = iota
	KindGate
	KindModeVariant
)

// DefaultMode is used for mode-variant markers that omit a mode.
const DefaultMode = "variant"

// StepRef is a stage member: a regular step, the validation gate, or a step
// run in an alternate mode.
type StepRef struct {
	Kind Kind
	ID   string
	Mode string
}

// Regular references a plain step.
func Regular(id string) StepRef { return StepRef{Kind: KindRegular, ID: id} }

// Gate references the validation gate.
func Gate() StepRef { return StepRef{Kind: KindGate} }

// ModeVariant references step id executed in the given mode.
func ModeVariant(id, mode string) StepRef {
	if mode == "" {
		mode = DefaultMode
	}
	return StepRef{Kind: KindModeVariant, ID: id, Mode: mode}
}

// ParseRef converts a topology member into a StepRef.
// Accepted forms: "<id>", "validation-gate", "mode-variant:<id>", "mode-variant:<id>:<mode>".
func ParseRef(s string) (StepRef, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return StepRef{}, fmt.Errorf("empty stage member")
	case s == registry.GateSentinel:
		return Gate(), nil
	case strings.HasPrefix(s, registry.ModeVariantPrefix):
		rest := strings.TrimPrefix(s, registry.ModeVariantPrefix)
		id, mode, _ := strings.Cut(rest, ":")
		if id == "" {
			return StepRef{}, fmt.Errorf("mode variant %q has no step id", s)
		}
		return ModeVariant(id, mode), nil
	default:
		return Regular(s), nil
	}
}

// Key identifies the member inside a plan and in run state. Regular steps use
// their id, mode variants use "<id>:<mode>".
func (r StepRef) Key() string {
	switch r.Kind {
	case KindGate:
		return registry.GateSentinel
	case KindModeVariant:
		return r.ID + ":" + r.Mode
	default:
		return r.ID
	}
}

// IsGate reports whether the member is the validation gate.
func (r StepRef) IsGate() bool { return r.Kind == KindGate }

func (r StepRef) String() string { return r.Key() }

// Stage is a non-empty set of members that may run concurrently.
type Stage struct {
	Position int
	Members  []StepRef
	Injected bool // added by a conditional rule
}

// IsGate reports whether the stage holds the validation gate.
func (s Stage) IsGate() bool {
	for _, m := range s.Members {
		if m.IsGate() {
			return true
		}
	}
	return false
}

// Keys returns the member keys in order.
func (s Stage) Keys() []string {
	keys := make([]string, len(s.Members))
	for i, m := range s.Members {
		keys[i] = m.Key()
	}
	return keys
}

// Plan is the ordered stage sequence of one run.
type Plan struct {
	Stages []Stage
}

// Keys returns every member key in execution order.
func (p Plan) Keys() []string {
	var keys []string
	for _, s := range p.Stages {
		keys = append(keys, s.Keys()...)
	}
	return keys
}

// Steps returns every non-gate member in execution order.
func (p Plan) Steps() []StepRef {
	var refs []StepRef
	for _, s := range p.Stages {
		for _, m := range s.Members {
			if !m.IsGate() {
				refs = append(refs, m)
			}
		}
	}
	return refs
}

// Contains reports whether key is a member of any stage.
func (p Plan) Contains(key string) bool {
	for _, s := range p.Stages {
		for _, m := range s.Members {
			if m.Key() == key {
				return true
			}
		}
	}
	return false
}

// Without returns a plan with the completed keys removed. Stages that end up
// empty are dropped; the gate stage is kept because it is never "completed".
func (p Plan) Without(completed map[string]bool) Plan {
	if len(completed) == 0 {
		return p
	}
	out := Plan{Stages: make([]Stage, 0, len(p.Stages))}
	for _, s := range p.Stages {
		var members []StepRef
		for _, m := range s.Members {
			if completed[m.Key()] {
				continue
			}
			members = append(members, m)
		}
		if len(members) == 0 {
			continue
		}
		out.Stages = append(out.Stages, Stage{Position: s.Position, Members: members, Injected: s.Injected})
	}
	return out
}

// String renders the plan as nested lists, e.g. [[1],[2],[3,4]].
func (p Plan) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, s := range p.Stages {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('[')
		b.WriteString(strings.Join(s.Keys(), ","))
		b.WriteByte(']')
	}
	b.WriteByte(']')
	return b.String()
}
