// Package registry provides the static step registry: step definitions,
// the default stage topology and platform-conditional injection rules.
package registry

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultRegistry []byte

// Topology sentinels. Stage members are either step ids or one of these markers.
const (
	GateSentinel      = "validation-gate"
	ModeVariantPrefix = "mode-variant:"
)

// StepDefinition describes one schedulable step. Immutable after Load.
type StepDefinition struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name"`
	Tier        string        `yaml:"tier"`             // heavy, standard, light
	CostCeiling float64       `yaml:"cost_ceiling_usd"` // 0 = unlimited
	MaxTurns    int           `yaml:"max_turns"`        // 0 = unlimited
	TimeoutRaw  string        `yaml:"timeout"`
	Command     string        `yaml:"command"`
	Gated       bool          `yaml:"gated"` // guarded by the validation gate
	Timeout     time.Duration `yaml:"-"`
}

// ConditionalRule splices Step into the plan right after the stage holding
// Anchor when the project's platform matches Platform.
type ConditionalRule struct {
	Platform string `yaml:"platform"`
	Step     string `yaml:"step"`
	Anchor   string `yaml:"anchor"`
}

// Registry holds all step definitions plus the default topology.
type Registry struct {
	Steps    []StepDefinition  `yaml:"steps"`
	Topology [][]string        `yaml:"topology"`
	Rules    []ConditionalRule `yaml:"rules"`

	byID map[string]int
}

// Default returns the embedded default registry.
func Default() (*Registry, error) {
	return Parse(defaultRegistry)
}

// Load reads a registry from a YAML file. An empty path loads the default.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a registry document.
func Parse(data []byte) (*Registry, error) {
	var r Registry
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, &ConfigurationError{Field: "registry", Reason: err.Error()}
	}
	if err := r.index(); err != nil {
		return nil, err
	}
	return &r, nil
}

// New builds a registry from already-constructed parts. Used by callers that
// assemble definitions in code (tests, single-step tooling).
func New(steps []StepDefinition, topology [][]string, rules []ConditionalRule) (*Registry, error) {
	r := &Registry{
		Steps:    append([]StepDefinition(nil), steps...),
		Topology: topology,
		Rules:    rules,
	}
	if err := r.index(); err != nil {
		return nil, err
	}
	return r, nil
}

// index validates the registry and builds the id lookup.
func (r *Registry) index() error {
	r.byID = make(map[string]int, len(r.Steps))
	for i := range r.Steps {
		s := &r.Steps[i]
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" {
			return &ConfigurationError{Field: fmt.Sprintf("steps[%d].id", i), Reason: "step id is required"}
		}
		if s.ID == GateSentinel || strings.HasPrefix(s.ID, ModeVariantPrefix) || strings.Contains(s.ID, ":") {
			return &ConfigurationError{Field: "steps." + s.ID, Reason: "step id collides with a reserved marker"}
		}
		if _, dup := r.byID[s.ID]; dup {
			return &ConfigurationError{Field: "steps." + s.ID, Reason: "duplicate step id"}
		}
		if s.TimeoutRaw != "" {
			d, err := time.ParseDuration(s.TimeoutRaw)
			if err != nil || d < 0 {
				return &ConfigurationError{Field: "steps." + s.ID + ".timeout", Reason: fmt.Sprintf("invalid duration %q", s.TimeoutRaw)}
			}
			s.Timeout = d
		}
		if s.CostCeiling < 0 || s.MaxTurns < 0 {
			return &ConfigurationError{Field: "steps." + s.ID, Reason: "limits must not be negative"}
		}
		if s.Command == "" {
			s.Command = s.ID
		}
		r.byID[s.ID] = i
	}

	for i, stage := range r.Topology {
		if len(stage) == 0 {
			return &ConfigurationError{Field: fmt.Sprintf("topology[%d]", i), Reason: "stage is empty"}
		}
	}

	for i, rule := range r.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		if strings.TrimSpace(rule.Platform) == "" {
			return &ConfigurationError{Field: field + ".platform", Reason: "platform is required"}
		}
		if _, ok := r.byID[rule.Step]; !ok {
			return &ConfigurationError{Field: field + ".step", Reason: fmt.Sprintf("unknown step %q", rule.Step)}
		}
		if _, ok := r.byID[rule.Anchor]; !ok {
			return &ConfigurationError{Field: field + ".anchor", Reason: fmt.Sprintf("unknown step %q", rule.Anchor)}
		}
	}
	return nil
}

// Step returns the definition for id.
func (r *Registry) Step(id string) (StepDefinition, bool) {
	i, ok := r.byID[id]
	if !ok {
		return StepDefinition{}, false
	}
	return r.Steps[i], true
}

// Has reports whether id is a known step.
func (r *Registry) Has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// IDs returns all step ids sorted numerically where possible.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.Steps))
	for _, s := range r.Steps {
		ids = append(ids, s.ID)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return ids[i] < ids[j]
	})
	return ids
}

// WithLimits returns a copy whose steps use the given per-step cost ceiling
// and timeout. Zero values keep the registry's own limits.
func (r *Registry) WithLimits(costCeiling float64, timeout time.Duration) *Registry {
	out := &Registry{
		Steps:    append([]StepDefinition(nil), r.Steps...),
		Topology: r.Topology,
		Rules:    r.Rules,
		byID:     r.byID,
	}
	for i := range out.Steps {
		if costCeiling > 0 {
			out.Steps[i].CostCeiling = costCeiling
		}
		if timeout > 0 {
			out.Steps[i].Timeout = timeout
			out.Steps[i].TimeoutRaw = timeout.String()
		}
	}
	return out
}
