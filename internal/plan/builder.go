package plan

import (
	"fmt"
	"strings"

	"github.com/vinayprograms/pipeline/internal/registry"
)

// Build assembles the plan from the registry topology.
//
// filter, when non-empty, keeps only the listed step ids; stages emptied by the
// filter are dropped and the gate survives only if a gated step does.
// platform selects the conditional rules to apply; an empty platform applies
// none. An injected step is subject to the filter like any other step.
func Build(reg *registry.Registry, filter []string, platform string) (Plan, error) {
	stages, err := parseTopology(reg)
	if err != nil {
		return Plan{}, err
	}

	keep, err := filterSet(reg, filter)
	if err != nil {
		return Plan{}, err
	}
	if keep != nil {
		stages = applyFilter(reg, stages, keep)
	}

	stages = inject(reg, stages, keep, platform)

	for i := range stages {
		stages[i].Position = i + 1
	}
	return Plan{Stages: stages}, nil
}

func parseTopology(reg *registry.Registry) ([]Stage, error) {
	seen := make(map[string]bool)
	stages := make([]Stage, 0, len(reg.Topology))
	for i, raw := range reg.Topology {
		field := fmt.Sprintf("topology[%d]", i)
		if len(raw) == 0 {
			return nil, &registry.ConfigurationError{Field: field, Reason: "stage is empty"}
		}
		stage := Stage{Members: make([]StepRef, 0, len(raw))}
		for _, member := range raw {
			ref, err := ParseRef(member)
			if err != nil {
				return nil, &registry.ConfigurationError{Field: field, Reason: err.Error()}
			}
			if !ref.IsGate() && !reg.Has(ref.ID) {
				return nil, &registry.ConfigurationError{Field: field, Reason: fmt.Sprintf("unknown step %q", ref.ID)}
			}
			if seen[ref.Key()] {
				return nil, &registry.ConfigurationError{Field: field, Reason: fmt.Sprintf("%q appears more than once", ref.Key())}
			}
			seen[ref.Key()] = true
			stage.Members = append(stage.Members, ref)
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

func filterSet(reg *registry.Registry, filter []string) (map[string]bool, error) {
	var keep map[string]bool
	for _, id := range filter {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if !reg.Has(id) {
			return nil, &registry.ConfigurationError{Field: "steps", Reason: fmt.Sprintf("unknown step %q in selection", id)}
		}
		if keep == nil {
			keep = make(map[string]bool)
		}
		keep[id] = true
	}
	return keep, nil
}

func applyFilter(reg *registry.Registry, stages []Stage, keep map[string]bool) []Stage {
	gatedKept := false
	for id := range keep {
		if def, _ := reg.Step(id); def.Gated {
			gatedKept = true
			break
		}
	}

	out := make([]Stage, 0, len(stages))
	for _, s := range stages {
		var members []StepRef
		for _, m := range s.Members {
			switch {
			case m.IsGate():
				if gatedKept {
					members = append(members, m)
				}
			case keep[m.ID]:
				members = append(members, m)
			}
		}
		if len(members) > 0 {
			out = append(out, Stage{Members: members})
		}
	}
	return out
}

// inject applies conditional rules in registry order. Each rule fires at most
// once; rules sharing an anchor are inserted one after another.
func inject(reg *registry.Registry, stages []Stage, keep map[string]bool, platform string) []Stage {
	platform = strings.ToLower(strings.TrimSpace(platform))
	if platform == "" {
		return stages
	}

	present := make(map[string]bool)
	for _, s := range stages {
		for _, m := range s.Members {
			present[m.Key()] = true
		}
	}

	lastInsert := make(map[string]int) // anchor -> index of the last stage inserted after it
	for _, rule := range reg.Rules {
		if strings.ToLower(rule.Platform) != platform {
			continue
		}
		if present[rule.Step] {
			continue
		}
		if keep != nil && !keep[rule.Step] {
			continue
		}
		at, ok := lastInsert[rule.Anchor]
		if !ok {
			at = indexOf(stages, rule.Anchor)
			if at < 0 {
				continue
			}
		}
		stage := Stage{Members: []StepRef{Regular(rule.Step)}, Injected: true}
		stages = append(stages[:at+1], append([]Stage{stage}, stages[at+1:]...)...)
		present[rule.Step] = true
		shiftAfter(lastInsert, at)
		lastInsert[rule.Anchor] = at + 1
	}
	return stages
}

// shiftAfter keeps recorded insert positions valid after a stage is inserted at at+1.
func shiftAfter(positions map[string]int, at int) {
	for k, v := range positions {
		if v > at {
			positions[k] = v + 1
		}
	}
}

func indexOf(stages []Stage, id string) int {
	for i, s := range stages {
		for _, m := range s.Members {
			if m.Kind == KindRegular && m.ID == id {
				return i
			}
		}
	}
	return -1
}
