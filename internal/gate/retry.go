package gate

import (
	"fmt"
	"regexp"
	"sort"
)

// RetryRule attributes a gate failure to a missing output of Step when the
// report matches Pattern.
type RetryRule struct {
	Pattern *regexp.Regexp
	Step    string
}

// RetryPolicy decides which upstream step, if any, to rerun once before
// re-evaluating the gate. Rules are tried in order.
type RetryPolicy struct {
	Rules []RetryRule
}

// DefaultRetryPolicy attributes a missing coverage artifact to the coverage step.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{Rules: []RetryRule{{
		Pattern: regexp.MustCompile(`(?i)coverage[^\n]*(missing|not found|absent|no such file)`),
		Step:    "6",
	}}}
}

// NewRetryPolicy compiles pattern → step pairs. Keys are applied in sorted
// order so a map-based config yields a stable policy.
func NewRetryPolicy(rules map[string]string) (*RetryPolicy, error) {
	patterns := make([]string, 0, len(rules))
	for p := range rules {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)

	policy := &RetryPolicy{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid retry pattern %q: %w", p, err)
		}
		policy.Rules = append(policy.Rules, RetryRule{Pattern: re, Step: rules[p]})
	}
	return policy, nil
}

// Attribute returns the step to retry for a blocking decision, or "".
func (p *RetryPolicy) Attribute(d Decision) string {
	if p == nil || !d.Blocks() {
		return ""
	}
	for _, r := range p.Rules {
		if r.Pattern.MatchString(d.Report) {
			return r.Step
		}
	}
	return ""
}
