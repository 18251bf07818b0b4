package registry

import "fmt"

// ConfigurationError reports a malformed registry, topology, rule or
// selection filter. It is always fatal and raised before any step runs.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}
