package closureimager

import "fmt"

// ConfigurationError aborts a run before any optimizer call.
type ConfigurationError struct {
	Stage  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("configuration error in %s: %s", e.Stage, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErr(stage, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Stage: stage, Reason: fmt.Sprintf(format, args...)}
}

// WarningKind classifies recovered conditions.
type WarningKind string

const (
	DataQuality             WarningKind = "data_quality"
	CatalogMiss             WarningKind = "catalog_miss"
	UnresolvedName          WarningKind = "unresolved_name"
	OptimizerNonConvergence WarningKind = "optimizer_nonconvergence"
	EmptyClosureSet         WarningKind = "empty_closure_set"
)

// Warning is a non-fatal condition reported alongside the run's output.
type Warning struct {
	Kind    WarningKind `yaml:"kind"`
	Message string      `yaml:"message"`
	Detail  string      `yaml:"detail,omitempty"`
}

func (w Warning) String() string {
	if w.Detail == "" {
		return fmt.Sprintf("[%s] %s", w.Kind, w.Message)
	}
	return fmt.Sprintf("[%s] %s (%s)", w.Kind, w.Message, w.Detail)
}
