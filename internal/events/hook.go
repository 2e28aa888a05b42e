package events

import "context"

// Hook represents a handler invoked when a lifecycle event occurs.
type Hook interface {
	Execute(ctx context.Context, event Event) error
	Type() string
	ID() string
}

// HookConfig configures the manager's execution discipline.
type HookConfig struct {
	// Timeout bounds a single hook execution (default: 30s).
	Timeout string `yaml:"timeout"`
	// Concurrency bounds simultaneous hook executions (default: 10).
	Concurrency int `yaml:"concurrency"`
	// StdioFormat, when non-empty ("json" or "env"), mirrors every event
	// to stderr in that format.
	StdioFormat string `yaml:"stdio_format"`
}

// DefaultHookConfig returns sensible defaults.
func DefaultHookConfig() HookConfig {
	return HookConfig{Timeout: "30s", Concurrency: 10, StdioFormat: ""}
}
