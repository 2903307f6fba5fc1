// Package extensions defines the command capability surface: extensions
// expose named commands with typed argument descriptors, a registry indexes
// them, and the dispatcher binds arguments and executes them under an
// agent's enabled-command set.
package extensions

import (
	"context"

	"github.com/ensemble-ai/ensemble/pkg/config"
)

// Categories group commands for introspection.
const (
	CategoryTool     = "tool"
	CategoryProvider = "ai_provider"
	CategoryNotifier = "notifier"
)

// Arg describes one command argument.
type Arg struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// Command describes one invocable command.
type Command struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	Args        []Arg  `json:"args,omitempty"`

	// Sandboxed routes execution through the external sandbox facility.
	Sandboxed bool `json:"sandboxed,omitempty"`

	// AllowExtraArgs forwards unexpected argument keys instead of
	// rejecting them.
	AllowExtraArgs bool `json:"allow_extra_args,omitempty"`
}

// ExecContext carries per-request state into a command execution.
type ExecContext struct {
	// Agent is the immutable snapshot the request runs under.
	Agent *config.AgentConfig

	// Emit appends a sub-activity interaction to the conversation.
	// Nil when the caller has no conversation (e.g. direct API command).
	Emit func(role, message string)
}

// Extension exposes a set of commands.
type Extension interface {
	Name() string
	Commands() []Command
	Execute(ctx context.Context, command string, args map[string]any, ec ExecContext) (string, error)
}

// SettingsDescriber is implemented by extensions that require agent-scoped
// settings (API keys etc.).
type SettingsDescriber interface {
	SettingsSchema() map[string]any
}

// Sandbox runs sandboxed commands externally. Timeouts and resource limits
// are the sandbox's responsibility.
type Sandbox interface {
	Exec(ctx context.Context, command string, args map[string]any) (stdout, stderr string, exitCode int, err error)
}
