// Package conversations persists the append-only interaction log. Every
// conversation is scoped by (tenant, agent, name); appends to a single
// conversation are serialized and interaction ids are monotonic within it.
package conversations

import (
	"context"
	"errors"
	"time"
)

// Well-known interaction roles. Agent responses use the agent's name as
// the role; tool results use "tool:<command>".
const (
	RoleUser   = "user"
	RoleSystem = "system"
)

// ToolRole builds the role string for a tool result interaction.
func ToolRole(command string) string {
	return "tool:" + command
}

// Scope addresses one conversation.
type Scope struct {
	Tenant       string
	Agent        string
	Conversation string
}

// Interaction is one entry in a conversation log.
type Interaction struct {
	// ID is monotonic within the conversation and stable after writes.
	ID int64 `json:"id"`

	Role      string    `json:"role"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`

	// Error marks failed tool results so the log stays coherent.
	Error bool `json:"error,omitempty"`

	// Partial marks responses cut short by mid-stream failure.
	Partial bool `json:"partial,omitempty"`
}

// Page selects a window of interactions.
type Page struct {
	Limit int
	// Page is 1-based; 0 means the first page.
	Page int
	// NewestFirst reverses the ordering.
	NewestFirst bool
}

var (
	ErrNotFound       = errors.New("conversation not found")
	ErrMessageMissing = errors.New("interaction not found")
	ErrNameTaken      = errors.New("conversation name already in use")
)

// Store is the conversation persistence surface.
type Store interface {
	// Append adds one interaction and returns its id. A zero timestamp
	// defaults to now. The conversation is created on first append.
	Append(ctx context.Context, scope Scope, in Interaction) (int64, error)

	// List returns one page of interactions plus the total count. The
	// snapshot is consistent with respect to any single append.
	List(ctx context.Context, scope Scope, page Page) ([]Interaction, int, error)

	// Export returns the full interaction list, oldest first.
	Export(ctx context.Context, scope Scope) ([]Interaction, error)

	DeleteMessage(ctx context.Context, scope Scope, id int64) error

	// UpdateMessage replaces the text of one interaction, preserving its
	// id, role and timestamp.
	UpdateMessage(ctx context.Context, scope Scope, id int64, text string) error

	DeleteConversation(ctx context.Context, scope Scope) error

	// Rename changes the conversation name; the new name must be unique
	// within (tenant, agent).
	Rename(ctx context.Context, scope Scope, newName string) error

	// Conversations lists conversation names for one (tenant, agent).
	Conversations(ctx context.Context, tenant, agent string) ([]string, error)

	Close() error
}
