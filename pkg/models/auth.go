package models

import "time"

// GrantStatus is the lifecycle state of an authorization grant.
type GrantStatus string

const (
	GrantAbsent  GrantStatus = "absent"
	GrantPending GrantStatus = "pending"
	GrantGranted GrantStatus = "granted"
	GrantExpired GrantStatus = "expired"
	GrantRevoked GrantStatus = "revoked"
)

// Grant is a stored authorization credential for one user against one
// target system. At most one granted and one pending grant may exist per
// (user, system) pair; re-authorization supersedes, never duplicates.
type Grant struct {
	ID           string      `json:"id"`
	UserID       string      `json:"user_id"`
	System       string      `json:"system"`
	Status       GrantStatus `json:"status"`
	AccessToken  string      `json:"access_token,omitempty"`
	RefreshToken string      `json:"refresh_token,omitempty"`
	TokenType    string      `json:"token_type,omitempty"`
	Scope        string      `json:"scope,omitempty"`
	ExpiresAt    time.Time   `json:"expires_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Valid reports whether the grant is granted and unexpired at t.
func (g *Grant) Valid(t time.Time) bool {
	if g == nil || g.Status != GrantGranted {
		return false
	}
	return g.ExpiresAt.IsZero() || g.ExpiresAt.After(t)
}

// PendingAuth is the ephemeral record behind one authorization link.
// The state token is single-use: a callback consumes it exactly once.
type PendingAuth struct {
	StateToken   string    `json:"state_token"`
	UserID       string    `json:"user_id"`
	System       string    `json:"system"`
	CheckpointID string    `json:"checkpoint_id"`
	Consumed     bool      `json:"consumed"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Checkpoint is the durable resumption record for a suspended turn.
// At most one live checkpoint exists per user.
type Checkpoint struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	Channel   ChannelType `json:"channel"`
	ChannelID string      `json:"channel_id"`

	// Conversation is the full in-flight transcript of the suspended turn,
	// including the assistant message whose tool call blocked on auth.
	Conversation []Message `json:"conversation"`

	// Iteration is preserved across the suspension; authorization waiting
	// time does not count against the budget.
	Iteration int `json:"iteration"`

	// BlockedCall is the tool call awaiting authorization.
	BlockedCall ToolCall `json:"blocked_call"`

	// QueuedCalls are the remaining tool calls from the same LLM response,
	// executed in emission order after the blocked call resolves.
	QueuedCalls []ToolCall `json:"queued_calls,omitempty"`

	// Results collected for calls that already ran before the suspension.
	Results []ToolResult `json:"results,omitempty"`

	System    string    `json:"system"` // Target system being authorized
	CreatedAt time.Time `json:"created_at"`
}
