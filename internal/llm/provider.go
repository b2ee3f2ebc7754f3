// Package llm defines the provider contract the loop controller depends on
// and its OpenAI and Anthropic implementations.
package llm

import (
	"context"
	"encoding/json"

	"github.com/jettison-io/parley/pkg/models"
)

// Provider is the LLM client contract. Implementations must be safe for
// concurrent use; the session manager may drive many users in parallel.
type Provider interface {
	// Complete sends the conversation and tool definitions and returns
	// either final text or one or more tool-call requests.
	Complete(ctx context.Context, req *Request) (*Completion, error)

	// Name returns the provider identifier, lowercase.
	Name() string
}

// Request contains all parameters for one completion call.
type Request struct {
	Model     string    `json:"model,omitempty"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Tools     []ToolDef `json:"tools,omitempty"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// Message is one conversation entry in provider-neutral form.
// Role values: "user", "assistant", "tool".
type Message struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// ToolDef describes one callable tool in provider-neutral form.
// Schema is a JSON Schema object for the tool's input.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema"`
}

// Completion is the provider's answer: final text, tool-call requests in
// the order the model emitted them, or both.
type Completion struct {
	Content   string            `json:"content,omitempty"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`

	// Truncated is set when the provider reports a length cutoff; the
	// rendered reply notes the truncation to the user.
	Truncated bool `json:"truncated,omitempty"`
}

// truncationNotice is appended to replies cut off by the token limit.
const truncationNotice = "\n\n[Response was truncated because it reached the length limit.]"

// AnnotateTruncation appends the truncation notice when applicable.
func (c *Completion) AnnotateTruncation() {
	if c.Truncated && c.Content != "" {
		c.Content += truncationNotice
	}
}
