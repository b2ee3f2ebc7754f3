package models

import (
	"encoding/json"
	"time"
)

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelSlack    ChannelType = "slack"
	ChannelTelegram ChannelType = "telegram"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is the unified message format across all channels.
type Message struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Channel     ChannelType    `json:"channel"`
	ChannelID   string         `json:"channel_id"` // Platform-specific channel/chat ID
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults []ToolResult   `json:"tool_results,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution.
// Errors are carried as data; IsError marks a failed invocation whose
// content is fed back to the LLM rather than aborting the turn.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// User is a tenant-scoped external IM identity, created on first inbound
// message and immutable afterwards.
type User struct {
	ID         string      `json:"id"`
	Tenant     string      `json:"tenant"`
	ExternalID string      `json:"external_id"`
	Channel    ChannelType `json:"channel"`
	Name       string      `json:"name,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Reply is the rendered outcome of one turn: plain text plus an optional
// authorization link the channel adapter renders as a button.
type Reply struct {
	Content  string `json:"content"`
	AuthURL  string `json:"auth_url,omitempty"`
	AuthName string `json:"auth_name,omitempty"` // Target system the link authorizes
}
