package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Thread is a conversation owned by a single user. Runs append to it.
type Thread struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	AgentID   string         `json:"agent_id,omitempty"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Message is one entry of a thread transcript.
type Message struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"thread_id"`
	RunID       string       `json:"run_id,omitempty"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// DeniedToolResult is the synthetic result handed to the model for a call the user refused.
func DeniedToolResult(callID string) ToolResult {
	return ToolResult{ToolCallID: callID, Content: "tool call denied", IsError: true}
}

// Agent is a configured assistant persona resolved at run start.
type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Model        string   `json:"model"`
	Provider     string   `json:"provider"`
	Tools        []string `json:"tools,omitempty"`
}

// ToolDescriptor is the capability descriptor the model sees for a tool.
type ToolDescriptor struct {
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Schema        json.RawMessage `json:"argument_schema,omitempty"`
	IntegrationID string          `json:"integration_id,omitempty"`
	NonRetryable  bool            `json:"non_retryable,omitempty"`
}
