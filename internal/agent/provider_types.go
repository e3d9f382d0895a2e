package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/haasonsaas/tollgate/pkg/models"
)

// LLMProvider produces one model turn as a stream of chunks.
//
// Implementations must be safe for concurrent use and must stop producing
// and close the channel when ctx is canceled.
type LLMProvider interface {
	// Name returns the provider name used for pricing and metrics.
	Name() string

	// Complete starts a turn and returns its chunk stream.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}

// CompletionRequest is everything the model sees for one turn.
type CompletionRequest struct {
	Model    string              `json:"model"`
	System   string              `json:"system,omitempty"`
	Messages []CompletionMessage `json:"messages"`

	// Tools are the capability descriptors resolved at run start.
	Tools []models.ToolDescriptor `json:"tools,omitempty"`

	// TrustedTools names tools the owner pre-approved. Providers may mention
	// them to the model; they never change what is executed.
	TrustedTools []string `json:"trusted_tools,omitempty"`

	MaxTokens int `json:"max_tokens,omitempty"`
}

// SystemPrompt returns System with the trust hints appended.
func (r *CompletionRequest) SystemPrompt() string {
	if len(r.TrustedTools) == 0 {
		return r.System
	}
	hint := "Tools that run without asking the user: " + strings.Join(r.TrustedTools, ", ") + "."
	if r.System == "" {
		return hint
	}
	return r.System + "\n\n" + hint
}

// CompletionMessage is one transcript entry in provider-neutral form.
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk is a single streamed piece of a turn. The final chunk has
// Done set and carries the token usage for the turn.
type CompletionChunk struct {
	Text         string           `json:"text,omitempty"`
	ToolCall     *models.ToolCall `json:"tool_call,omitempty"`
	Done         bool             `json:"done,omitempty"`
	Error        error            `json:"-"`
	InputTokens  int              `json:"input_tokens,omitempty"`
	OutputTokens int              `json:"output_tokens,omitempty"`
}

// ToCompletionMessages converts a stored transcript for a provider.
func ToCompletionMessages(history []*models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(history))
	for _, msg := range history {
		out = append(out, CompletionMessage{
			Role:        string(msg.Role),
			Content:     msg.Content,
			ToolCalls:   msg.ToolCalls,
			ToolResults: msg.ToolResults,
		})
	}
	return out
}

// SchemaMap decodes a descriptor schema for SDKs that want a map. A missing or
// malformed schema becomes an empty object schema.
func SchemaMap(schema json.RawMessage) map[string]any {
	var m map[string]any
	if len(schema) == 0 || json.Unmarshal(schema, &m) != nil || m == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return m
}
