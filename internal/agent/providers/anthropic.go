// Package providers adapts LLM vendor SDKs to the agent.LLMProvider stream.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/tollgate/internal/agent"
	"github.com/haasonsaas/tollgate/pkg/models"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-20250514"

	// maxEmptyStreamEvents bounds consecutive events that carry nothing we use.
	maxEmptyStreamEvents = 100
)

// AnthropicConfig configures the Anthropic Messages API provider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
	MaxRetries   int
	RetryDelay   time.Duration
}

// AnthropicProvider streams completions from the Anthropic Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int
	retry        retrier
}

type anthropicStream = ssestream.Stream[anthropic.MessageStreamEventUnion]

// NewAnthropicProvider creates a provider. An API key is required.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	// Retries are ours so backoff and classification match the other providers.
	opts = append(opts, option.WithMaxRetries(0))

	model := cfg.DefaultModel
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: model,
		maxTokens:    maxTokens,
		retry:        newRetrier(cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete opens a streaming message. The SDK only surfaces HTTP failures on
// the first read, so the stream is primed inside the retry loop.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.getModel(req.Model)
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, err
	}

	var stream *anthropicStream
	err = p.retry.Do(ctx, func() error {
		s := p.client.Messages.NewStreaming(ctx, params)
		if s.Next() {
			stream = s
			return nil
		}
		err := s.Err()
		_ = s.Close()
		if err == nil {
			err = errors.New("stream closed before the first event")
		}
		return p.wrapError(err, model)
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		defer stream.Close()
		p.processStream(ctx, stream, chunks, model)
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest, model string) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(p.getMaxTokens(req.MaxTokens)),
	}
	if system := req.SystemPrompt(); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertAnthropicTools(req.Tools)
	}
	return params, nil
}

// processStream consumes a primed stream: the current event has not been handled yet.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *anthropicStream, chunks chan<- *agent.CompletionChunk, model string) {
	var current *models.ToolCall
	var input strings.Builder
	var inputTokens, outputTokens int
	empty := 0

	for ok := true; ok; ok = stream.Next() {
		event := stream.Current()
		handled := true

		switch event.Type {
		case "message_start":
			inputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				current = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				input.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch {
			case delta.Type == "text_delta" && delta.Text != "":
				if !send(ctx, chunks, &agent.CompletionChunk{Text: delta.Text}) {
					return
				}
			case delta.Type == "input_json_delta" && delta.PartialJSON != "":
				input.WriteString(delta.PartialJSON)
			default:
				handled = false
			}

		case "content_block_stop":
			if current == nil {
				break
			}
			current.Input = json.RawMessage(input.String())
			if !send(ctx, chunks, &agent.CompletionChunk{ToolCall: current}) {
				return
			}
			current = nil

		case "message_delta":
			if out := event.AsMessageDelta().Usage.OutputTokens; out > 0 {
				outputTokens = int(out)
			}

		case "message_stop":
			send(ctx, chunks, &agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
			return

		default:
			handled = false
		}

		if handled {
			empty = 0
		} else if empty++; empty >= maxEmptyStreamEvents {
			send(ctx, chunks, &agent.CompletionChunk{
				Error: p.wrapError(fmt.Errorf("stream appears malformed: %d consecutive empty events", empty), model),
			})
			return
		}
	}

	err := stream.Err()
	switch {
	case ctx.Err() != nil:
		err = ctx.Err()
	case err == nil:
		err = errors.New("stream ended without message_stop")
	}
	send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(err, model)})
}

func convertAnthropicMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == string(models.RoleSystem) {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			input := map[string]any{}
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input for %s: %w", tc.ID, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == string(models.RoleAssistant) {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// Tool results travel in user messages.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []models.ToolDescriptor) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		schemaMap := agent.SchemaMap(tool.Schema)
		schema := anthropic.ToolInputSchemaParam{Properties: schemaMap["properties"]}
		if required, ok := schemaMap["required"].([]any); ok {
			for _, r := range required {
				if name, ok := r.(string); ok {
					schema.Required = append(schema.Required, name)
				}
			}
		}

		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if tool.Description != "" && param.OfTool != nil {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, param)
	}
	return result
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *AnthropicProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return p.maxTokens
	}
	return maxTokens
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError("anthropic", model, err)
	}

	providerErr := (&ProviderError{
		Provider:  "anthropic",
		Model:     model,
		Cause:     err,
		Reason:    ReasonUnknown,
		RequestID: apiErr.RequestID,
		Message:   "anthropic request failed",
	}).WithStatus(apiErr.StatusCode)

	var payload anthropicErrorPayload
	if raw := apiErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &payload) == nil {
		if payload.Error.Message != "" {
			providerErr.Message = payload.Error.Message
		}
		if payload.Error.Type != "" {
			providerErr = providerErr.WithCode(payload.Error.Type)
		}
		if payload.RequestID != "" {
			providerErr.RequestID = payload.RequestID
		}
	}
	return providerErr
}

var _ agent.LLMProvider = (*AnthropicProvider)(nil)
