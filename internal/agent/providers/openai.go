package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/tollgate/internal/agent"
	"github.com/haasonsaas/tollgate/pkg/models"
)

// OpenAIConfig configures an OpenAI-compatible chat completions endpoint.
type OpenAIConfig struct {
	// Name overrides the provider name used for pricing and metrics.
	// Defaults to "openai"; set it when BaseURL points at a compatible gateway.
	Name         string
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
	MaxRetries   int
	RetryDelay   time.Duration
}

// OpenAIProvider streams completions from the OpenAI chat API.
//
// Tool calls arrive as fragments keyed by index and are only emitted once
// the stream reports finish_reason "tool_calls" or ends. Token usage comes
// from the trailing usage chunk requested through stream_options.
type OpenAIProvider struct {
	client       *openai.Client
	name         string
	defaultModel string
	maxTokens    int
	retry        retrier
}

// NewOpenAIProvider creates a provider. An API key is required.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: API key is required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientConfig.BaseURL = strings.TrimRight(base, "/")
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	model := cfg.DefaultModel
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		name:         name,
		defaultModel: model,
		maxTokens:    cfg.MaxTokens,
		retry:        newRetrier(cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return p.name
}

// Complete opens a streaming chat completion. Opening the stream is retried
// on transient failures; errors after the first byte are reported on the channel.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.model(req.Model)
	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      convertToOpenAIMessages(req.Messages, req.SystemPrompt()),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if maxTokens := p.maxTokensFor(req.MaxTokens); maxTokens > 0 {
		chatReq.MaxTokens = maxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertToOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	err := p.retry.Do(ctx, func() error {
		var err error
		stream, err = p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			return p.wrapError(err, model)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	pending := make(map[int]*models.ToolCall)
	var inputTokens, outputTokens int

	flush := func() bool {
		for _, tc := range orderedToolCalls(pending) {
			if !send(ctx, chunks, &agent.CompletionChunk{ToolCall: tc}) {
				return false
			}
		}
		pending = make(map[int]*models.ToolCall)
		return true
	}

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if flush() {
				send(ctx, chunks, &agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
			}
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			} else {
				err = p.wrapError(err, model)
			}
			send(ctx, chunks, &agent.CompletionChunk{Error: err})
			return
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			if !send(ctx, chunks, &agent.CompletionChunk{Text: choice.Delta.Content}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := pending[index]
			if call == nil {
				call = &models.ToolCall{}
				pending[index] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.Input = append(call.Input, tc.Function.Arguments...)
			}
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !flush() {
				return
			}
		}
	}
}

// orderedToolCalls returns the assembled calls in index order, dropping
// fragments that never received a name.
func orderedToolCalls(pending map[int]*models.ToolCall) []*models.ToolCall {
	indexes := make([]int, 0, len(pending))
	for i := range pending {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	out := make([]*models.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		if tc := pending[i]; tc.Name != "" {
			out = append(out, tc)
		}
	}
	return out
}

func convertToOpenAIMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, msg := range messages {
		switch msg.Role {
		case string(models.RoleTool):
			// One message per result.
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		case string(models.RoleAssistant):
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args := string(tc.Input)
				if args == "" {
					args = "{}"
				}
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			result = append(result, oaiMsg)
		default:
			result = append(result, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
		}
	}
	return result
}

func convertToOpenAITools(tools []models.ToolDescriptor) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  agent.SchemaMap(tool.Schema),
			},
		}
	}
	return result
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{
			Provider: p.name,
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
			Message:  apiErr.Message,
		}
		providerErr = providerErr.WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Code != nil {
			providerErr = providerErr.WithCode(fmt.Sprint(apiErr.Code))
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		providerErr := NewProviderError(p.name, model, err)
		return providerErr.WithStatus(reqErr.HTTPStatusCode)
	}
	return NewProviderError(p.name, model, err)
}

func (p *OpenAIProvider) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}

func (p *OpenAIProvider) maxTokensFor(requested int) int {
	if requested > 0 {
		return requested
	}
	return p.maxTokens
}

var _ agent.LLMProvider = (*OpenAIProvider)(nil)
