package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/tollgate/internal/agent"
	"github.com/haasonsaas/tollgate/pkg/models"
)

func collect(t *testing.T, chunks <-chan *agent.CompletionChunk) []*agent.CompletionChunk {
	t.Helper()
	var out []*agent.CompletionChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("timed out waiting for stream")
		}
	}
}

func writeSSE(w http.ResponseWriter, lines []string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for _, line := range lines {
		fmt.Fprintln(w, line)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func TestOpenAIProvider_Stream(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		writeSSE(w, []string{
			`data: {"id":"1","choices":[{"index":0,"delta":{"content":"Hel"}}]}`, ``,
			`data: {"id":"1","choices":[{"index":0,"delta":{"content":"lo"}}]}`, ``,
			`data: {"id":"1","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"send_email","arguments":"{\"to\":"}}]}}]}`, ``,
			`data: {"id":"1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"search","arguments":"{}"}}]}}]}`, ``,
			`data: {"id":"1","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"function":{"arguments":"\"bob\"}"}}]}}]}`, ``,
			`data: {"id":"1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`, ``,
			`data: {"id":"1","choices":[],"usage":{"prompt_tokens":120,"completion_tokens":30,"total_tokens":150}}`, ``,
			`data: [DONE]`, ``,
		})
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL + "/v1"})
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}

	chunks, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Model:        "gpt-4o-mini",
		System:       "Be brief.",
		TrustedTools: []string{"search"},
		Messages:     []agent.CompletionMessage{{Role: "user", Content: "hi"}},
		Tools: []models.ToolDescriptor{
			{Name: "search", Schema: json.RawMessage(`{"type":"object"}`)},
			{Name: "send_email"},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got := collect(t, chunks)

	var text strings.Builder
	var calls []*models.ToolCall
	var done *agent.CompletionChunk
	for _, c := range got {
		if c.Error != nil {
			t.Fatalf("stream error: %v", c.Error)
		}
		text.WriteString(c.Text)
		if c.ToolCall != nil {
			calls = append(calls, c.ToolCall)
		}
		if c.Done {
			done = c
		}
	}

	if text.String() != "Hello" {
		t.Errorf("text = %q", text.String())
	}
	if len(calls) != 2 || calls[0].ID != "call_a" || calls[1].ID != "call_b" {
		t.Fatalf("tool calls = %+v", calls)
	}
	if string(calls[1].Input) != `{"to":"bob"}` {
		t.Errorf("assembled arguments = %s", calls[1].Input)
	}
	if done == nil || done.InputTokens != 120 || done.OutputTokens != 30 {
		t.Errorf("done chunk = %+v", done)
	}

	if opts, _ := body["stream_options"].(map[string]any); opts["include_usage"] != true {
		t.Errorf("stream_options = %v", body["stream_options"])
	}
	messages, _ := body["messages"].([]any)
	first, _ := messages[0].(map[string]any)
	if first["role"] != "system" || !strings.Contains(fmt.Sprint(first["content"]), "search") {
		t.Errorf("system message = %v", first)
	}
}

func TestOpenAIProvider_ErrorsAndRetries(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantReason FailureReason
		wantCalls  int32
	}{
		{
			name:       "auth is not retried",
			status:     http.StatusUnauthorized,
			body:       `{"error":{"message":"bad key","type":"invalid_request_error","code":"invalid_api_key"}}`,
			wantReason: ReasonAuth,
			wantCalls:  1,
		},
		{
			name:       "rate limit is retried",
			status:     http.StatusTooManyRequests,
			body:       `{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`,
			wantReason: ReasonRateLimit,
			wantCalls:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer server.Close()

			provider, err := NewOpenAIProvider(OpenAIConfig{
				APIKey:     "sk-test",
				BaseURL:    server.URL,
				MaxRetries: 2,
				RetryDelay: time.Millisecond,
			})
			if err != nil {
				t.Fatalf("NewOpenAIProvider: %v", err)
			}

			_, err = provider.Complete(context.Background(), &agent.CompletionRequest{
				Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
			})
			providerErr, ok := GetProviderError(err)
			if !ok {
				t.Fatalf("error = %v, want ProviderError", err)
			}
			if providerErr.Reason != tt.wantReason || providerErr.Status != tt.status {
				t.Errorf("provider error = %+v", providerErr)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("requests = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestConvertToOpenAIMessages(t *testing.T) {
	messages := []agent.CompletionMessage{
		{Role: "user", Content: "find it"},
		{Role: "assistant", ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "search"},
			{ID: "c2", Name: "read", Input: json.RawMessage(`{"path":"a"}`)},
		}},
		{Role: "tool", ToolResults: []models.ToolResult{
			{ToolCallID: "c1", Content: "found"},
			models.DeniedToolResult("c2"),
		}},
	}

	got := convertToOpenAIMessages(messages, "sys")
	if len(got) != 5 {
		t.Fatalf("messages = %d, want 5", len(got))
	}
	if got[0].Role != openai.ChatMessageRoleSystem || got[0].Content != "sys" {
		t.Errorf("system = %+v", got[0])
	}
	if args := got[2].ToolCalls[0].Function.Arguments; args != "{}" {
		t.Errorf("empty arguments = %q, want {}", args)
	}
	if got[3].Role != openai.ChatMessageRoleTool || got[3].ToolCallID != "c1" {
		t.Errorf("first tool result = %+v", got[3])
	}
	if got[4].ToolCallID != "c2" || got[4].Content != "tool call denied" {
		t.Errorf("denied result = %+v", got[4])
	}
}

func TestConvertToOpenAITools_BadSchemaFallsBack(t *testing.T) {
	tools := convertToOpenAITools([]models.ToolDescriptor{{Name: "x", Schema: json.RawMessage(`not json`)}})
	params, ok := tools[0].Function.Parameters.(map[string]any)
	if !ok || params["type"] != "object" {
		t.Fatalf("parameters = %#v", tools[0].Function.Parameters)
	}
}

func TestNewOpenAIProvider_RequiresKey(t *testing.T) {
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Fatal("expected error without API key")
	}
	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "k", Name: "openrouter"})
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}
	if p.Name() != "openrouter" || p.model("") != openai.GPT4o {
		t.Errorf("name = %s, model = %s", p.Name(), p.model(""))
	}
}
