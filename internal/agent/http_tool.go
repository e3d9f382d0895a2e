package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/tollgate/internal/config"
)

const (
	defaultHTTPToolTimeout  = 30 * time.Second
	defaultMaxResponseBytes = int64(1 << 20)
)

// HTTPTool forwards calls to a remote endpoint described in configuration.
// The endpoint receives {"tool": name, "arguments": {...}} and its response
// body becomes the tool result.
type HTTPTool struct {
	name        string
	description string
	schema      json.RawMessage
	endpoint    string
	headers     map[string]string
	client      *http.Client
	maxBytes    int64
}

// NewHTTPTool builds a tool from its configured descriptor.
func NewHTTPTool(cfg config.ToolConfig, client *http.Client) (*HTTPTool, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("tool %s: endpoint must be an http(s) URL", name)
	}

	var schema json.RawMessage
	if len(cfg.Schema) > 0 {
		schema, err = json.Marshal(cfg.Schema)
		if err != nil {
			return nil, fmt.Errorf("tool %s: encode schema: %w", name, err)
		}
	}
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPToolTimeout}
	}
	return &HTTPTool{
		name:        name,
		description: cfg.Description,
		schema:      schema,
		endpoint:    endpoint,
		headers:     cfg.Headers,
		client:      client,
		maxBytes:    defaultMaxResponseBytes,
	}, nil
}

func (t *HTTPTool) Name() string            { return t.name }
func (t *HTTPTool) Description() string     { return t.description }
func (t *HTTPTool) Schema() json.RawMessage { return t.schema }

func (t *HTTPTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	body, err := json.Marshal(struct {
		Tool      string          `json:"tool"`
		Arguments json.RawMessage `json:"arguments"`
	}{t.name, params})
	if err != nil {
		return nil, NewToolError(t.name, fmt.Errorf("encode request: %w", err)).WithType(ToolErrorInvalidInput)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, NewToolError(t.name, fmt.Errorf("create request: %w", err)).WithType(ToolErrorExecution)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/plain")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewToolError(t.name, ctx.Err()).WithType(ToolErrorTimeout)
		}
		return nil, NewToolError(t.name, fmt.Errorf("request failed: %w", err)).WithType(ToolErrorNetwork)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes+1))
	if err != nil {
		return nil, NewToolError(t.name, fmt.Errorf("read response: %w", err)).WithType(ToolErrorNetwork)
	}
	if int64(len(data)) > t.maxBytes {
		data = data[:t.maxBytes]
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, NewToolError(t.name, fmt.Errorf("endpoint rate limited (status %d)", resp.StatusCode)).WithType(ToolErrorRateLimit)
	case resp.StatusCode >= 500:
		return nil, NewToolError(t.name, fmt.Errorf("endpoint unavailable (status %d)", resp.StatusCode)).WithType(ToolErrorNetwork)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, NewToolError(t.name, fmt.Errorf("endpoint refused credentials (status %d)", resp.StatusCode)).WithType(ToolErrorPermission)
	case resp.StatusCode >= 400:
		// The model can often fix its own arguments, so this is a result, not a failure.
		return &ToolResult{Content: strings.TrimSpace(string(data)), IsError: true}, nil
	}
	return &ToolResult{Content: string(data)}, nil
}

// RegisterHTTPTools registers every configured endpoint tool.
func RegisterHTTPTools(registry *ToolRegistry, tools []config.ToolConfig, client *http.Client) error {
	for _, cfg := range tools {
		tool, err := NewHTTPTool(cfg, client)
		if err != nil {
			return err
		}
		var opts []ToolOption
		if cfg.IntegrationID != "" {
			opts = append(opts, WithIntegration(cfg.IntegrationID))
		}
		if cfg.NonRetryable {
			opts = append(opts, NonRetryable())
		}
		if err := registry.Register(tool, opts...); err != nil {
			return err
		}
	}
	return nil
}
