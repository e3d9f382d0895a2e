package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/tollgate/internal/observability"
	"github.com/haasonsaas/tollgate/pkg/models"
)

func newTestExecutor(t *testing.T, config ExecutorConfig, tools ...Tool) (*Executor, *ToolRegistry) {
	t.Helper()
	registry := NewToolRegistry()
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("Register(%s): %v", tool.Name(), err)
		}
	}
	return NewExecutor(registry, config, nil, nil), registry
}

func call(id, name string) models.ToolCallRequest {
	return models.ToolCallRequest{CallID: id, ToolName: name, Arguments: json.RawMessage(`{}`)}
}

func TestExecutor_Execute_Success(t *testing.T) {
	tool := &funcTool{name: "test_tool", fn: func(ctx context.Context, _ json.RawMessage) (*ToolResult, error) {
		return &ToolResult{Content: "result"}, nil
	}}
	executor, _ := newTestExecutor(t, DefaultExecutorConfig(), tool)

	result := executor.Execute(context.Background(), call("call-1", "test_tool"))
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Result.Content != "result" {
		t.Errorf("content = %q, want %q", result.Result.Content, "result")
	}
	if result.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", result.Attempts)
	}
	if result.Disposition() != models.DispositionExecuted {
		t.Errorf("disposition = %s", result.Disposition())
	}
	if tr := result.ToolResult(); tr.ToolCallID != "call-1" || tr.IsError {
		t.Errorf("tool result = %+v", tr)
	}
}

func TestExecutor_Execute_RetriesOnce(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		nonRetryable bool
		wantAttempts int
		wantSuccess  bool
	}{
		{"transient then success", errors.New("connection reset by peer"), false, 2, true},
		{"non-retryable tool", errors.New("connection reset by peer"), true, 1, false},
		{"permanent error", errors.New("permission denied"), false, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			tool := &funcTool{name: "flaky", fn: func(ctx context.Context, _ json.RawMessage) (*ToolResult, error) {
				if attempts.Add(1) == 1 {
					return nil, tt.err
				}
				return &ToolResult{Content: "ok"}, nil
			}}
			registry := NewToolRegistry()
			var opts []ToolOption
			if tt.nonRetryable {
				opts = append(opts, NonRetryable())
			}
			if err := registry.Register(tool, opts...); err != nil {
				t.Fatalf("Register: %v", err)
			}
			executor := NewExecutor(registry, ExecutorConfig{Retries: 1, RetryBackoff: time.Millisecond}, nil, nil)

			result := executor.Execute(context.Background(), call("c", "flaky"))
			if result.Attempts != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", result.Attempts, tt.wantAttempts)
			}
			if (result.Error == nil) != tt.wantSuccess {
				t.Errorf("error = %v, want success %v", result.Error, tt.wantSuccess)
			}
		})
	}
}

func TestExecutor_Execute_RetryCapIsTwoAttempts(t *testing.T) {
	tool := &funcTool{name: "down", fn: func(ctx context.Context, _ json.RawMessage) (*ToolResult, error) {
		return nil, errors.New("network unreachable")
	}}
	executor, _ := newTestExecutor(t, ExecutorConfig{Retries: 1, RetryBackoff: time.Millisecond}, tool)

	result := executor.Execute(context.Background(), call("c", "down"))
	if got := tool.calls.Load(); got != 2 {
		t.Fatalf("executions = %d, want 2", got)
	}
	var toolErr *ToolError
	if !errors.As(result.Error, &toolErr) {
		t.Fatalf("error = %T, want *ToolError", result.Error)
	}
	if toolErr.Attempts != 2 || toolErr.Type != ToolErrorNetwork {
		t.Errorf("tool error = %+v", toolErr)
	}
	if result.Disposition() != models.DispositionFailed || !result.ToolResult().IsError {
		t.Errorf("failed call should produce an error result")
	}
}

func TestExecutor_Execute_Timeout(t *testing.T) {
	tool := &funcTool{name: "slow", fn: func(ctx context.Context, _ json.RawMessage) (*ToolResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	executor, _ := newTestExecutor(t, ExecutorConfig{Timeout: 20 * time.Millisecond, RetryBackoff: time.Millisecond}, tool)

	result := executor.Execute(context.Background(), call("c", "slow"))
	if !errors.Is(result.Error, ErrToolTimeout) {
		t.Fatalf("error = %v, want ErrToolTimeout", result.Error)
	}
}

func TestExecutor_Execute_Panic(t *testing.T) {
	tool := &funcTool{name: "boom", fn: func(ctx context.Context, _ json.RawMessage) (*ToolResult, error) {
		panic("kaboom")
	}}
	executor, _ := newTestExecutor(t, DefaultExecutorConfig(), tool)

	result := executor.Execute(context.Background(), call("c", "boom"))
	if !errors.Is(result.Error, ErrToolPanic) {
		t.Fatalf("error = %v, want ErrToolPanic", result.Error)
	}
	if result.Attempts != 1 {
		t.Errorf("panics must not be retried, attempts = %d", result.Attempts)
	}
	if !strings.Contains(result.ToolResult().Content, "kaboom") {
		t.Errorf("result content = %q", result.ToolResult().Content)
	}
}

func TestExecutor_Execute_NotFound(t *testing.T) {
	executor, _ := newTestExecutor(t, DefaultExecutorConfig())

	result := executor.Execute(context.Background(), call("c", "missing"))
	if !errors.Is(result.Error, ErrToolNotFound) {
		t.Fatalf("error = %v, want ErrToolNotFound", result.Error)
	}
}

func TestExecutor_ExecuteAll_KeepsOrderAndLimitsConcurrency(t *testing.T) {
	var active, peak atomic.Int32
	tool := &funcTool{name: "work", fn: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return &ToolResult{Content: string(params)}, nil
	}}
	executor, _ := newTestExecutor(t, ExecutorConfig{MaxConcurrency: 2}, tool)

	var calls []models.ToolCallRequest
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		c := call(id, "work")
		c.Arguments = json.RawMessage(`{"id":"` + id + `"}`)
		calls = append(calls, c)
	}
	results := executor.ExecuteAll(context.Background(), calls)

	if len(results) != len(calls) {
		t.Fatalf("results = %d", len(results))
	}
	for i, r := range results {
		if r.Call.CallID != calls[i].CallID || r.Result.Content != string(calls[i].Arguments) {
			t.Errorf("result %d = %+v", i, r)
		}
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestExecutor_ExecuteAll_FailureDoesNotCancelSiblings(t *testing.T) {
	bad := &funcTool{name: "bad", fn: func(ctx context.Context, _ json.RawMessage) (*ToolResult, error) {
		return nil, errors.New("invalid state")
	}}
	good := &funcTool{name: "good"}
	executor, _ := newTestExecutor(t, DefaultExecutorConfig(), bad, good)

	results := executor.ExecuteAll(context.Background(), []models.ToolCallRequest{call("1", "bad"), call("2", "good")})
	if results[0].Error == nil {
		t.Error("bad call should fail")
	}
	if results[1].Error != nil || results[1].Result.Content != "good ok" {
		t.Errorf("good call = %+v", results[1])
	}
}

func TestExecutor_RecordsMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	tools := NewToolRegistry()
	if err := tools.Register(&funcTool{name: "search"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	executor := NewExecutor(tools, DefaultExecutorConfig(), metrics, nil)
	executor.Execute(context.Background(), call("1", "search"))
	executor.Execute(context.Background(), call("2", "search"))

	if got := testutil.ToFloat64(metrics.ToolExecutionCounter.WithLabelValues("search", "success")); got != 2 {
		t.Errorf("tool executions = %v, want 2", got)
	}
}
