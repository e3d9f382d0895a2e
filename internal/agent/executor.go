package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/tollgate/internal/observability"
	"github.com/haasonsaas/tollgate/pkg/models"
)

// ExecutorConfig configures tool execution.
type ExecutorConfig struct {
	// MaxConcurrency limits parallel executions within one batch.
	// Default: 4
	MaxConcurrency int

	// Timeout bounds each attempt.
	// Default: 30s
	Timeout time.Duration

	// Retries is the number of extra attempts for transient failures.
	// Default: 1
	Retries int

	// RetryBackoff is the pause before a retry.
	// Default: 100ms
	RetryBackoff time.Duration
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxConcurrency: 4,
		Timeout:        30 * time.Second,
		Retries:        1,
		RetryBackoff:   100 * time.Millisecond,
	}
}

// Executor runs approved tool calls with timeouts, panic recovery and a
// bounded retry for transient failures.
type Executor struct {
	registry *ToolRegistry
	config   ExecutorConfig
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// NewExecutor creates an executor. Zero config fields take defaults.
func NewExecutor(registry *ToolRegistry, config ExecutorConfig, metrics *observability.Metrics, tracer *observability.Tracer) *Executor {
	defaults := DefaultExecutorConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Retries < 0 {
		config.Retries = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaults.RetryBackoff
	}
	return &Executor{registry: registry, config: config, metrics: metrics, tracer: tracer}
}

// ExecutionResult is the outcome of one call.
type ExecutionResult struct {
	Call     models.ToolCallRequest
	Result   *ToolResult
	Error    error
	Duration time.Duration
	Attempts int
}

// ToolResult converts the outcome for the transcript. Errors become error
// results so the model can react to them.
func (r *ExecutionResult) ToolResult() models.ToolResult {
	if r.Error != nil {
		return models.ToolResult{ToolCallID: r.Call.CallID, Content: r.Error.Error(), IsError: true}
	}
	if r.Result == nil {
		return models.ToolResult{ToolCallID: r.Call.CallID}
	}
	return models.ToolResult{ToolCallID: r.Call.CallID, Content: r.Result.Content, IsError: r.Result.IsError}
}

// Disposition reports how the call resolved.
func (r *ExecutionResult) Disposition() models.ToolDisposition {
	if r.Error != nil {
		return models.DispositionFailed
	}
	return models.DispositionExecuted
}

// ExecuteAll runs calls concurrently up to MaxConcurrency. Results keep the
// order of calls. A failing call never cancels its siblings.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCallRequest) []*ExecutionResult {
	if len(calls) == 0 {
		return nil
	}
	results := make([]*ExecutionResult, len(calls))

	var g errgroup.Group
	g.SetLimit(e.config.MaxConcurrency)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.Execute(ctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Execute runs one call, retrying once on a transient failure unless the
// tool is marked non-retryable.
func (e *Executor) Execute(ctx context.Context, call models.ToolCallRequest) *ExecutionResult {
	ctx, span := e.tracer.TraceToolExecution(ctx, call.ToolName, call.CallID)
	defer span.End()

	start := time.Now()
	result := &ExecutionResult{Call: call}

	maxRetries := e.config.Retries
	if desc, ok := e.registry.Descriptor(call.ToolName); ok && desc.NonRetryable {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result.Attempts = attempt + 1

		out, err := e.executeWithTimeout(ctx, call)
		if err == nil {
			result.Result = out
			lastErr = nil
			break
		}
		lastErr = err

		if !IsToolRetryable(err) || ctx.Err() != nil || attempt >= maxRetries {
			break
		}
		select {
		case <-time.After(e.config.RetryBackoff):
		case <-ctx.Done():
		}
	}

	if lastErr != nil {
		if toolErr, ok := lastErr.(*ToolError); ok {
			toolErr.Attempts = result.Attempts
		}
		result.Error = lastErr
		observability.RecordError(span, lastErr)
	}
	result.Duration = time.Since(start)

	status := "success"
	if result.Error != nil {
		status = "error"
	} else if result.Result != nil && result.Result.IsError {
		status = "tool_error"
	}
	e.metrics.RecordToolExecution(call.ToolName, status, result.Duration.Seconds())
	return result
}

func (e *Executor) executeWithTimeout(ctx context.Context, call models.ToolCallRequest) (*ToolResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	type execResult struct {
		result *ToolResult
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := NewToolError(call.ToolName, fmt.Errorf("%w: %v\n%s", ErrToolPanic, r, debug.Stack())).
					WithType(ToolErrorPanic).
					WithToolCallID(call.CallID).
					WithMessage(fmt.Sprintf("panic: %v", r))
				resultCh <- execResult{err: err}
			}
		}()

		out, err := e.registry.Execute(execCtx, call.ToolName, call.Arguments)
		if err != nil {
			toolErr, ok := err.(*ToolError)
			if !ok {
				toolErr = NewToolError(call.ToolName, err)
			}
			resultCh <- execResult{err: toolErr.WithToolCallID(call.CallID)}
			return
		}
		resultCh <- execResult{result: out}
	}()

	select {
	case res := <-resultCh:
		return res.result, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, NewToolError(call.ToolName, ctx.Err()).
				WithType(ToolErrorExecution).
				WithToolCallID(call.CallID).
				WithMessage("execution canceled")
		}
		return nil, NewToolError(call.ToolName, ErrToolTimeout).
			WithType(ToolErrorTimeout).
			WithToolCallID(call.CallID).
			WithMessage(fmt.Sprintf("execution timed out after %s", e.config.Timeout))
	}
}
