package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/tollgate/internal/ratelimit"
	"github.com/haasonsaas/tollgate/internal/storage"
)

// Sentinel errors for engine operations. Admission and approval errors are
// returned synchronously and leave the run untouched; turn errors fail the run.
var (
	// ErrNotFound indicates an unknown thread, agent or run.
	ErrNotFound = storage.ErrNotFound

	// ErrBudgetExceeded indicates the owner's budget window refused admission.
	ErrBudgetExceeded = ratelimit.ErrBudgetExceeded

	// ErrInvalidRequest indicates a malformed start request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidState indicates the run is not in a state that accepts the operation.
	ErrInvalidState = errors.New("invalid run state")

	// ErrUnknownCall indicates a decision referenced a call id that is not pending.
	ErrUnknownCall = errors.New("unknown tool call")

	// ErrInvalidDecision indicates a malformed or duplicate approval decision.
	ErrInvalidDecision = errors.New("invalid approval decision")

	// ErrProviderTimeout indicates a model turn exceeded its deadline.
	ErrProviderTimeout = errors.New("provider timed out")

	// ErrProviderError indicates the model provider failed mid-turn.
	ErrProviderError = errors.New("provider error")

	// ErrRoundLimitExceeded indicates the run used up its turn budget.
	ErrRoundLimitExceeded = errors.New("round limit exceeded")

	// ErrCanceled indicates the run was canceled by its owner.
	ErrCanceled = errors.New("run canceled")

	// ErrToolNotFound indicates a requested tool doesn't exist
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool execution timed out
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution
	ErrToolPanic = errors.New("tool panicked")
)

// Failure codes recorded on failed runs and sent in error events.
const (
	CodeProviderTimeout    = "provider_timeout"
	CodeProviderError      = "provider_error"
	CodeRoundLimitExceeded = "round_limit_exceeded"
	CodeBudgetExceeded     = "budget_exceeded"
	CodeInternal           = "internal"

	// CodeTrustGrantFailed marks a non-terminal error event: an approve-always
	// decision could not be persisted as a trust record.
	CodeTrustGrantFailed = "trust_grant_failed"
)

// RunError is the terminal failure of a run. Code is machine-readable;
// Reason is shown to the user.
type RunError struct {
	Code   string
	Reason string
	Cause  error
}

func (e *RunError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("run failed (%s): %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("run failed (%s)", e.Code)
}

func (e *RunError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel that corresponds to the failure code.
func (e *RunError) Is(target error) bool {
	switch e.Code {
	case CodeProviderTimeout:
		return target == ErrProviderTimeout
	case CodeProviderError:
		return target == ErrProviderError
	case CodeRoundLimitExceeded:
		return target == ErrRoundLimitExceeded
	case CodeBudgetExceeded:
		return target == ErrBudgetExceeded
	}
	return false
}

// runFailure converts a turn error into a RunError.
func runFailure(err error) *RunError {
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr
	}
	var denied *ratelimit.DeniedError
	switch {
	case errors.As(err, &denied):
		return &RunError{Code: CodeBudgetExceeded, Reason: denied.Error(), Cause: err}
	case errors.Is(err, ErrProviderTimeout):
		return &RunError{Code: CodeProviderTimeout, Reason: "the model did not respond in time", Cause: err}
	case errors.Is(err, ErrProviderError):
		return &RunError{Code: CodeProviderError, Reason: err.Error(), Cause: err}
	case errors.Is(err, ErrRoundLimitExceeded):
		return &RunError{Code: CodeRoundLimitExceeded, Reason: err.Error(), Cause: err}
	}
	return &RunError{Code: CodeInternal, Reason: err.Error(), Cause: err}
}

// ToolErrorType categorizes tool execution errors for retry logic.
type ToolErrorType string

const (
	ToolErrorNotFound     ToolErrorType = "not_found"
	ToolErrorInvalidInput ToolErrorType = "invalid_input"
	ToolErrorTimeout      ToolErrorType = "timeout"
	ToolErrorNetwork      ToolErrorType = "network"
	ToolErrorPermission   ToolErrorType = "permission"
	ToolErrorRateLimit    ToolErrorType = "rate_limit"
	ToolErrorExecution    ToolErrorType = "execution"
	ToolErrorPanic        ToolErrorType = "panic"
	ToolErrorUnknown      ToolErrorType = "unknown"
)

// IsRetryable returns true if this error type suggests retrying the operation may succeed.
// Timeout, network, and rate limit errors are considered retryable.
func (t ToolErrorType) IsRetryable() bool {
	switch t {
	case ToolErrorTimeout, ToolErrorNetwork, ToolErrorRateLimit:
		return true
	default:
		return false
	}
}

// ToolError is a failed tool execution. Its message is fed back to the model
// as an error result rather than failing the run.
type ToolError struct {
	Type       ToolErrorType
	ToolName   string
	ToolCallID string
	Message    string
	Cause      error
	Retryable  bool
	Attempts   int
}

func (e *ToolError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[tool:%s]", e.Type))
	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	if e.Attempts > 1 {
		parts = append(parts, fmt.Sprintf("(attempts=%d)", e.Attempts))
	}
	return strings.Join(parts, " ")
}

func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError creates a ToolError, inferring its type from cause.
func NewToolError(toolName string, cause error) *ToolError {
	err := &ToolError{
		ToolName: toolName,
		Cause:    cause,
		Type:     ToolErrorUnknown,
		Attempts: 1,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Type = classifyToolError(cause)
		err.Retryable = err.Type.IsRetryable()
	}
	return err
}

// WithType sets the error type and updates retryable status accordingly.
func (e *ToolError) WithType(t ToolErrorType) *ToolError {
	e.Type = t
	e.Retryable = t.IsRetryable()
	return e
}

func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

func classifyToolError(err error) ToolErrorType {
	if err == nil {
		return ToolErrorUnknown
	}
	var typed *ToolError
	if errors.As(err, &typed) {
		return typed.Type
	}
	switch {
	case errors.Is(err, ErrToolNotFound):
		return ToolErrorNotFound
	case errors.Is(err, ErrToolTimeout):
		return ToolErrorTimeout
	case errors.Is(err, ErrToolPanic):
		return ToolErrorPanic
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case containsAny(errStr, "timeout", "deadline exceeded"):
		return ToolErrorTimeout
	case containsAny(errStr, "connection", "network", "dns", "refused", "unreachable"):
		return ToolErrorNetwork
	case containsAny(errStr, "rate limit", "rate_limit", "too many requests", "429"):
		return ToolErrorRateLimit
	case containsAny(errStr, "permission", "forbidden", "unauthorized", "access denied"):
		return ToolErrorPermission
	case containsAny(errStr, "invalid", "validation", "required", "missing"):
		return ToolErrorInvalidInput
	}
	return ToolErrorExecution
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// IsToolRetryable reports whether a failed execution may succeed on retry.
func IsToolRetryable(err error) bool {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr.Retryable
	}
	return classifyToolError(err).IsRetryable()
}
