package models

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunCreated     RunStatus = "created"
	RunStreaming   RunStatus = "streaming"
	RunInterrupted RunStatus = "interrupted"
	RunResumed     RunStatus = "resumed"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
	RunCanceled    RunStatus = "canceled"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCanceled:
		return true
	}
	return false
}

var runTransitions = map[RunStatus][]RunStatus{
	RunCreated:     {RunStreaming, RunFailed, RunCanceled},
	RunStreaming:   {RunStreaming, RunInterrupted, RunCompleted, RunFailed, RunCanceled},
	RunInterrupted: {RunResumed, RunCanceled},
	RunResumed:     {RunStreaming, RunFailed, RunCanceled},
}

// CanTransition reports whether a run may move from s to next.
func (s RunStatus) CanTransition(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ToolDisposition tracks how a proposed tool call was resolved.
type ToolDisposition string

const (
	DispositionPending    ToolDisposition = "pending"
	DispositionExecuted   ToolDisposition = "executed"
	DispositionFailed     ToolDisposition = "failed"
	DispositionDenied     ToolDisposition = "denied"
	DispositionSuperseded ToolDisposition = "superseded"
)

// ToolCallRequest is a single tool invocation proposed by the model in one turn.
type ToolCallRequest struct {
	CallID        string          `json:"call_id"`
	ToolName      string          `json:"tool_name"`
	IntegrationID string          `json:"integration_id,omitempty"`
	Arguments     json.RawMessage `json:"arguments"`
	Disposition   ToolDisposition `json:"disposition,omitempty"`
	Decision      ApprovalOutcome `json:"decision,omitempty"`
}

// ToolCall converts the request into the transcript representation.
func (r ToolCallRequest) ToolCall() ToolCall {
	return ToolCall{ID: r.CallID, Name: r.ToolName, Input: r.Arguments}
}

// ApprovalOutcome is the user's answer for one pending call.
type ApprovalOutcome string

const (
	OutcomeDeny                     ApprovalOutcome = "deny"
	OutcomeApproveOnce              ApprovalOutcome = "approve-once"
	OutcomeApproveAlwaysTool        ApprovalOutcome = "approve-always-tool"
	OutcomeApproveAlwaysIntegration ApprovalOutcome = "approve-always-integration"
)

// Valid reports whether o is a known outcome.
func (o ApprovalOutcome) Valid() bool {
	switch o {
	case OutcomeDeny, OutcomeApproveOnce, OutcomeApproveAlwaysTool, OutcomeApproveAlwaysIntegration:
		return true
	}
	return false
}

// Approves reports whether the call should be executed.
func (o ApprovalOutcome) Approves() bool {
	return o == OutcomeApproveOnce || o == OutcomeApproveAlwaysTool || o == OutcomeApproveAlwaysIntegration
}

// ApprovalDecision pairs an outcome with the call it answers.
type ApprovalDecision struct {
	CallID  string          `json:"call_id"`
	Outcome ApprovalOutcome `json:"outcome"`
}

// Checkpoint is the frozen state of an interrupted turn. It is enough to
// continue the run from another process.
type Checkpoint struct {
	Round   int          `json:"round"`
	Results []ToolResult `json:"results,omitempty"`
}

// Run is one execution of an agent against a thread.
type Run struct {
	ID                string            `json:"run_id"`
	ThreadID          string            `json:"thread_id"`
	AgentID           string            `json:"agent_id"`
	OwnerID           string            `json:"owner_id"`
	Status            RunStatus         `json:"status"`
	PendingToolCalls  []ToolCallRequest `json:"pending_tool_calls,omitempty"`
	AccumulatedOutput string            `json:"accumulated_output"`
	Checkpoint        *Checkpoint       `json:"checkpoint,omitempty"`
	ApprovalMode      string            `json:"approval_mode,omitempty"`
	CancelRequested   bool              `json:"cancel_requested,omitempty"`
	FailureCode       string            `json:"failure_code,omitempty"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	InputUnits        int64             `json:"input_units"`
	OutputUnits       int64             `json:"output_units"`
	Cost              float64           `json:"cost"`
	Version           int64             `json:"version"`
	StartedAt         time.Time         `json:"started_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to mutate.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	if r.PendingToolCalls != nil {
		out.PendingToolCalls = make([]ToolCallRequest, len(r.PendingToolCalls))
		copy(out.PendingToolCalls, r.PendingToolCalls)
	}
	if r.Checkpoint != nil {
		cp := *r.Checkpoint
		cp.Results = append([]ToolResult(nil), r.Checkpoint.Results...)
		out.Checkpoint = &cp
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// PendingCall returns the pending call with the given id.
func (r *Run) PendingCall(callID string) (*ToolCallRequest, bool) {
	for i := range r.PendingToolCalls {
		if r.PendingToolCalls[i].CallID == callID {
			return &r.PendingToolCalls[i], true
		}
	}
	return nil, false
}

// Undecided returns the ids of pending calls without a decision yet.
func (r *Run) Undecided() []string {
	var ids []string
	for _, call := range r.PendingToolCalls {
		if call.Decision == "" {
			ids = append(ids, call.CallID)
		}
	}
	return ids
}
