package models

import (
	"encoding/json"
	"time"
)

// EventKind labels a frame on a run's event stream.
type EventKind string

const (
	EventMessageDelta     EventKind = "message-delta"
	EventToolCallProposed EventKind = "tool-call-proposed"
	EventToolCallResult   EventKind = "tool-call-result"
	EventInterrupt        EventKind = "interrupt"
	EventUsageUpdate      EventKind = "usage-update"
	EventRateLimit        EventKind = "rate-limit"
	EventStatus           EventKind = "status"
	EventError            EventKind = "error"
	EventHeartbeat        EventKind = "heartbeat"
	EventEnd              EventKind = "end"
)

// Closes reports whether a subscription ends after this kind.
func (k EventKind) Closes() bool {
	return k == EventEnd
}

// StreamEvent is one ordered event produced by a run.
type StreamEvent struct {
	Kind     EventKind       `json:"kind"`
	RunID    string          `json:"run_id"`
	Sequence uint64          `json:"seq"`
	Time     time.Time       `json:"time"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// DeltaPayload carries a chunk of assistant text.
type DeltaPayload struct {
	Text string `json:"text"`
}

// ToolCallPayload announces a proposed call and how it was classified.
type ToolCallPayload struct {
	Call         ToolCallRequest `json:"call"`
	AutoApproved bool            `json:"auto_approved"`
}

// ToolResultPayload reports the outcome of one executed or denied call.
type ToolResultPayload struct {
	CallID      string          `json:"call_id"`
	ToolName    string          `json:"tool_name"`
	Disposition ToolDisposition `json:"disposition"`
	Content     string          `json:"content"`
	IsError     bool            `json:"is_error,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
}

// InterruptPayload always carries the full pending list.
type InterruptPayload struct {
	PendingToolCalls []ToolCallRequest `json:"pending_tool_calls"`
}

// UsagePayload reports metered consumption for one turn.
type UsagePayload struct {
	InputUnits  int64     `json:"input_units"`
	OutputUnits int64     `json:"output_units"`
	Cost        float64   `json:"cost"`
	Consumed    float64   `json:"consumed"`
	Limit       float64   `json:"limit"`
	ResetAt     time.Time `json:"reset_at"`
}

// RateLimitPayload is sent when admission for the next turn is refused.
type RateLimitPayload struct {
	Reason  string    `json:"reason"`
	ResetAt time.Time `json:"reset_at"`
}

// StatusPayload reports a run status transition.
type StatusPayload struct {
	Status RunStatus `json:"status"`
}

// ErrorPayload carries a failure code and human-readable reason.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EndPayload closes the stream with the run's status at that moment.
type EndPayload struct {
	Status RunStatus `json:"status"`
}

// NewStreamEvent marshals payload into an event. Marshal errors fall back to an empty payload.
func NewStreamEvent(runID string, kind EventKind, payload any) StreamEvent {
	ev := StreamEvent{Kind: kind, RunID: runID, Time: time.Now()}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}

// Decode unmarshals the payload into v.
func (e StreamEvent) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}
