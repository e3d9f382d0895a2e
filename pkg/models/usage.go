package models

import "time"

// UsageEvent is one append-only ledger entry.
type UsageEvent struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	RunID       string    `json:"run_id"`
	Provider    string    `json:"provider,omitempty"`
	Model       string    `json:"model,omitempty"`
	InputUnits  int64     `json:"input_units"`
	OutputUnits int64     `json:"output_units"`
	Cost        float64   `json:"cost"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// BudgetWindow is the owner's consumption inside the current reset window.
type BudgetWindow struct {
	OwnerID     string    `json:"owner_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Consumed    float64   `json:"consumed"`
	Reserved    float64   `json:"reserved"`
	Limit       float64   `json:"limit"`
}

// Remaining returns how much budget is left, never negative.
func (w BudgetWindow) Remaining() float64 {
	left := w.Limit - w.Consumed - w.Reserved
	if left < 0 {
		return 0
	}
	return left
}

// ResetAt is when the window rolls over.
func (w BudgetWindow) ResetAt() time.Time {
	return w.WindowEnd
}
