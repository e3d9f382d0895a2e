package ratelimit

import (
	"context"
	"time"

	"github.com/haasonsaas/tollgate/pkg/models"
)

// Window identifies a budget window. End is the window key.
type Window struct {
	Start time.Time
	End   time.Time
}

// Store holds budget windows and the usage ledger. Reserve and Commit must
// each be atomic with respect to concurrent callers for the same owner.
type Store interface {
	// Reserve adds amount to the window's reservation if
	// consumed + reserved + amount <= limit, or unconditionally when limit <= 0.
	// It returns the window state and whether the reservation was taken.
	Reserve(ctx context.Context, ownerID string, w Window, amount, limit float64) (models.BudgetWindow, bool, error)

	// Commit appends event, adds its cost to window w and releases res.
	Commit(ctx context.Context, event models.UsageEvent, w Window, res Reservation) (models.BudgetWindow, error)

	// Release drops res without consuming anything.
	Release(ctx context.Context, res Reservation) error

	// Window returns the state of w, zero-valued if nothing was recorded yet.
	Window(ctx context.Context, ownerID string, w Window) (models.BudgetWindow, error)

	// Events lists ledger entries newest first.
	Events(ctx context.Context, ownerID string, since time.Time, limit int) ([]models.UsageEvent, error)

	// Prune deletes windows that ended at or before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}
