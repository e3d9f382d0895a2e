// Package ratelimit gates model turns against per-owner cost budgets and
// throttles raw request rates.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/tollgate/internal/observability"
	"github.com/haasonsaas/tollgate/internal/usage"
	"github.com/haasonsaas/tollgate/pkg/models"
)

// ErrBudgetExceeded is matched by every admission denial.
var ErrBudgetExceeded = errors.New("budget exceeded")

// DeniedError explains why admission was refused and when to retry.
type DeniedError struct {
	OwnerID   string
	Reason    string
	ResetAt   time.Time
	Consumed  float64
	Reserved  float64
	Limit     float64
	Requested float64
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("budget exceeded: %s (resets at %s)", e.Reason, e.ResetAt.Format(time.RFC3339))
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrBudgetExceeded
}

// Reservation is the estimate held against a window between admission and recording.
type Reservation struct {
	OwnerID   string    `json:"owner_id"`
	WindowEnd time.Time `json:"window_end"`
	Amount    float64   `json:"amount"`
}

// LimitFunc returns the budget limit for an owner. Zero or less means unlimited.
type LimitFunc func(ownerID string) float64

// StaticLimit applies the same limit to everyone.
func StaticLimit(limit float64) LimitFunc {
	return func(string) float64 { return limit }
}

// Config wires a Limiter.
type Config struct {
	Store    Store
	Schedule *usage.WindowSchedule
	Limits   LimitFunc
	Metrics  *observability.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

// Limiter is the admission gate. Admit reserves an estimate atomically so
// that concurrent admissions for one owner can overshoot the limit by at most
// the estimates they reserved. Record converts a reservation into actual
// consumption in a single store operation.
type Limiter struct {
	store    Store
	schedule *usage.WindowSchedule
	limits   LimitFunc
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewLimiter creates a limiter. Missing fields get an in-memory store, a
// daily UTC schedule and no limit.
func NewLimiter(cfg Config) *Limiter {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Schedule == nil {
		cfg.Schedule = usage.MustWindowSchedule("0 0 * * *", "UTC")
	}
	if cfg.Limits == nil {
		cfg.Limits = StaticLimit(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Limiter{
		store:    cfg.Store,
		schedule: cfg.Schedule,
		limits:   cfg.Limits,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With("component", "ratelimit"),
		now:      cfg.Now,
	}
}

func (l *Limiter) window(now time.Time) Window {
	start, end := l.schedule.Bounds(now)
	return Window{Start: start, End: end}
}

// Admit reserves estimate against the owner's current window or returns a
// *DeniedError when consumed + reserved + estimate would exceed the limit.
func (l *Limiter) Admit(ctx context.Context, ownerID string, estimate float64) (Reservation, error) {
	if ownerID == "" {
		return Reservation{}, fmt.Errorf("owner id is required")
	}
	if estimate < 0 {
		estimate = 0
	}
	w := l.window(l.now())
	limit := l.limits(ownerID)

	state, ok, err := l.store.Reserve(ctx, ownerID, w, estimate, limit)
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve budget: %w", err)
	}
	if !ok {
		l.metrics.RecordAdmission("denied")
		denied := &DeniedError{
			OwnerID:   ownerID,
			ResetAt:   w.End,
			Consumed:  state.Consumed,
			Reserved:  state.Reserved,
			Limit:     limit,
			Requested: estimate,
			Reason: fmt.Sprintf("budget of %s exhausted: %s used, %s reserved, %s requested",
				usage.FormatUSD(limit), usage.FormatUSD(state.Consumed), usage.FormatUSD(state.Reserved), usage.FormatUSD(estimate)),
		}
		l.logger.InfoContext(ctx, "admission denied",
			"owner_id", ownerID,
			"consumed", state.Consumed,
			"reserved", state.Reserved,
			"limit", limit,
			"reset_at", w.End,
		)
		return Reservation{}, denied
	}
	l.metrics.RecordAdmission("allowed")
	return Reservation{OwnerID: ownerID, WindowEnd: w.End, Amount: estimate}, nil
}

// Record appends a usage event, adds its cost to the current window and
// releases the reservation, all in one store operation.
func (l *Limiter) Record(ctx context.Context, res Reservation, event models.UsageEvent) (models.BudgetWindow, error) {
	if event.OwnerID == "" {
		event.OwnerID = res.OwnerID
	}
	if event.OwnerID == "" {
		return models.BudgetWindow{}, fmt.Errorf("owner id is required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = l.now()
	}
	event.OccurredAt = event.OccurredAt.UTC()

	state, err := l.store.Commit(ctx, event, l.window(event.OccurredAt), res)
	if err != nil {
		return models.BudgetWindow{}, fmt.Errorf("record usage: %w", err)
	}
	state.Limit = l.limits(event.OwnerID)
	l.metrics.RecordUsage(event.InputUnits, event.OutputUnits, event.Cost)
	return state, nil
}

// Release returns an unused reservation, e.g. when a turn never reached the provider.
func (l *Limiter) Release(ctx context.Context, res Reservation) error {
	if res.Amount <= 0 {
		return nil
	}
	if err := l.store.Release(ctx, res); err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

// Usage reports the owner's consumption in the current window.
func (l *Limiter) Usage(ctx context.Context, ownerID string) (models.BudgetWindow, error) {
	w := l.window(l.now())
	state, err := l.store.Window(ctx, ownerID, w)
	if err != nil {
		return models.BudgetWindow{}, fmt.Errorf("load budget window: %w", err)
	}
	state.Limit = l.limits(ownerID)
	return state, nil
}

// Events lists the owner's ledger entries since a point in time, newest first.
func (l *Limiter) Events(ctx context.Context, ownerID string, since time.Time, limit int) ([]models.UsageEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.store.Events(ctx, ownerID, since, limit)
}

// Prune drops windows that ended before the current one started.
func (l *Limiter) Prune(ctx context.Context) (int64, error) {
	w := l.window(l.now())
	return l.store.Prune(ctx, w.Start)
}
