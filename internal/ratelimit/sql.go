package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/tollgate/internal/storage"
	"github.com/haasonsaas/tollgate/pkg/models"
)

// SQLStore keeps budget windows and the ledger in Postgres/CockroachDB or
// SQLite. Admission is a single conditional upsert, so the check and the
// reservation happen in one statement.
type SQLStore struct {
	db *storage.DB
}

// NewSQLStore creates a store over db. The schema comes from storage.Migrate.
func NewSQLStore(db *storage.DB) *SQLStore {
	return &SQLStore{db: db}
}

const (
	reserveLimitedSQL = `
		INSERT INTO budget_windows (owner_id, window_end, window_start, consumed, reserved, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5)
		ON CONFLICT (owner_id, window_end) DO UPDATE
		SET reserved = budget_windows.reserved + excluded.reserved,
		    updated_at = excluded.updated_at
		WHERE budget_windows.consumed + budget_windows.reserved + excluded.reserved <= $6
		RETURNING consumed, reserved`

	reserveUnlimitedSQL = `
		INSERT INTO budget_windows (owner_id, window_end, window_start, consumed, reserved, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5)
		ON CONFLICT (owner_id, window_end) DO UPDATE
		SET reserved = budget_windows.reserved + excluded.reserved,
		    updated_at = excluded.updated_at
		RETURNING consumed, reserved`

	consumeSQL = `
		INSERT INTO budget_windows (owner_id, window_end, window_start, consumed, reserved, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5)
		ON CONFLICT (owner_id, window_end) DO UPDATE
		SET consumed = budget_windows.consumed + excluded.consumed,
		    updated_at = excluded.updated_at
		RETURNING consumed, reserved`

	releaseSQL = `
		UPDATE budget_windows
		SET reserved = CASE WHEN reserved > $3 THEN reserved - $3 ELSE 0 END,
		    updated_at = $4
		WHERE owner_id = $1 AND window_end = $2`

	insertEventSQL = `
		INSERT INTO usage_events (id, owner_id, run_id, provider, model, input_units, output_units, cost, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	selectWindowSQL = `
		SELECT consumed, reserved FROM budget_windows
		WHERE owner_id = $1 AND window_end = $2`

	selectEventsSQL = `
		SELECT id, owner_id, run_id, provider, model, input_units, output_units, cost, occurred_at
		FROM usage_events
		WHERE owner_id = $1 AND occurred_at >= $2
		ORDER BY occurred_at DESC
		LIMIT $3`
)

func (s *SQLStore) Reserve(ctx context.Context, ownerID string, w Window, amount, limit float64) (models.BudgetWindow, bool, error) {
	state := models.BudgetWindow{OwnerID: ownerID, WindowStart: w.Start, WindowEnd: w.End}

	// A fresh window takes the insert path, which has no WHERE clause.
	if limit > 0 && amount > limit {
		current, err := s.Window(ctx, ownerID, w)
		return current, false, err
	}

	query, args := reserveUnlimitedSQL, []any{ownerID, w.End.UTC(), w.Start.UTC(), amount, time.Now().UTC()}
	if limit > 0 {
		query = reserveLimitedSQL
		args = append(args, limit)
	}
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&state.Consumed, &state.Reserved)
	if errors.Is(err, sql.ErrNoRows) {
		current, werr := s.Window(ctx, ownerID, w)
		return current, false, werr
	}
	if err != nil {
		return state, false, fmt.Errorf("failed to reserve budget: %w", err)
	}
	return state, true, nil
}

func (s *SQLStore) Commit(ctx context.Context, event models.UsageEvent, w Window, res Reservation) (models.BudgetWindow, error) {
	state := models.BudgetWindow{OwnerID: event.OwnerID, WindowStart: w.Start, WindowEnd: w.End}
	now := time.Now().UTC()
	err := s.db.InTx(ctx, func(tx *storage.Tx) error {
		if _, err := tx.ExecContext(ctx, insertEventSQL,
			event.ID,
			event.OwnerID,
			event.RunID,
			event.Provider,
			event.Model,
			event.InputUnits,
			event.OutputUnits,
			event.Cost,
			event.OccurredAt.UTC(),
		); err != nil {
			return fmt.Errorf("failed to append usage event: %w", err)
		}
		if res.Amount > 0 {
			if _, err := tx.ExecContext(ctx, releaseSQL, res.OwnerID, res.WindowEnd.UTC(), res.Amount, now); err != nil {
				return fmt.Errorf("failed to release reservation: %w", err)
			}
		}
		if err := tx.QueryRowContext(ctx, consumeSQL,
			event.OwnerID, w.End.UTC(), w.Start.UTC(), event.Cost, now,
		).Scan(&state.Consumed, &state.Reserved); err != nil {
			return fmt.Errorf("failed to add consumption: %w", err)
		}
		return nil
	})
	return state, err
}

func (s *SQLStore) Release(ctx context.Context, res Reservation) error {
	if _, err := s.db.ExecContext(ctx, releaseSQL, res.OwnerID, res.WindowEnd.UTC(), res.Amount, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	return nil
}

func (s *SQLStore) Window(ctx context.Context, ownerID string, w Window) (models.BudgetWindow, error) {
	state := models.BudgetWindow{OwnerID: ownerID, WindowStart: w.Start, WindowEnd: w.End}
	err := s.db.QueryRowContext(ctx, selectWindowSQL, ownerID, w.End.UTC()).Scan(&state.Consumed, &state.Reserved)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("failed to load budget window: %w", err)
	}
	return state, nil
}

func (s *SQLStore) Events(ctx context.Context, ownerID string, since time.Time, limit int) ([]models.UsageEvent, error) {
	rows, err := s.db.QueryContext(ctx, selectEventsSQL, ownerID, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage events: %w", err)
	}
	defer rows.Close()

	var events []models.UsageEvent
	for rows.Next() {
		var ev models.UsageEvent
		if err := rows.Scan(&ev.ID, &ev.OwnerID, &ev.RunID, &ev.Provider, &ev.Model,
			&ev.InputUnits, &ev.OutputUnits, &ev.Cost, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM budget_windows WHERE window_end <= $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune budget windows: %w", err)
	}
	return result.RowsAffected()
}
