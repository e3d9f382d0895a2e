package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/tollgate/internal/storage"
	"github.com/haasonsaas/tollgate/pkg/models"
)

// SQLStore implements Store on Postgres/CockroachDB or SQLite.
type SQLStore struct {
	db *storage.DB
}

// NewSQLStore creates a store over db. The schema comes from storage.Migrate.
func NewSQLStore(db *storage.DB) *SQLStore {
	return &SQLStore{db: db}
}

const runColumns = `id, thread_id, agent_id, owner_id, status, pending_tool_calls, accumulated_output,
	checkpoint, approval_mode, cancel_requested, failure_code, failure_reason,
	input_units, output_units, cost, version, started_at, updated_at, completed_at`

func (s *SQLStore) CreateThread(ctx context.Context, thread *models.Thread) error {
	if thread == nil {
		return errors.New("thread is required")
	}
	if thread.ID == "" {
		return fmt.Errorf("thread ID is required")
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now()
	}
	thread.UpdatedAt = thread.CreatedAt

	metadata, err := nullJSON(thread.Metadata, len(thread.Metadata) == 0)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (id, owner_id, agent_id, title, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		thread.ID, thread.OwnerID, thread.AgentID, thread.Title, metadata,
		thread.CreatedAt.UTC(), thread.UpdatedAt.UTC(),
	)
	if storage.IsUniqueViolation(err) {
		return fmt.Errorf("thread %s: %w", thread.ID, storage.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}
	return nil
}

func (s *SQLStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	thread := &models.Thread{}
	var metadata []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, agent_id, title, metadata, created_at, updated_at
		FROM threads WHERE id = $1`, id,
	).Scan(&thread.ID, &thread.OwnerID, &thread.AgentID, &thread.Title, &metadata, &thread.CreatedAt, &thread.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &thread.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return thread, nil
}

func (s *SQLStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	prepareMessage(msg)

	toolCalls, err := nullJSON(msg.ToolCalls, len(msg.ToolCalls) == 0)
	if err != nil {
		return fmt.Errorf("failed to marshal tool calls: %w", err)
	}
	toolResults, err := nullJSON(msg.ToolResults, len(msg.ToolResults) == 0)
	if err != nil {
		return fmt.Errorf("failed to marshal tool results: %w", err)
	}

	return s.db.InTx(ctx, func(tx *storage.Tx) error {
		result, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at = $1 WHERE id = $2`, msg.CreatedAt.UTC(), msg.ThreadID)
		if err != nil {
			return fmt.Errorf("failed to touch thread: %w", err)
		}
		if rows, err := result.RowsAffected(); err == nil && rows == 0 {
			return fmt.Errorf("thread %s: %w", msg.ThreadID, storage.ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, thread_id, run_id, role, content, tool_calls, tool_results, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			msg.ID, msg.ThreadID, msg.RunID, string(msg.Role), msg.Content, toolCalls, toolResults, msg.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("failed to append message: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) History(ctx context.Context, threadID string, limit int) ([]*models.Message, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = maxMessagesPerThread
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, run_id, role, content, tool_calls, tool_results, created_at
		FROM messages WHERE thread_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var role string
		var toolCalls, toolResults []byte
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.RunID, &role, &msg.Content, &toolCalls, &toolResults, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = models.Role(role)
		if len(toolCalls) > 0 {
			if err := json.Unmarshal(toolCalls, &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
			}
		}
		if len(toolResults) > 0 {
			if err := json.Unmarshal(toolResults, &msg.ToolResults); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tool results: %w", err)
			}
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	// Query is newest first; callers want chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLStore) CreateRun(ctx context.Context, run *models.Run) error {
	if run == nil {
		return errors.New("run is required")
	}
	prepareRun(run)
	args, err := runArgs(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		args...,
	)
	if storage.IsUniqueViolation(err) {
		return fmt.Errorf("run %s: %w", run.ID, storage.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// UpdateRun writes every mutable column guarded by the version the caller read.
func (s *SQLStore) UpdateRun(ctx context.Context, run *models.Run, expectedVersion int64) error {
	if run == nil {
		return errors.New("run is required")
	}
	pending, err := nullJSON(run.PendingToolCalls, len(run.PendingToolCalls) == 0)
	if err != nil {
		return fmt.Errorf("failed to marshal pending tool calls: %w", err)
	}
	checkpoint, err := nullJSON(run.Checkpoint, run.Checkpoint == nil)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	now := time.Now()

	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			status = $1, pending_tool_calls = $2, accumulated_output = $3, checkpoint = $4,
			approval_mode = $5, cancel_requested = $6, failure_code = $7, failure_reason = $8,
			input_units = $9, output_units = $10, cost = $11, completed_at = $12,
			updated_at = $13, version = $14
		WHERE id = $15 AND version = $16`,
		string(run.Status), pending, run.AccumulatedOutput, checkpoint,
		run.ApprovalMode, run.CancelRequested, run.FailureCode, run.FailureReason,
		run.InputUnits, run.OutputUnits, run.Cost, nullTime(run.CompletedAt),
		now.UTC(), expectedVersion+1,
		run.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Either the run is gone or someone else bumped the version.
		if _, gerr := s.GetRun(ctx, run.ID); gerr != nil {
			return gerr
		}
		return fmt.Errorf("run %s expected version %d: %w", run.ID, expectedVersion, storage.ErrConflict)
	}
	run.Version = expectedVersion + 1
	run.UpdatedAt = now
	return nil
}

func (s *SQLStore) ListRuns(ctx context.Context, opts ListOptions) ([]*models.Run, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE ($1 = '' OR owner_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY started_at DESC, id
		LIMIT $3`, opts.OwnerID, string(opts.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	run := &models.Run{}
	var (
		status      string
		pending     []byte
		checkpoint  []byte
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&run.ID, &run.ThreadID, &run.AgentID, &run.OwnerID, &status, &pending, &run.AccumulatedOutput,
		&checkpoint, &run.ApprovalMode, &run.CancelRequested, &run.FailureCode, &run.FailureReason,
		&run.InputUnits, &run.OutputUnits, &run.Cost, &run.Version, &run.StartedAt, &run.UpdatedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	if len(pending) > 0 {
		if err := json.Unmarshal(pending, &run.PendingToolCalls); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending tool calls: %w", err)
		}
	}
	if len(checkpoint) > 0 {
		run.Checkpoint = &models.Checkpoint{}
		if err := json.Unmarshal(checkpoint, run.Checkpoint); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
		}
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return run, nil
}

func runArgs(run *models.Run) ([]any, error) {
	pending, err := nullJSON(run.PendingToolCalls, len(run.PendingToolCalls) == 0)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pending tool calls: %w", err)
	}
	checkpoint, err := nullJSON(run.Checkpoint, run.Checkpoint == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return []any{
		run.ID, run.ThreadID, run.AgentID, run.OwnerID, string(run.Status), pending, run.AccumulatedOutput,
		checkpoint, run.ApprovalMode, run.CancelRequested, run.FailureCode, run.FailureReason,
		run.InputUnits, run.OutputUnits, run.Cost, run.Version, run.StartedAt.UTC(), run.UpdatedAt.UTC(),
		nullTime(run.CompletedAt),
	}, nil
}

// nullJSON marshals v, or returns SQL NULL when empty is set.
func nullJSON(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
