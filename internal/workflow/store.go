package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/tollgate/internal/storage"
)

// TaskStore persists workflow tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, task *Task) error
	ListTasks(ctx context.Context, opts ListOptions) ([]*Task, error)
}

// ListOptions filters ListTasks. Zero values match everything.
type ListOptions struct {
	OwnerID  string
	Statuses []TaskStatus
	Limit    int
}

func (o ListOptions) matches(t *Task) bool {
	if o.OwnerID != "" && t.OwnerID != o.OwnerID {
		return false
	}
	if len(o.Statuses) == 0 {
		return true
	}
	for _, s := range o.Statuses {
		if t.Status == s {
			return true
		}
	}
	return false
}

// MemoryStore is an in-process TaskStore.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

func (s *MemoryStore) CreateTask(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTask)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return fmt.Errorf("task %s: %w", task.ID, storage.ErrAlreadyExists)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, storage.ErrNotFound)
	}
	return task.Clone(), nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return fmt.Errorf("task %s: %w", task.ID, storage.ErrNotFound)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, opts ListOptions) ([]*Task, error) {
	s.mu.RLock()
	var out []*Task
	for _, t := range s.tasks {
		if opts.matches(t) {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// SQLStore implements TaskStore on the shared database.
type SQLStore struct {
	db *storage.DB
}

func NewSQLStore(db *storage.DB) *SQLStore {
	return &SQLStore{db: db}
}

const taskColumns = `id, workflow_id, owner_id, task_type, agent_id, thread_id, config, status,
	run_id, output, error, created_at, updated_at, completed_at`

func (s *SQLStore) CreateTask(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTask)
	}
	config, err := json.Marshal(task.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal task config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		task.ID, task.WorkflowID, task.OwnerID, task.TaskType, task.AgentID, task.ThreadID, string(config),
		string(task.Status), task.RunID, task.Output, task.Error,
		task.CreatedAt.UTC(), task.UpdatedAt.UTC(), nullTime(task.CompletedAt),
	)
	if storage.IsUniqueViolation(err) {
		return fmt.Errorf("task %s: %w", task.ID, storage.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM workflow_tasks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

func (s *SQLStore) UpdateTask(ctx context.Context, task *Task) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_tasks SET
			thread_id = $1, status = $2, run_id = $3, output = $4, error = $5,
			updated_at = $6, completed_at = $7
		WHERE id = $8`,
		task.ThreadID, string(task.Status), task.RunID, task.Output, task.Error,
		task.UpdatedAt.UTC(), nullTime(task.CompletedAt), task.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", task.ID, storage.ErrNotFound)
	}
	return nil
}

func (s *SQLStore) ListTasks(ctx context.Context, opts ListOptions) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM workflow_tasks WHERE ($1 = '' OR owner_id = $1)`
	args := []any{opts.OwnerID}
	if len(opts.Statuses) > 0 {
		query += ` AND status IN (`
		for i, status := range opts.Statuses {
			if i > 0 {
				query += `, `
			}
			args = append(args, string(status))
			query += fmt.Sprintf("$%d", len(args))
		}
		query += `)`
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	task := &Task{}
	var (
		status      string
		config      []byte
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&task.ID, &task.WorkflowID, &task.OwnerID, &task.TaskType, &task.AgentID, &task.ThreadID, &config, &status,
		&task.RunID, &task.Output, &task.Error, &task.CreatedAt, &task.UpdatedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	task.Status = TaskStatus(status)
	if len(config) > 0 {
		if err := json.Unmarshal(config, &task.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task config: %w", err)
		}
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	return task, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
