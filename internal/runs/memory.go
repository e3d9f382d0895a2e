package runs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/tollgate/internal/storage"
	"github.com/haasonsaas/tollgate/pkg/models"
)

// maxMessagesPerThread bounds transcript growth in memory.
const maxMessagesPerThread = 1000

// MemoryStore provides an in-memory Store implementation for testing and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]*models.Thread
	messages map[string][]*models.Message
	runs     map[string]*models.Run
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  map[string]*models.Thread{},
		messages: map[string][]*models.Message{},
		runs:     map[string]*models.Run{},
	}
}

func (m *MemoryStore) CreateThread(ctx context.Context, thread *models.Thread) error {
	if thread == nil {
		return errors.New("thread is required")
	}
	if thread.ID == "" {
		thread.ID = uuid.NewString()
	}
	now := time.Now()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = now
	}
	thread.UpdatedAt = thread.CreatedAt

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.threads[thread.ID]; exists {
		return fmt.Errorf("thread %s: %w", thread.ID, storage.ErrAlreadyExists)
	}
	clone := *thread
	clone.Metadata = cloneMetadata(thread.Metadata)
	m.threads[thread.ID] = &clone
	return nil
}

func (m *MemoryStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	thread, ok := m.threads[id]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", id, storage.ErrNotFound)
	}
	clone := *thread
	clone.Metadata = cloneMetadata(thread.Metadata)
	return &clone, nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	prepareMessage(msg)

	m.mu.Lock()
	defer m.mu.Unlock()
	thread, ok := m.threads[msg.ThreadID]
	if !ok {
		return fmt.Errorf("thread %s: %w", msg.ThreadID, storage.ErrNotFound)
	}
	thread.UpdatedAt = msg.CreatedAt

	clone := cloneMessage(msg)
	msgs := append(m.messages[msg.ThreadID], clone)
	if len(msgs) > maxMessagesPerThread {
		msgs = msgs[len(msgs)-maxMessagesPerThread:]
	}
	m.messages[msg.ThreadID] = msgs
	return nil
}

func (m *MemoryStore) History(ctx context.Context, threadID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.threads[threadID]; !ok {
		return nil, fmt.Errorf("thread %s: %w", threadID, storage.ErrNotFound)
	}
	msgs := m.messages[threadID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*models.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = cloneMessage(msg)
	}
	return out, nil
}

func (m *MemoryStore) CreateRun(ctx context.Context, run *models.Run) error {
	if run == nil {
		return errors.New("run is required")
	}
	prepareRun(run)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[run.ThreadID]; !ok {
		return fmt.Errorf("thread %s: %w", run.ThreadID, storage.ErrNotFound)
	}
	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("run %s: %w", run.ID, storage.ErrAlreadyExists)
	}
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	return run.Clone(), nil
}

func (m *MemoryStore) UpdateRun(ctx context.Context, run *models.Run, expectedVersion int64) error {
	if run == nil {
		return errors.New("run is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.runs[run.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", run.ID, storage.ErrNotFound)
	}
	if existing.Version != expectedVersion {
		return fmt.Errorf("run %s at version %d, expected %d: %w", run.ID, existing.Version, expectedVersion, storage.ErrConflict)
	}
	run.Version = expectedVersion + 1
	run.UpdatedAt = time.Now()
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *MemoryStore) ListRuns(ctx context.Context, opts ListOptions) ([]*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Run
	for _, run := range m.runs {
		if opts.matches(run) {
			out = append(out, run.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func prepareMessage(msg *models.Message) {
	if msg.ID == "" {
		// v7 ids sort by creation time, which keeps ties on created_at stable.
		if id, err := uuid.NewV7(); err == nil {
			msg.ID = id.String()
		} else {
			msg.ID = uuid.NewString()
		}
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
}

func prepareRun(run *models.Run) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	now := time.Now()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	if run.Status == "" {
		run.Status = models.RunCreated
	}
	run.UpdatedAt = now
	run.Version = 1
}

func cloneMessage(msg *models.Message) *models.Message {
	clone := *msg
	clone.ToolCalls = append([]models.ToolCall(nil), msg.ToolCalls...)
	clone.ToolResults = append([]models.ToolResult(nil), msg.ToolResults...)
	return &clone
}

func cloneMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
