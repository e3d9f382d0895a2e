// Package workflow runs workflow tasks as agent runs and mirrors each run's
// outcome back onto its task.
package workflow

import (
	"errors"
	"time"

	"github.com/haasonsaas/tollgate/pkg/models"
)

// TaskTypeAgent is the only task type the bridge executes.
const TaskTypeAgent = "agent"

var (
	ErrInvalidTask         = errors.New("invalid task")
	ErrUnsupportedTaskType = errors.New("unsupported task type")
)

// TaskStatus is the workflow-facing view of a run's status.
type TaskStatus string

const (
	TaskPending          TaskStatus = "pending"
	TaskAwaitingApproval TaskStatus = "awaiting_approval"
	TaskCompleted        TaskStatus = "completed"
	TaskFailed           TaskStatus = "failed"
	TaskCanceled         TaskStatus = "canceled"
)

// IsTerminal reports whether the task can no longer change.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCanceled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskAwaitingApproval, TaskCompleted, TaskFailed, TaskCanceled:
		return true
	}
	return false
}

// StatusForRun maps a run status onto the task status that mirrors it.
func StatusForRun(status models.RunStatus) TaskStatus {
	switch status {
	case models.RunInterrupted:
		return TaskAwaitingApproval
	case models.RunCompleted:
		return TaskCompleted
	case models.RunFailed:
		return TaskFailed
	case models.RunCanceled:
		return TaskCanceled
	default:
		return TaskPending
	}
}

// TaskConfig is the task input.
type TaskConfig struct {
	Prompt string `json:"prompt"`
}

// Task is one unit of workflow work executed as an agent run.
type Task struct {
	ID         string     `json:"id"`
	WorkflowID string     `json:"workflow_id"`
	OwnerID    string     `json:"owner_id"`
	TaskType   string     `json:"task_type"`
	AgentID    string     `json:"agent_id"`
	Config     TaskConfig `json:"config"`

	Status   TaskStatus `json:"status"`
	ThreadID string     `json:"thread_id,omitempty"`
	RunID    string     `json:"run_id,omitempty"`
	Output   string     `json:"output,omitempty"`
	Error    string     `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a copy safe to hand to another goroutine.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// applyRun mirrors run onto the task. It reports whether anything changed.
func (t *Task) applyRun(run *models.Run, now time.Time) bool {
	status := StatusForRun(run.Status)
	errText := run.FailureReason
	if status == TaskCanceled && errText == "" {
		errText = "run canceled"
	}
	changed := status != t.Status || t.Output != run.AccumulatedOutput || t.Error != errText
	t.Status = status
	t.Output = run.AccumulatedOutput
	t.Error = errText
	if status.IsTerminal() && t.CompletedAt == nil {
		at := now
		if run.CompletedAt != nil {
			at = *run.CompletedAt
		}
		t.CompletedAt = &at
		changed = true
	}
	return changed
}
