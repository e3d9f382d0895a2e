package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/tollgate/internal/agent"
	"github.com/haasonsaas/tollgate/internal/config"
	"github.com/haasonsaas/tollgate/internal/observability"
	"github.com/haasonsaas/tollgate/internal/stream"
	"github.com/haasonsaas/tollgate/pkg/models"
)

// Runner starts and inspects agent runs. *agent.Engine implements it.
type Runner interface {
	Start(ctx context.Context, req agent.StartRequest) (*models.Run, *stream.Subscription, error)
	Get(ctx context.Context, runID, ownerID string) (*models.Run, error)
}

// ThreadCreator opens the thread a task's run executes on.
type ThreadCreator interface {
	CreateThread(ctx context.Context, thread *models.Thread) error
}

// ApprovalMode maps a workflow policy onto the run's approval mode. Only
// block lets the run interrupt and wait for a person.
func ApprovalMode(policy config.ApprovalPolicy) agent.ApprovalMode {
	switch policy {
	case config.PolicyApproveAll:
		return agent.ApprovalApproveAll
	case config.PolicyBlock:
		return agent.ApprovalInteractive
	default:
		return agent.ApprovalDenyUntrusted
	}
}

// BridgeConfig wires a Bridge.
type BridgeConfig struct {
	Runner    Runner
	Threads   ThreadCreator
	Tasks     TaskStore
	Workflows []config.WorkflowConfig
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Bridge executes workflow tasks as runs and keeps each task's status in
// step with its run.
type Bridge struct {
	runner    Runner
	threads   ThreadCreator
	tasks     TaskStore
	workflows map[string]config.WorkflowConfig
	metrics   *observability.Metrics
	logger    *slog.Logger
	now       func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewBridge creates a bridge.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Runner == nil || cfg.Threads == nil || cfg.Tasks == nil {
		return nil, errors.New("workflow bridge requires a runner, thread store and task store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	workflows := make(map[string]config.WorkflowConfig, len(cfg.Workflows))
	for _, wf := range cfg.Workflows {
		workflows[wf.ID] = wf
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Bridge{
		runner:    cfg.Runner,
		threads:   cfg.Threads,
		tasks:     cfg.Tasks,
		workflows: workflows,
		metrics:   cfg.Metrics,
		logger:    logger.With("component", "workflow-bridge"),
		now:       now,
		baseCtx:   ctx,
		stop:      stop,
	}, nil
}

// Submit starts task's run and returns immediately. The task settles in the
// background once the run's first segment ends.
func (b *Bridge) Submit(ctx context.Context, task *Task) (*Task, error) {
	task, sub, err := b.start(ctx, task)
	if err != nil || sub == nil {
		return task, err
	}
	out := task.Clone()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if _, err := b.await(b.baseCtx, task, sub); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("failed to settle task", "task_id", task.ID, "error", err)
		}
	}()
	return out, nil
}

// Execute runs task and blocks until the run completes, fails, is canceled
// or stops for approval.
func (b *Bridge) Execute(ctx context.Context, task *Task) (*Task, error) {
	task, sub, err := b.start(ctx, task)
	if err != nil || sub == nil {
		return task, err
	}
	return b.await(ctx, task, sub)
}

// Get returns a task owned by ownerID.
func (b *Bridge) Get(ctx context.Context, taskID, ownerID string) (*Task, error) {
	task, err := b.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && task.OwnerID != ownerID {
		return nil, fmt.Errorf("task %s: %w", taskID, agent.ErrNotFound)
	}
	return task, nil
}

// List returns tasks matching opts.
func (b *Bridge) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	return b.tasks.ListTasks(ctx, opts)
}

// Reconcile re-reads a task's run and mirrors its current status. Tasks left
// awaiting approval pick up the outcome once someone resumes the run.
func (b *Bridge) Reconcile(ctx context.Context, taskID string) (*Task, error) {
	task, err := b.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() || task.RunID == "" {
		return task, nil
	}
	return task, b.settle(ctx, task)
}

// ReconcileOpen reconciles every task that is not yet terminal and returns
// how many changed status.
func (b *Bridge) ReconcileOpen(ctx context.Context) (int, error) {
	open, err := b.tasks.ListTasks(ctx, ListOptions{Statuses: []TaskStatus{TaskPending, TaskAwaitingApproval}, Limit: 500})
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, task := range open {
		if task.RunID == "" {
			continue
		}
		before := task.Status
		if err := b.settle(ctx, task); err != nil {
			b.logger.Warn("reconcile failed", "task_id", task.ID, "run_id", task.RunID, "error", err)
			continue
		}
		if task.Status != before {
			changed++
		}
	}
	return changed, nil
}

// RunReconciler calls ReconcileOpen every interval until ctx is done.
func (b *Bridge) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := b.ReconcileOpen(ctx); err != nil {
				b.logger.Warn("reconcile pass failed", "error", err)
			} else if n > 0 {
				b.logger.Info("reconciled workflow tasks", "changed", n)
			}
		}
	}
}

// Close stops background settlement and waits for it to exit. Unsettled
// tasks stay pending until the next reconcile.
func (b *Bridge) Close() {
	b.stop()
	b.wg.Wait()
}

func (b *Bridge) start(ctx context.Context, in *Task) (*Task, *stream.Subscription, error) {
	task, wf, err := b.prepare(in)
	if err != nil {
		return nil, nil, err
	}
	ctx = observability.WithTaskID(ctx, task.ID)
	if err := b.tasks.CreateTask(ctx, task); err != nil {
		return nil, nil, fmt.Errorf("create task: %w", err)
	}

	thread := &models.Thread{
		ID:        uuid.NewString(),
		OwnerID:   task.OwnerID,
		AgentID:   task.AgentID,
		Title:     "workflow " + task.WorkflowID,
		Metadata:  map[string]any{"task_id": task.ID, "workflow_id": task.WorkflowID},
		CreatedAt: b.now(),
	}
	if err := b.threads.CreateThread(ctx, thread); err != nil {
		return task, nil, b.failStart(ctx, task, fmt.Errorf("create thread: %w", err))
	}
	task.ThreadID = thread.ID

	run, sub, err := b.runner.Start(ctx, agent.StartRequest{
		ThreadID:     thread.ID,
		AgentID:      task.AgentID,
		OwnerID:      task.OwnerID,
		Message:      task.Config.Prompt,
		ApprovalMode: ApprovalMode(wf.ApprovalPolicy),
	})
	if err != nil {
		return task, nil, b.failStart(ctx, task, err)
	}

	task.RunID = run.ID
	task.UpdatedAt = b.now()
	if err := b.tasks.UpdateTask(ctx, task); err != nil {
		sub.Close()
		return task, nil, fmt.Errorf("record run for task: %w", err)
	}
	b.logger.Info("workflow task started",
		"task_id", task.ID,
		"workflow_id", task.WorkflowID,
		"run_id", run.ID,
		"approval_policy", wf.ApprovalPolicy,
	)
	return task, sub, nil
}

func (b *Bridge) prepare(in *Task) (*Task, config.WorkflowConfig, error) {
	if in == nil {
		return nil, config.WorkflowConfig{}, fmt.Errorf("%w: task is required", ErrInvalidTask)
	}
	task := in.Clone()
	if task.TaskType == "" {
		task.TaskType = TaskTypeAgent
	}
	if task.TaskType != TaskTypeAgent {
		return nil, config.WorkflowConfig{}, fmt.Errorf("%w: %s", ErrUnsupportedTaskType, task.TaskType)
	}
	if strings.TrimSpace(task.OwnerID) == "" {
		return nil, config.WorkflowConfig{}, fmt.Errorf("%w: owner_id is required", ErrInvalidTask)
	}
	if strings.TrimSpace(task.Config.Prompt) == "" {
		return nil, config.WorkflowConfig{}, fmt.Errorf("%w: config.prompt is required", ErrInvalidTask)
	}

	wf, ok := b.workflows[task.WorkflowID]
	if !ok {
		wf = config.WorkflowConfig{ID: task.WorkflowID, ApprovalPolicy: config.PolicyDenyUntrusted}
	}
	if task.AgentID == "" {
		task.AgentID = wf.DefaultAgent
	}
	if task.AgentID == "" {
		return nil, config.WorkflowConfig{}, fmt.Errorf("%w: agent_id is required", ErrInvalidTask)
	}

	now := b.now()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.Status = TaskPending
	task.RunID, task.ThreadID, task.Output, task.Error = "", "", "", ""
	task.CompletedAt = nil
	task.CreatedAt = now
	task.UpdatedAt = now
	return task, wf, nil
}

// failStart marks a task whose run never started. Admission denials land here.
func (b *Bridge) failStart(ctx context.Context, task *Task, cause error) error {
	now := b.now()
	task.Status = TaskFailed
	task.Error = cause.Error()
	task.UpdatedAt = now
	task.CompletedAt = &now
	if err := b.tasks.UpdateTask(context.WithoutCancel(ctx), task); err != nil {
		b.logger.Error("failed to record task failure", "task_id", task.ID, "error", err)
	}
	b.metrics.RecordWorkflowTask(task.WorkflowID, string(task.Status))
	b.logger.Warn("workflow task could not start", "task_id", task.ID, "error", cause)
	return cause
}

func (b *Bridge) await(ctx context.Context, task *Task, sub *stream.Subscription) (*Task, error) {
	defer sub.Close()
	if _, err := stream.Drain(ctx, sub); err != nil {
		return task.Clone(), err
	}
	if err := b.settle(ctx, task); err != nil {
		return task.Clone(), err
	}
	return task.Clone(), nil
}

func (b *Bridge) settle(ctx context.Context, task *Task) error {
	run, err := b.runner.Get(ctx, task.RunID, task.OwnerID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", task.RunID, err)
	}
	if !task.applyRun(run, b.now()) {
		return nil
	}
	task.UpdatedAt = b.now()
	if err := b.tasks.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if task.Status != TaskPending {
		b.metrics.RecordWorkflowTask(task.WorkflowID, string(task.Status))
		b.logger.Info("workflow task settled",
			"task_id", task.ID,
			"run_id", task.RunID,
			"status", task.Status,
		)
	}
	return nil
}
