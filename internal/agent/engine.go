// Package agent runs agents against threads: it drives model turns, routes
// proposed tool calls through the trust classifier, pauses for approval and
// resumes from persisted checkpoints.
//
// # Lifecycle
//
//	created --start--> streaming --turn without tools--> completed
//	streaming --calls need approval--> interrupted --resume--> resumed --> streaming
//	streaming/resumed --provider or budget failure--> failed
//	any non-terminal --cancel--> canceled
//
// Every status write goes through runs.Store.UpdateRun, a compare-and-set on
// the run version. Two resumes racing for the same interrupted run cannot
// both win, and a cancel request landing mid-turn surfaces to the driver as a
// version conflict at the next turn boundary.
//
// # Streaming
//
// Each live segment of a run (from start or resume until interrupt or a
// terminal status) publishes ordered events to a stream.Hub. Subscriptions
// returned by Start and Resume are registered before the driver goroutine
// launches, so they observe every event of their segment.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/tollgate/internal/config"
	"github.com/haasonsaas/tollgate/internal/observability"
	"github.com/haasonsaas/tollgate/internal/ratelimit"
	"github.com/haasonsaas/tollgate/internal/runs"
	"github.com/haasonsaas/tollgate/internal/storage"
	"github.com/haasonsaas/tollgate/internal/stream"
	"github.com/haasonsaas/tollgate/internal/trust"
	"github.com/haasonsaas/tollgate/internal/usage"
	"github.com/haasonsaas/tollgate/pkg/models"
)

// MaxResponseTextSize is the maximum size of assistant text in one turn (1MB).
const MaxResponseTextSize = 1 << 20

// MaxToolCallsPerIteration is the maximum number of tool calls accepted from a single turn.
const MaxToolCallsPerIteration = 100

// maxCommitAttempts bounds the reload-and-retry loop used by Cancel.
const maxCommitAttempts = 5

// ApprovalMode selects what happens to calls that are not pre-approved.
type ApprovalMode string

const (
	// ApprovalInteractive interrupts the run and waits for decisions.
	ApprovalInteractive ApprovalMode = "interactive"
	// ApprovalDenyUntrusted denies untrusted calls without interrupting.
	ApprovalDenyUntrusted ApprovalMode = "deny_untrusted"
	// ApprovalApproveAll executes every call without interrupting.
	ApprovalApproveAll ApprovalMode = "approve_all"
)

// ParseApprovalMode normalizes a mode name. The empty string is interactive.
func ParseApprovalMode(value string) (ApprovalMode, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "interactive":
		return ApprovalInteractive, true
	case "deny_untrusted":
		return ApprovalDenyUntrusted, true
	case "approve_all":
		return ApprovalApproveAll, true
	default:
		return ApprovalInteractive, false
	}
}

// AgentCatalog resolves agent definitions by id.
type AgentCatalog interface {
	Agent(id string) (models.Agent, bool)
}

// StaticAgents is an AgentCatalog backed by a map.
type StaticAgents map[string]models.Agent

// Agent implements AgentCatalog.
func (s StaticAgents) Agent(id string) (models.Agent, bool) {
	a, ok := s[id]
	return a, ok
}

// AgentsFromConfig builds a catalog from configured agents.
func AgentsFromConfig(agents []config.AgentConfig) StaticAgents {
	out := make(StaticAgents, len(agents))
	for _, a := range agents {
		out[a.ID] = models.Agent{
			ID:           a.ID,
			Name:         a.Name,
			SystemPrompt: a.SystemPrompt,
			Model:        a.Model,
			Provider:     a.Provider,
			Tools:        a.Tools,
		}
	}
	return out
}

// EngineConfig wires an Engine. Runs, Trust, Limiter, Tools, Agents and
// Providers are required.
type EngineConfig struct {
	Runs      runs.Store
	Trust     trust.Store
	Limiter   *ratelimit.Limiter
	Tools     *ToolRegistry
	Agents    AgentCatalog
	Providers map[string]LLMProvider
	Pricing   *usage.Pricing
	Hub       *stream.Hub

	// RoundLimit caps model turns per run. Default: 25
	RoundLimit int

	// TurnTimeout bounds one provider turn. Default: 2m
	TurnTimeout time.Duration

	// EstimatedTurnCost is reserved against the budget before each turn.
	EstimatedTurnCost float64

	// MaxTokens is passed to the provider when set.
	MaxTokens int

	Executor ExecutorConfig

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// Engine owns run lifecycles. It is safe for concurrent use.
type Engine struct {
	runs      runs.Store
	trust     trust.Store
	limiter   *ratelimit.Limiter
	tools     *ToolRegistry
	executor  *Executor
	agents    AgentCatalog
	providers map[string]LLMProvider
	pricing   *usage.Pricing
	hub       *stream.Hub

	roundLimit  int
	turnTimeout time.Duration
	estimate    float64
	maxTokens   int

	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine validates cfg and creates an engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	switch {
	case cfg.Runs == nil:
		return nil, errors.New("run store is required")
	case cfg.Trust == nil:
		return nil, errors.New("trust store is required")
	case cfg.Limiter == nil:
		return nil, errors.New("limiter is required")
	case cfg.Tools == nil:
		return nil, errors.New("tool registry is required")
	case cfg.Agents == nil:
		return nil, errors.New("agent catalog is required")
	case len(cfg.Providers) == 0:
		return nil, errors.New("at least one provider is required")
	}
	if cfg.Hub == nil {
		cfg.Hub = stream.NewHub()
	}
	if cfg.Pricing == nil {
		cfg.Pricing = usage.NewPricing(nil, usage.Cost{})
	}
	if cfg.RoundLimit <= 0 {
		cfg.RoundLimit = 25
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 2 * time.Minute
	}
	if cfg.EstimatedTurnCost < 0 {
		cfg.EstimatedTurnCost = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	baseCtx, stop := context.WithCancel(context.Background())
	return &Engine{
		runs:        cfg.Runs,
		trust:       cfg.Trust,
		limiter:     cfg.Limiter,
		tools:       cfg.Tools,
		executor:    NewExecutor(cfg.Tools, cfg.Executor, cfg.Metrics, cfg.Tracer),
		agents:      cfg.Agents,
		providers:   cfg.Providers,
		pricing:     cfg.Pricing,
		hub:         cfg.Hub,
		roundLimit:  cfg.RoundLimit,
		turnTimeout: cfg.TurnTimeout,
		estimate:    cfg.EstimatedTurnCost,
		maxTokens:   cfg.MaxTokens,
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		logger:      cfg.Logger.With("component", "engine"),
		baseCtx:     baseCtx,
		stop:        stop,
	}, nil
}

// Hub returns the event hub runs publish to.
func (e *Engine) Hub() *stream.Hub {
	return e.hub
}

// StartRequest asks for a new run on an existing thread.
type StartRequest struct {
	ThreadID string
	// AgentID defaults to the thread's agent.
	AgentID      string
	OwnerID      string
	Message      string
	ApprovalMode ApprovalMode
}

// Start admits, creates and launches a run. Admission happens before the run
// exists: a budget denial returns an error wrapping ErrBudgetExceeded and
// leaves no trace. The returned subscription sees the first segment of the
// run from its first event.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*models.Run, *stream.Subscription, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, nil, fmt.Errorf("%w: owner id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, nil, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	mode, ok := ParseApprovalMode(string(req.ApprovalMode))
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown approval mode %q", ErrInvalidRequest, req.ApprovalMode)
	}

	thread, err := e.runs.GetThread(ctx, req.ThreadID)
	if err != nil {
		return nil, nil, err
	}
	if thread.OwnerID != req.OwnerID {
		return nil, nil, fmt.Errorf("thread %s: %w", req.ThreadID, ErrNotFound)
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = thread.AgentID
	}
	agent, _, _, err := e.resolveAgent(agentID)
	if err != nil {
		return nil, nil, err
	}

	res, err := e.limiter.Admit(ctx, req.OwnerID, e.estimate)
	if err != nil {
		return nil, nil, err
	}

	run := &models.Run{
		ID:           uuid.NewString(),
		ThreadID:     thread.ID,
		AgentID:      agent.ID,
		OwnerID:      req.OwnerID,
		Status:       models.RunCreated,
		ApprovalMode: string(mode),
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		e.release(ctx, res)
		return nil, nil, fmt.Errorf("create run: %w", err)
	}
	e.metrics.RunTransition("", string(models.RunCreated))

	msg := &models.Message{ThreadID: thread.ID, RunID: run.ID, Role: models.RoleUser, Content: req.Message}
	if err := e.runs.AppendMessage(ctx, msg); err != nil {
		e.release(ctx, res)
		e.abandon(ctx, run, fmt.Errorf("append user message: %w", err))
		return nil, nil, fmt.Errorf("append user message: %w", err)
	}

	sub := e.hub.Subscribe(run.ID)
	e.launch(run, &res, false)

	e.logger.Info("run started", "run_id", run.ID, "agent_id", agent.ID, "owner_id", run.OwnerID, "approval_mode", mode)
	return run.Clone(), sub, nil
}

// ResumeResult is the outcome of Resume. Subscription is nil while some
// pending calls are still undecided; Remaining lists their ids.
type ResumeResult struct {
	Run          *models.Run
	Subscription *stream.Subscription
	Remaining    []string
}

// Resume applies decisions to an interrupted run. Decisions may arrive in
// several calls; the run stays interrupted until every pending call has one.
// On the final set, approve-always outcomes become trust records, then the
// run continues in the background and the returned subscription follows it.
//
// Errors leave the run unchanged: ErrInvalidState unless the run is
// interrupted (including losing a race with another resume), ErrUnknownCall
// for ids that are not pending, ErrInvalidDecision for malformed, duplicate
// or already-decided entries.
func (e *Engine) Resume(ctx context.Context, runID, ownerID string, decisions []models.ApprovalDecision) (*ResumeResult, error) {
	ctx, span := e.tracer.TraceResume(ctx, runID, len(decisions))
	defer span.End()

	run, err := e.loadOwned(ctx, runID, ownerID)
	if err != nil {
		return nil, err
	}
	if run.Status != models.RunInterrupted {
		return nil, fmt.Errorf("run %s is %s: %w", runID, run.Status, ErrInvalidState)
	}
	if len(decisions) == 0 {
		return nil, fmt.Errorf("%w: no decisions", ErrInvalidDecision)
	}

	next := run.Clone()
	seen := make(map[string]struct{}, len(decisions))
	for _, d := range decisions {
		if !d.Outcome.Valid() {
			return nil, fmt.Errorf("%w: unknown outcome %q for call %s", ErrInvalidDecision, d.Outcome, d.CallID)
		}
		if _, dup := seen[d.CallID]; dup {
			return nil, fmt.Errorf("%w: duplicate decision for call %s", ErrInvalidDecision, d.CallID)
		}
		seen[d.CallID] = struct{}{}

		call, ok := next.PendingCall(d.CallID)
		if !ok {
			return nil, fmt.Errorf("call %s: %w", d.CallID, ErrUnknownCall)
		}
		if call.Decision != "" {
			return nil, fmt.Errorf("%w: call %s already decided", ErrInvalidDecision, d.CallID)
		}
		if d.Outcome == models.OutcomeApproveAlwaysIntegration && call.IntegrationID == "" {
			return nil, fmt.Errorf("%w: call %s has no integration", ErrInvalidDecision, d.CallID)
		}
		call.Decision = d.Outcome
	}

	remaining := next.Undecided()
	if len(remaining) == 0 {
		next.Status = models.RunResumed
	}
	if err := e.runs.UpdateRun(ctx, next, run.Version); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("run %s changed concurrently: %w", runID, ErrInvalidState)
		}
		observability.RecordError(span, err)
		return nil, fmt.Errorf("store decisions: %w", err)
	}
	if len(remaining) > 0 {
		e.logger.Info("partial decisions stored", "run_id", runID, "remaining", len(remaining))
		return &ResumeResult{Run: next.Clone(), Remaining: remaining}, nil
	}
	e.metrics.RunTransition(string(models.RunInterrupted), string(models.RunResumed))

	sub := e.hub.Subscribe(runID)
	e.grantTrust(ctx, next)

	e.launch(next, nil, true)

	e.logger.Info("run resumed", "run_id", runID, "decisions", len(next.PendingToolCalls))
	return &ResumeResult{Run: next.Clone(), Subscription: sub}, nil
}

// grantTrust persists approve-always outcomes before any call executes. A
// grant that still fails after a retry is reported on the run's stream as a
// trust_grant_failed error event; the decision itself still applies to this run.
func (e *Engine) grantTrust(ctx context.Context, run *models.Run) {
	for _, call := range run.PendingToolCalls {
		var scope models.TrustScope
		var key string
		switch call.Decision {
		case models.OutcomeApproveAlwaysTool:
			scope, key = models.TrustScopeTool, call.ToolName
		case models.OutcomeApproveAlwaysIntegration:
			scope, key = models.TrustScopeIntegration, call.IntegrationID
		default:
			continue
		}
		err := e.trust.Grant(ctx, run.OwnerID, scope, key)
		if err != nil {
			e.logger.Warn("trust grant failed, retrying", "run_id", run.ID, "scope", scope, "key", key, "error", err)
			err = e.trust.Grant(ctx, run.OwnerID, scope, key)
		}
		if err != nil {
			e.logger.Error("failed to grant trust", "run_id", run.ID, "scope", scope, "key", key, "error", err)
			e.publish(run.ID, models.EventError, models.ErrorPayload{
				Code:    CodeTrustGrantFailed,
				Message: fmt.Sprintf("could not save trust for %s %q; the approval applies to this run only", scope, key),
			})
		}
	}
}

// Cancel stops a run. An interrupted run is canceled at once and its pending
// calls are superseded. A live run gets a cancel request that its driver
// honors at the next turn boundary or after tool execution; the returned run
// then still shows the live status with CancelRequested set.
func (e *Engine) Cancel(ctx context.Context, runID, ownerID string) (*models.Run, error) {
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		run, err := e.loadOwned(ctx, runID, ownerID)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			return nil, fmt.Errorf("run %s is %s: %w", runID, run.Status, ErrInvalidState)
		}
		if run.CancelRequested && run.Status != models.RunInterrupted {
			return run, nil
		}

		next := run.Clone()
		next.CancelRequested = true
		if run.Status == models.RunInterrupted {
			supersedePending(next)
			next.Checkpoint = nil
			next.Status = models.RunCanceled
			now := time.Now()
			next.CompletedAt = &now
		}

		err = e.runs.UpdateRun(ctx, next, run.Version)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("cancel run: %w", err)
		}
		if next.Status == models.RunCanceled {
			e.metrics.RunTransition(string(run.Status), string(models.RunCanceled))
			e.publish(runID, models.EventStatus, models.StatusPayload{Status: models.RunCanceled})
			e.publish(runID, models.EventEnd, models.EndPayload{Status: models.RunCanceled})
			e.hub.Forget(runID)
		}
		e.logger.Info("run cancel requested", "run_id", runID, "status", next.Status)
		return next.Clone(), nil
	}
	return nil, fmt.Errorf("cancel run %s: %w", runID, storage.ErrConflict)
}

// Get returns the persisted state of a run owned by ownerID.
func (e *Engine) Get(ctx context.Context, runID, ownerID string) (*models.Run, error) {
	return e.loadOwned(ctx, runID, ownerID)
}

// Subscribe attaches to the live segment of a run driven by this process.
// Interrupted and terminal runs have no live segment and return ErrInvalidState;
// their state is available from Get.
func (e *Engine) Subscribe(ctx context.Context, runID, ownerID string) (*stream.Subscription, error) {
	if _, err := e.loadOwned(ctx, runID, ownerID); err != nil {
		return nil, err
	}
	// Subscribe before re-reading the status: the driver persists a status
	// change before publishing the end event, so one of the two is observed.
	sub := e.hub.Subscribe(runID)
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		sub.Close()
		return nil, err
	}
	switch run.Status {
	case models.RunCreated, models.RunStreaming, models.RunResumed:
		return sub, nil
	}
	sub.Close()
	return nil, fmt.Errorf("run %s is %s: %w", runID, run.Status, ErrInvalidState)
}

// Close stops background drivers and waits for them to exit. Runs cut off
// mid-turn are failed.
func (e *Engine) Close() {
	e.stop()
	e.wg.Wait()
}

// Wait blocks until every background driver has exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) loadOwned(ctx context.Context, runID, ownerID string) (*models.Run, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.OwnerID != ownerID {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return run, nil
}

// resolveAgent returns the agent, its provider and its capability descriptors.
func (e *Engine) resolveAgent(agentID string) (models.Agent, LLMProvider, []models.ToolDescriptor, error) {
	agent, ok := e.agents.Agent(agentID)
	if !ok {
		return models.Agent{}, nil, nil, fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}
	provider, ok := e.providers[agent.Provider]
	if !ok {
		return models.Agent{}, nil, nil, fmt.Errorf("provider %q for agent %s: %w", agent.Provider, agent.ID, ErrNotFound)
	}
	tools, err := e.tools.Descriptors(agent.Tools)
	if err != nil {
		return models.Agent{}, nil, nil, fmt.Errorf("agent %s: %w", agent.ID, err)
	}
	return agent, provider, tools, nil
}

// launch runs the driver for run in the background.
func (e *Engine) launch(run *models.Run, res *ratelimit.Reservation, resumed bool) {
	ctx := observability.WithOwnerID(observability.WithRunID(e.baseCtx, run.ID), run.OwnerID)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drive(ctx, run.ID, res, resumed)
	}()
}

func (e *Engine) drive(ctx context.Context, runID string, res *ratelimit.Reservation, resumed bool) {
	e.metrics.RunStarted()
	defer e.metrics.RunStopped()

	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		e.logger.Error("failed to load run", "run_id", runID, "error", err)
		if res != nil {
			e.release(ctx, *res)
		}
		e.publish(runID, models.EventError, models.ErrorPayload{Code: CodeInternal, Message: err.Error()})
		e.publish(runID, models.EventEnd, models.EndPayload{})
		return
	}

	d := newRunDriver(e, run, res)
	agent, provider, tools, err := e.resolveAgent(run.AgentID)
	if err != nil {
		d.finish(ctx, err)
		return
	}
	d.agent, d.provider = agent, provider
	d.setTools(tools)
	d.loop(ctx, resumed)
}

// abandon fails a run that never reached its driver.
func (e *Engine) abandon(ctx context.Context, run *models.Run, cause error) {
	failure := runFailure(cause)
	next := run.Clone()
	next.Status = models.RunFailed
	next.FailureCode, next.FailureReason = failure.Code, failure.Reason
	now := time.Now()
	next.CompletedAt = &now
	if err := e.runs.UpdateRun(ctx, next, run.Version); err != nil {
		e.logger.Error("failed to abandon run", "run_id", run.ID, "error", err)
		return
	}
	e.metrics.RunTransition(string(run.Status), string(models.RunFailed))
}

func (e *Engine) release(ctx context.Context, res ratelimit.Reservation) {
	if err := e.limiter.Release(context.WithoutCancel(ctx), res); err != nil {
		e.logger.Warn("failed to release reservation", "owner_id", res.OwnerID, "error", err)
	}
}

func (e *Engine) publish(runID string, kind models.EventKind, payload any) models.StreamEvent {
	return e.hub.Publish(models.NewStreamEvent(runID, kind, payload))
}

// supersedePending resolves calls that will never run.
func supersedePending(run *models.Run) {
	for i := range run.PendingToolCalls {
		if run.PendingToolCalls[i].Disposition == models.DispositionPending || run.PendingToolCalls[i].Disposition == "" {
			run.PendingToolCalls[i].Disposition = models.DispositionSuperseded
		}
	}
}
