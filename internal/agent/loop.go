package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/tollgate/internal/observability"
	"github.com/haasonsaas/tollgate/internal/ratelimit"
	"github.com/haasonsaas/tollgate/internal/storage"
	"github.com/haasonsaas/tollgate/internal/trust"
	"github.com/haasonsaas/tollgate/internal/usage"
	"github.com/haasonsaas/tollgate/pkg/models"
)

// errCancelRequested is returned by commit when the write lost to a cancel request.
var errCancelRequested = errors.New("cancel requested")

// runDriver executes the turns of one live segment of a run. It is owned by a
// single goroutine; the only concurrent writer of the run is Cancel, which is
// detected through version conflicts.
type runDriver struct {
	e        *Engine
	run      *models.Run
	agent    models.Agent
	provider LLMProvider
	tools    []models.ToolDescriptor
	allowed  map[string]models.ToolDescriptor
	mode     ApprovalMode
	res      *ratelimit.Reservation
	round    int
	logger   *slog.Logger
}

func newRunDriver(e *Engine, run *models.Run, res *ratelimit.Reservation) *runDriver {
	mode, _ := ParseApprovalMode(run.ApprovalMode)
	return &runDriver{
		e:      e,
		run:    run,
		mode:   mode,
		res:    res,
		logger: e.logger.With("run_id", run.ID, "owner_id", run.OwnerID),
	}
}

func (d *runDriver) setTools(tools []models.ToolDescriptor) {
	d.tools = tools
	d.allowed = make(map[string]models.ToolDescriptor, len(tools))
	for _, t := range tools {
		d.allowed[t.Name] = t
	}
}

// turnOutput is what one provider turn produced.
type turnOutput struct {
	text      string
	toolCalls []models.ToolCall
	usage     usage.Usage
}

// loop drives turns until the run interrupts, completes or fails.
func (d *runDriver) loop(ctx context.Context, resumed bool) {
	ctx, span := d.e.tracer.TraceRun(ctx, d.run.ID, d.run.AgentID)
	defer span.End()

	var err error
	if resumed {
		err = d.continueAfterResume(ctx)
	} else {
		err = d.transition(ctx, models.RunStreaming)
	}
	for err == nil {
		var done bool
		done, err = d.turn(ctx)
		if done && err == nil {
			return
		}
	}
	observability.RecordError(span, err)
	d.finish(ctx, err)
}

// turn runs one model turn. done reports that the segment ended cleanly.
func (d *runDriver) turn(ctx context.Context) (bool, error) {
	d.round++
	if d.round > d.e.roundLimit {
		return false, fmt.Errorf("%w: limit is %d turns", ErrRoundLimitExceeded, d.e.roundLimit)
	}
	if d.res == nil {
		res, err := d.e.limiter.Admit(ctx, d.run.OwnerID, d.e.estimate)
		if err != nil {
			var denied *ratelimit.DeniedError
			if errors.As(err, &denied) {
				d.publish(models.EventRateLimit, models.RateLimitPayload{Reason: denied.Reason, ResetAt: denied.ResetAt})
			}
			return false, err
		}
		d.res = &res
	}

	ctx, span := d.e.tracer.TraceTurn(ctx, d.run.ID, d.round)
	defer span.End()

	snap, err := d.e.trust.Snapshot(ctx, d.run.OwnerID)
	if err != nil {
		return false, fmt.Errorf("load trust: %w", err)
	}
	history, err := d.e.runs.History(ctx, d.run.ThreadID, 0)
	if err != nil {
		return false, fmt.Errorf("load history: %w", err)
	}

	out, err := d.streamPhase(ctx, d.buildRequest(history, snap))
	if err != nil {
		return false, err
	}
	if err := d.recordUsage(ctx, out); err != nil {
		return false, err
	}

	calls := d.proposals(out.toolCalls)
	if len(calls) > 0 {
		requested, err := d.cancelRequested(ctx)
		if err != nil {
			return false, err
		}
		if requested {
			// The proposals are kept on the run as superseded and left out of the transcript.
			d.run.PendingToolCalls = calls
			if out.text != "" {
				if err := d.persistAssistantMessage(ctx, out.text, nil); err != nil {
					return false, err
				}
			}
			return false, errCancelRequested
		}
	}
	if err := d.persistAssistantMessage(ctx, out.text, calls); err != nil {
		return false, err
	}
	if len(calls) == 0 {
		return true, d.complete(ctx)
	}

	results, pending := d.executeToolsPhase(ctx, calls, snap)
	if len(pending) > 0 {
		return true, d.interrupt(ctx, results, pending)
	}
	if err := d.persistToolMessage(ctx, results); err != nil {
		return false, err
	}
	return false, d.commit(ctx)
}

func (d *runDriver) buildRequest(history []*models.Message, snap *trust.Snapshot) *CompletionRequest {
	req := &CompletionRequest{
		Model:     d.agent.Model,
		System:    d.agent.SystemPrompt,
		Messages:  ToCompletionMessages(history),
		Tools:     d.tools,
		MaxTokens: d.e.maxTokens,
	}
	for _, t := range d.tools {
		if snap.Trusts(t.Name, t.IntegrationID) {
			req.TrustedTools = append(req.TrustedTools, t.Name)
		}
	}
	return req
}

// streamPhase consumes one provider turn, publishing text deltas as they
// arrive and appending them to the run's accumulated output.
func (d *runDriver) streamPhase(ctx context.Context, req *CompletionRequest) (_ *turnOutput, err error) {
	turnCtx, cancel := context.WithTimeout(ctx, d.e.turnTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		status := "success"
		switch {
		case errors.Is(err, ErrProviderTimeout):
			status = "timeout"
		case err != nil:
			status = "error"
		}
		d.e.metrics.RecordTurn(d.provider.Name(), status, time.Since(start).Seconds())
	}()

	chunks, err := d.provider.Complete(turnCtx, req)
	if err != nil {
		return nil, providerFailure(turnCtx, err)
	}

	out := &turnOutput{}
	var text strings.Builder
recv:
	for {
		select {
		case <-turnCtx.Done():
			return nil, providerFailure(turnCtx, turnCtx.Err())
		case chunk, ok := <-chunks:
			if !ok {
				break recv
			}
			if chunk == nil {
				continue
			}
			if chunk.Error != nil {
				return nil, providerFailure(turnCtx, chunk.Error)
			}
			if chunk.Text != "" {
				if text.Len()+len(chunk.Text) > MaxResponseTextSize {
					return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrProviderError, MaxResponseTextSize)
				}
				text.WriteString(chunk.Text)
				d.run.AccumulatedOutput += chunk.Text
				d.publish(models.EventMessageDelta, models.DeltaPayload{Text: chunk.Text})
			}
			if chunk.ToolCall != nil {
				if len(out.toolCalls) >= MaxToolCallsPerIteration {
					return nil, fmt.Errorf("%w: more than %d tool calls in one turn", ErrProviderError, MaxToolCallsPerIteration)
				}
				out.toolCalls = append(out.toolCalls, *chunk.ToolCall)
			}
			out.usage.InputTokens += int64(chunk.InputTokens)
			out.usage.OutputTokens += int64(chunk.OutputTokens)
			if chunk.Done {
				break recv
			}
		}
	}
	out.text = text.String()
	return out, nil
}

// providerFailure classifies a provider error. A turn deadline becomes
// ErrProviderTimeout; engine shutdown passes through unchanged.
func providerFailure(turnCtx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(turnCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	}
	if errors.Is(err, context.Canceled) && turnCtx.Err() != nil {
		return err
	}
	return fmt.Errorf("%w: %v", ErrProviderError, err)
}

// recordUsage converts the turn's reservation into consumption.
func (d *runDriver) recordUsage(ctx context.Context, out *turnOutput) error {
	cost := d.e.pricing.Price(d.provider.Name(), d.agent.Model, &out.usage)
	event := models.UsageEvent{
		OwnerID:     d.run.OwnerID,
		RunID:       d.run.ID,
		Provider:    d.provider.Name(),
		Model:       d.agent.Model,
		InputUnits:  out.usage.InputTokens,
		OutputUnits: out.usage.OutputTokens,
		Cost:        cost,
	}
	res := ratelimit.Reservation{OwnerID: d.run.OwnerID}
	if d.res != nil {
		res = *d.res
	}
	window, err := d.e.limiter.Record(ctx, res, event)
	if err != nil {
		return err
	}
	d.res = nil

	d.run.InputUnits += event.InputUnits
	d.run.OutputUnits += event.OutputUnits
	d.run.Cost += cost
	d.publish(models.EventUsageUpdate, models.UsagePayload{
		InputUnits:  event.InputUnits,
		OutputUnits: event.OutputUnits,
		Cost:        cost,
		Consumed:    window.Consumed,
		Limit:       window.Limit,
		ResetAt:     window.ResetAt(),
	})
	return nil
}

// proposals turns raw tool calls into requests with unique call ids.
func (d *runDriver) proposals(toolCalls []models.ToolCall) []models.ToolCallRequest {
	if len(toolCalls) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(toolCalls))
	calls := make([]models.ToolCallRequest, 0, len(toolCalls))
	for _, tc := range toolCalls {
		id := strings.TrimSpace(tc.ID)
		if _, dup := seen[id]; id == "" || dup {
			id = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
		}
		seen[id] = struct{}{}

		args := tc.Input
		if len(args) == 0 {
			args = []byte("{}")
		}
		call := models.ToolCallRequest{
			CallID:      id,
			ToolName:    tc.Name,
			Arguments:   args,
			Disposition: models.DispositionPending,
		}
		if desc, ok := d.allowed[tc.Name]; ok {
			call.IntegrationID = desc.IntegrationID
		}
		calls = append(calls, call)
	}
	return calls
}

// executeToolsPhase classifies calls, runs what may run and returns results
// in proposal order together with the calls still waiting for a decision.
func (d *runDriver) executeToolsPhase(ctx context.Context, calls []models.ToolCallRequest, snap *trust.Snapshot) ([]models.ToolResult, []models.ToolCallRequest) {
	var known []models.ToolCallRequest
	byID := make(map[string]models.ToolResult, len(calls))
	for _, call := range calls {
		if _, ok := d.allowed[call.ToolName]; ok {
			known = append(known, call)
			continue
		}
		// Calls to tools the agent was never offered are refused without asking.
		d.publish(models.EventToolCallProposed, models.ToolCallPayload{Call: call})
		result := models.ToolResult{ToolCallID: call.CallID, Content: fmt.Sprintf("tool %q is not available", call.ToolName), IsError: true}
		byID[call.CallID] = result
		d.publishResult(call, result, models.DispositionFailed, 0)
	}

	cls := Classify(known, snap)
	auto, needs := cls.AutoApproved, cls.NeedsApproval
	var denied []models.ToolCallRequest
	switch d.mode {
	case ApprovalApproveAll:
		auto, needs = known, nil
	case ApprovalDenyUntrusted:
		denied, needs = needs, nil
	}

	autoIDs := make(map[string]struct{}, len(auto))
	for _, call := range auto {
		autoIDs[call.CallID] = struct{}{}
	}
	for _, call := range known {
		_, ok := autoIDs[call.CallID]
		d.publish(models.EventToolCallProposed, models.ToolCallPayload{Call: call, AutoApproved: ok})
	}

	for _, r := range d.e.executor.ExecuteAll(ctx, auto) {
		result := r.ToolResult()
		byID[r.Call.CallID] = result
		d.publishResult(r.Call, result, r.Disposition(), r.Attempts)
	}
	for _, call := range denied {
		result := models.DeniedToolResult(call.CallID)
		byID[call.CallID] = result
		d.publishResult(call, result, models.DispositionDenied, 0)
	}

	results := make([]models.ToolResult, 0, len(byID))
	for _, call := range calls {
		if result, ok := byID[call.CallID]; ok {
			results = append(results, result)
		}
	}
	return results, needs
}

// continueAfterResume executes the decided calls of a resumed run and feeds
// every result of the frozen turn back to the transcript.
func (d *runDriver) continueAfterResume(ctx context.Context) error {
	if err := d.transition(ctx, models.RunStreaming); err != nil {
		return err
	}
	var results []models.ToolResult
	if cp := d.run.Checkpoint; cp != nil {
		d.round = cp.Round
		results = append(results, cp.Results...)
	}

	var approved []models.ToolCallRequest
	for _, call := range d.run.PendingToolCalls {
		if call.Decision.Approves() {
			approved = append(approved, call)
		}
	}
	executed := make(map[string]*ExecutionResult, len(approved))
	for _, r := range d.e.executor.ExecuteAll(ctx, approved) {
		executed[r.Call.CallID] = r
	}

	for i := range d.run.PendingToolCalls {
		call := &d.run.PendingToolCalls[i]
		if r, ok := executed[call.CallID]; ok {
			call.Disposition = r.Disposition()
			result := r.ToolResult()
			results = append(results, result)
			d.publishResult(*call, result, call.Disposition, r.Attempts)
			continue
		}
		call.Disposition = models.DispositionDenied
		result := models.DeniedToolResult(call.CallID)
		results = append(results, result)
		d.publishResult(*call, result, call.Disposition, 0)
	}

	if err := d.persistToolMessage(ctx, results); err != nil {
		return err
	}
	d.run.PendingToolCalls = nil
	d.run.Checkpoint = nil
	return d.commit(ctx)
}

// interrupt freezes the turn: pending calls and the results produced so far
// are persisted with the run, one interrupt event carries the full pending
// list, and the segment ends.
func (d *runDriver) interrupt(ctx context.Context, results []models.ToolResult, pending []models.ToolCallRequest) error {
	d.run.PendingToolCalls = pending
	d.run.Checkpoint = &models.Checkpoint{Round: d.round, Results: results}
	if err := d.transition(ctx, models.RunInterrupted); err != nil {
		return err
	}
	d.publish(models.EventInterrupt, models.InterruptPayload{PendingToolCalls: pending})
	d.publish(models.EventEnd, models.EndPayload{Status: models.RunInterrupted})
	d.logger.Info("run interrupted", "pending", len(pending), "round", d.round)
	return nil
}

func (d *runDriver) complete(ctx context.Context) error {
	if err := d.transition(ctx, models.RunCompleted); err != nil {
		return err
	}
	d.publish(models.EventEnd, models.EndPayload{Status: models.RunCompleted})
	d.e.hub.Forget(d.run.ID)
	d.logger.Info("run completed", "rounds", d.round, "cost", usage.FormatUSD(d.run.Cost))
	return nil
}

// finish ends the segment after an error: a lost write to a cancel request
// cancels the run, anything else fails it.
func (d *runDriver) finish(ctx context.Context, err error) {
	ctx = context.WithoutCancel(ctx)
	if d.res != nil {
		d.e.release(ctx, *d.res)
		d.res = nil
	}
	if errors.Is(err, errCancelRequested) {
		d.cancel(ctx)
		return
	}
	d.fail(ctx, err)
}

func (d *runDriver) fail(ctx context.Context, err error) {
	failure := runFailure(err)
	d.logger.Warn("run failed", "code", failure.Code, "error", err)

	d.publish(models.EventError, models.ErrorPayload{Code: failure.Code, Message: failure.Reason})
	supersedePending(d.run)
	d.run.FailureCode = failure.Code
	d.run.FailureReason = failure.Reason
	if terr := d.transition(ctx, models.RunFailed); terr != nil {
		if errors.Is(terr, errCancelRequested) {
			d.cancel(ctx)
			return
		}
		d.logger.Error("failed to persist run failure", "error", terr)
	}
	d.publish(models.EventEnd, models.EndPayload{Status: d.run.Status})
	d.e.hub.Forget(d.run.ID)
}

// cancel honors a cancel request, keeping the output and usage gathered so far.
func (d *runDriver) cancel(ctx context.Context) {
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		latest, err := d.e.runs.GetRun(ctx, d.run.ID)
		if err != nil {
			d.logger.Error("failed to load run for cancel", "error", err)
			break
		}
		if latest.Status.IsTerminal() {
			d.run = latest
			break
		}
		from := latest.Status
		next := d.run.Clone()
		next.Status = models.RunCanceled
		next.CancelRequested = true
		next.Checkpoint = nil
		supersedePending(next)
		now := time.Now()
		next.CompletedAt = &now

		err = d.e.runs.UpdateRun(ctx, next, latest.Version)
		if err == nil {
			d.run = next
			d.e.metrics.RunTransition(string(from), string(models.RunCanceled))
			d.publish(models.EventStatus, models.StatusPayload{Status: models.RunCanceled})
			break
		}
		if !errors.Is(err, storage.ErrConflict) {
			d.logger.Error("failed to persist cancel", "error", err)
			break
		}
	}
	d.publish(models.EventEnd, models.EndPayload{Status: d.run.Status})
	d.e.hub.Forget(d.run.ID)
	d.logger.Info("run canceled", "rounds", d.round)
}

// transition moves the run to a new status and persists it.
func (d *runDriver) transition(ctx context.Context, to models.RunStatus) error {
	from := d.run.Status
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
	}
	prevCompleted := d.run.CompletedAt
	d.run.Status = to
	if to.IsTerminal() {
		now := time.Now()
		d.run.CompletedAt = &now
	}
	if err := d.commit(ctx); err != nil {
		d.run.Status = from
		d.run.CompletedAt = prevCompleted
		return err
	}
	d.e.metrics.RunTransition(string(from), string(to))
	if from != to {
		d.publish(models.EventStatus, models.StatusPayload{Status: to})
	}
	return nil
}

// commit persists the run with compare-and-set. Losing to a cancel request
// reports errCancelRequested.
func (d *runDriver) commit(ctx context.Context) error {
	err := d.e.runs.UpdateRun(ctx, d.run, d.run.Version)
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrConflict) {
		latest, gerr := d.e.runs.GetRun(ctx, d.run.ID)
		if gerr == nil && latest.CancelRequested {
			return errCancelRequested
		}
	}
	return fmt.Errorf("persist run: %w", err)
}

// cancelRequested reports whether a cancel request arrived since the run was last written.
func (d *runDriver) cancelRequested(ctx context.Context) (bool, error) {
	latest, err := d.e.runs.GetRun(ctx, d.run.ID)
	if err != nil {
		return false, fmt.Errorf("load run: %w", err)
	}
	return latest.CancelRequested, nil
}

func (d *runDriver) persistAssistantMessage(ctx context.Context, text string, calls []models.ToolCallRequest) error {
	msg := &models.Message{
		ThreadID: d.run.ThreadID,
		RunID:    d.run.ID,
		Role:     models.RoleAssistant,
		Content:  text,
	}
	for _, call := range calls {
		msg.ToolCalls = append(msg.ToolCalls, call.ToolCall())
	}
	if err := d.e.runs.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("persist assistant message: %w", err)
	}
	return nil
}

func (d *runDriver) persistToolMessage(ctx context.Context, results []models.ToolResult) error {
	if len(results) == 0 {
		return nil
	}
	msg := &models.Message{
		ThreadID:    d.run.ThreadID,
		RunID:       d.run.ID,
		Role:        models.RoleTool,
		ToolResults: results,
	}
	if err := d.e.runs.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("persist tool results: %w", err)
	}
	return nil
}

func (d *runDriver) publish(kind models.EventKind, payload any) {
	d.e.publish(d.run.ID, kind, payload)
}

func (d *runDriver) publishResult(call models.ToolCallRequest, result models.ToolResult, disposition models.ToolDisposition, attempts int) {
	d.publish(models.EventToolCallResult, models.ToolResultPayload{
		CallID:      call.CallID,
		ToolName:    call.ToolName,
		Disposition: disposition,
		Content:     result.Content,
		IsError:     result.IsError,
		Attempts:    attempts,
	})
}
