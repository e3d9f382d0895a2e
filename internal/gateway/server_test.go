package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/tollgate/internal/agent"
	"github.com/haasonsaas/tollgate/internal/auth"
	"github.com/haasonsaas/tollgate/internal/config"
	"github.com/haasonsaas/tollgate/internal/observability"
	"github.com/haasonsaas/tollgate/internal/ratelimit"
	"github.com/haasonsaas/tollgate/internal/runs"
	"github.com/haasonsaas/tollgate/internal/stream"
	"github.com/haasonsaas/tollgate/internal/trust"
	"github.com/haasonsaas/tollgate/internal/usage"
	"github.com/haasonsaas/tollgate/internal/workflow"
	"github.com/haasonsaas/tollgate/pkg/models"
)

// deployProvider asks for one deploy call, then echoes the tool result. When
// gate is set every turn waits for it to close.
type deployProvider struct {
	gate chan struct{}
}

func (p *deployProvider) Name() string { return "fake" }

func (p *deployProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 3)
	go func() {
		defer close(ch)
		if p.gate != nil {
			select {
			case <-p.gate:
			case <-ctx.Done():
				return
			}
		}
		last := req.Messages[len(req.Messages)-1]
		if last.Role == string(models.RoleTool) {
			ch <- &agent.CompletionChunk{Text: "deploy: " + last.ToolResults[0].Content}
		} else {
			ch <- &agent.CompletionChunk{ToolCall: &models.ToolCall{ID: "call-1", Name: "deploy", Input: json.RawMessage(`{}`)}}
		}
		ch <- &agent.CompletionChunk{Done: true, InputTokens: 100, OutputTokens: 10}
	}()
	return ch, nil
}

type deployTool struct{ calls atomic.Int32 }

func (t *deployTool) Name() string            { return "deploy" }
func (t *deployTool) Description() string     { return "Deploy the service" }
func (t *deployTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *deployTool) Execute(ctx context.Context, _ json.RawMessage) (*agent.ToolResult, error) {
	t.calls.Add(1)
	return &agent.ToolResult{Content: "ok"}, nil
}

type testServer struct {
	*httptest.Server
	engine   *agent.Engine
	runs     *runs.MemoryStore
	provider *deployProvider
	tool     *deployTool
	registry *prometheus.Registry
}

type serverOptions struct {
	limit    float64
	auth     *auth.Service
	requests ratelimit.RequestConfig
	gated    bool
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	if opts.limit == 0 {
		opts.limit = 10
	}
	ts := &testServer{
		runs:     runs.NewMemoryStore(),
		provider: &deployProvider{},
		tool:     &deployTool{},
		registry: prometheus.NewRegistry(),
	}
	if opts.gated {
		ts.provider.gate = make(chan struct{})
	}
	metrics := observability.NewMetrics(ts.registry)
	tools := agent.NewToolRegistry()
	if err := tools.Register(ts.tool); err != nil {
		t.Fatalf("Register: %v", err)
	}
	limiter := ratelimit.NewLimiter(ratelimit.Config{Limits: ratelimit.StaticLimit(opts.limit)})
	trustStore := trust.NewMemoryStore()

	engine, err := agent.NewEngine(agent.EngineConfig{
		Runs:              ts.runs,
		Trust:             trustStore,
		Limiter:           limiter,
		Tools:             tools,
		Agents:            agent.StaticAgents{"ops": {ID: "ops", Provider: "fake", Model: "m"}},
		Providers:         map[string]agent.LLMProvider{"fake": ts.provider},
		Pricing:           usage.NewPricing(map[string]usage.Cost{"m": {Input: 10, Output: 10}}, usage.Cost{}),
		EstimatedTurnCost: 0.01,
		TurnTimeout:       5 * time.Second,
		Metrics:           metrics,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ts.engine = engine

	bridge, err := workflow.NewBridge(workflow.BridgeConfig{
		Runner:    engine,
		Threads:   ts.runs,
		Tasks:     workflow.NewMemoryStore(),
		Workflows: []config.WorkflowConfig{{ID: "release", ApprovalPolicy: config.PolicyApproveAll, DefaultAgent: "ops"}},
	})
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}

	server, err := New(Config{
		Engine:    engine,
		Runs:      ts.runs,
		Trust:     trustStore,
		Limiter:   limiter,
		Tasks:     bridge,
		Auth:      opts.auth,
		Requests:  ratelimit.NewRequestLimiter(opts.requests),
		Gatherer:  ts.registry,
		Heartbeat: time.Minute,
		Metrics:   metrics,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts.Server = httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		if ts.provider.gate != nil {
			select {
			case <-ts.provider.gate:
			default:
				close(ts.provider.gate)
			}
		}
		ts.Close()
		bridge.Close()
		engine.Close()
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, owner string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if owner != "" {
		req.Header.Set(auth.OwnerHeader, owner)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func readFrames(t *testing.T, body io.Reader) []models.StreamEvent {
	t.Helper()
	reader := stream.NewReader(body)
	var events []models.StreamEvent
	for {
		ev, err := reader.Next()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		events = append(events, ev)
	}
}

func endStatus(t *testing.T, events []models.StreamEvent) models.RunStatus {
	t.Helper()
	if len(events) == 0 || events[len(events)-1].Kind != models.EventEnd {
		t.Fatalf("stream did not end with an end frame: %+v", events)
	}
	var end models.EndPayload
	if err := events[len(events)-1].Decode(&end); err != nil {
		t.Fatalf("decode end: %v", err)
	}
	return end.Status
}

func (ts *testServer) createThread(t *testing.T, owner string) models.Thread {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/v1/threads", owner, map[string]any{"agent_id": "ops", "title": "deploys"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create thread status = %d", resp.StatusCode)
	}
	return decodeBody[models.Thread](t, resp)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	resp := ts.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	ts.createThread(t, "alice")
	resp = ts.do(t, http.MethodGet, "/metrics", "", nil)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "tollgate_http_request_duration_seconds") {
		t.Errorf("metrics output is missing http request histogram")
	}
}

func TestServer_RequiresOwner(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	resp := ts.do(t, http.MethodGet, "/v1/runs", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestServer_RunApprovalFlow(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	thread := ts.createThread(t, "alice")

	resp := ts.do(t, http.MethodPost, "/v1/runs", "alice", map[string]any{"thread_id": thread.ID, "message": "ship it"})
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != stream.ContentType {
		t.Fatalf("start: status = %d, content type = %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	runID := resp.Header.Get("X-Run-ID")
	if status := endStatus(t, readFrames(t, resp.Body)); status != models.RunInterrupted {
		t.Fatalf("first segment ended %s, want interrupted", status)
	}

	resp = ts.do(t, http.MethodGet, "/v1/runs/"+runID, "alice", nil)
	run := decodeBody[models.Run](t, resp)
	if run.Status != models.RunInterrupted || len(run.PendingToolCalls) != 1 {
		t.Fatalf("run = %+v", run)
	}

	resp = ts.do(t, http.MethodGet, "/v1/runs/"+runID, "mallory", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign owner status = %d, want 404", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodPost, "/v1/runs/"+runID+"/resume", "alice", map[string]any{
		"decisions": []models.ApprovalDecision{{CallID: "nope", Outcome: models.OutcomeApproveOnce}},
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("unknown call status = %d, want 422", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodPost, "/v1/runs/"+runID+"/resume", "alice", map[string]any{
		"decisions": []models.ApprovalDecision{{CallID: "call-1", Outcome: models.OutcomeApproveAlwaysTool}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d", resp.StatusCode)
	}
	if status := endStatus(t, readFrames(t, resp.Body)); status != models.RunCompleted {
		t.Fatalf("resumed segment ended %s, want completed", status)
	}
	if ts.tool.calls.Load() != 1 {
		t.Errorf("tool calls = %d, want 1", ts.tool.calls.Load())
	}

	resp = ts.do(t, http.MethodPost, "/v1/runs/"+runID+"/resume", "alice", map[string]any{
		"decisions": []models.ApprovalDecision{{CallID: "call-1", Outcome: models.OutcomeDeny}},
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second resume status = %d, want 409", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodGet, "/v1/trust", "alice", nil)
	records := decodeBody[map[string][]models.TrustRecord](t, resp)["records"]
	if len(records) != 1 || records[0].Key != "deploy" {
		t.Errorf("approve-always should leave a trust record, got %+v", records)
	}

	resp = ts.do(t, http.MethodGet, "/v1/threads/"+thread.ID+"/messages", "alice", nil)
	messages := decodeBody[map[string]json.RawMessage](t, resp)["messages"]
	var transcript []models.Message
	if err := json.Unmarshal(messages, &transcript); err != nil || len(transcript) < 3 {
		t.Errorf("transcript = %s, err = %v", messages, err)
	}

	resp = ts.do(t, http.MethodGet, "/v1/usage", "alice", nil)
	window := decodeBody[usageResponse](t, resp)
	if window.Consumed <= 0 || window.Limit != 10 || window.Summary == "" {
		t.Errorf("usage = %+v", window)
	}

	resp = ts.do(t, http.MethodGet, "/v1/usage/events", "alice", nil)
	events := decodeBody[map[string][]models.UsageEvent](t, resp)["events"]
	if len(events) != 2 {
		t.Errorf("usage events = %d, want one per turn", len(events))
	}
}

func TestServer_CancelInterruptedRun(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	thread := ts.createThread(t, "alice")

	resp := ts.do(t, http.MethodPost, "/v1/runs", "alice", map[string]any{"thread_id": thread.ID, "message": "ship it"})
	runID := resp.Header.Get("X-Run-ID")
	readFrames(t, resp.Body)

	resp = ts.do(t, http.MethodPost, "/v1/runs/"+runID+"/cancel", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	run := decodeBody[models.Run](t, resp)
	if run.Status != models.RunCanceled || len(run.PendingToolCalls) != 1 || run.PendingToolCalls[0].Disposition != models.DispositionSuperseded {
		t.Fatalf("run = %+v", run)
	}

	resp = ts.do(t, http.MethodGet, "/v1/runs/"+runID+"/events", "alice", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("events on a canceled run = %d, want 409", resp.StatusCode)
	}
}

func TestServer_BudgetExceeded(t *testing.T) {
	ts := newTestServer(t, serverOptions{limit: 0.005})
	thread := ts.createThread(t, "alice")

	resp := ts.do(t, http.MethodPost, "/v1/runs", "alice", map[string]any{"thread_id": thread.ID, "message": "ship it"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	body := decodeBody[map[string]apiError](t, resp)
	if body["error"].Code != agent.CodeBudgetExceeded || body["error"].ResetAt == nil {
		t.Errorf("error body = %+v", body)
	}

	list, _ := ts.runs.ListRuns(context.Background(), runs.ListOptions{OwnerID: "alice"})
	if len(list) != 0 {
		t.Errorf("denied admission created %d runs", len(list))
	}
}

func TestServer_BadRequests(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	thread := ts.createThread(t, "alice")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown field", http.MethodPost, "/v1/threads", map[string]any{"bogus": true}, http.StatusBadRequest},
		{"empty message", http.MethodPost, "/v1/runs", map[string]any{"thread_id": thread.ID}, http.StatusBadRequest},
		{"bad approval mode", http.MethodPost, "/v1/runs", map[string]any{"thread_id": thread.ID, "message": "x", "approval_mode": "yolo"}, http.StatusBadRequest},
		{"unknown thread", http.MethodPost, "/v1/runs", map[string]any{"thread_id": "missing", "message": "x"}, http.StatusNotFound},
		{"bad trust scope", http.MethodPost, "/v1/trust", map[string]any{"scope": "planet", "key": "x"}, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/v1/runs?limit=-1", nil, http.StatusBadRequest},
		{"bad since", http.MethodGet, "/v1/usage/events?since=yesterday", nil, http.StatusBadRequest},
		{"bad task status", http.MethodGet, "/v1/tasks?status=done", nil, http.StatusBadRequest},
		{"task without prompt", http.MethodPost, "/v1/tasks", map[string]any{"workflow_id": "release"}, http.StatusBadRequest},
		{"unknown task", http.MethodGet, "/v1/tasks/missing", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, tt.method, tt.path, "alice", tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestServer_TrustGrantAndRevoke(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	resp := ts.do(t, http.MethodPost, "/v1/trust", "alice", map[string]any{"scope": "integration", "key": "github"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("grant status = %d", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodGet, "/v1/trust", "bob", nil)
	if records := decodeBody[map[string][]models.TrustRecord](t, resp)["records"]; len(records) != 0 {
		t.Errorf("trust leaked across owners: %+v", records)
	}

	resp = ts.do(t, http.MethodDelete, "/v1/trust?scope=integration&key=github", "alice", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status = %d", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodGet, "/v1/trust", "alice", nil)
	if records := decodeBody[map[string][]models.TrustRecord](t, resp)["records"]; len(records) != 0 {
		t.Errorf("records after revoke = %+v", records)
	}
}

func TestServer_Tasks(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	resp := ts.do(t, http.MethodPost, "/v1/tasks", "alice", map[string]any{"workflow_id": "release", "prompt": "ship it", "wait": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	task := decodeBody[workflow.Task](t, resp)
	if task.Status != workflow.TaskCompleted || task.Output != "deploy: ok" {
		t.Fatalf("task = %+v", task)
	}

	resp = ts.do(t, http.MethodGet, "/v1/tasks/"+task.ID, "alice", nil)
	if got := decodeBody[workflow.Task](t, resp); got.ID != task.ID || got.Status != workflow.TaskCompleted {
		t.Errorf("get task = %+v", got)
	}
	resp = ts.do(t, http.MethodGet, "/v1/tasks/"+task.ID, "bob", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign task status = %d, want 404", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodGet, "/v1/tasks?status=completed", "alice", nil)
	if tasks := decodeBody[map[string][]workflow.Task](t, resp)["tasks"]; len(tasks) != 1 {
		t.Errorf("listed tasks = %d, want 1", len(tasks))
	}
}

func TestServer_RequestThrottle(t *testing.T) {
	ts := newTestServer(t, serverOptions{requests: ratelimit.RequestConfig{Enabled: true, RequestsPerSecond: 0.001, BurstSize: 1}})

	if resp := ts.do(t, http.MethodGet, "/v1/runs", "alice", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d", resp.StatusCode)
	}
	resp := ts.do(t, http.MethodGet, "/v1/runs", "alice", nil)
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("second request status = %d, retry-after = %q", resp.StatusCode, resp.Header.Get("Retry-After"))
	}
	if resp := ts.do(t, http.MethodGet, "/v1/runs", "bob", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("other owners have their own bucket, status = %d", resp.StatusCode)
	}
}

func TestServer_BearerAuth(t *testing.T) {
	service := auth.NewService(auth.Config{JWTSecret: "secret", TokenExpiry: time.Hour})
	ts := newTestServer(t, serverOptions{auth: service})
	token, err := service.GenerateJWT(&auth.Owner{ID: "alice"})
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/threads", strings.NewReader(`{"title":"x"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	thread := decodeBody[models.Thread](t, resp)
	if thread.OwnerID != "alice" {
		t.Fatalf("thread owner = %q", thread.OwnerID)
	}

	if resp := ts.do(t, http.MethodGet, "/v1/threads/"+thread.ID, "alice", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("owner header must not authenticate when auth is enabled, status = %d", resp.StatusCode)
	}
}

func TestServer_WebSocketFollowsLiveRun(t *testing.T) {
	ts := newTestServer(t, serverOptions{gated: true})
	thread := ts.createThread(t, "alice")

	run, sub, err := ts.engine.Start(context.Background(), agent.StartRequest{
		ThreadID: thread.ID, OwnerID: "alice", Message: "ship it", ApprovalMode: agent.ApprovalApproveAll,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	sub.Close()

	header := http.Header{}
	header.Set(auth.OwnerHeader, "alice")
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/runs/" + run.ID + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial: %v (response %v)", err, resp)
	}
	defer conn.Close()
	close(ts.provider.gate)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var last models.StreamEvent
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		ev, err := stream.ParseFrame(data)
		if err != nil {
			t.Fatalf("ParseFrame: %v", err)
		}
		last = ev
		if ev.Kind == models.EventEnd {
			break
		}
	}
	if last.Kind != models.EventEnd {
		t.Fatalf("websocket closed before end frame, last = %+v", last)
	}
	var end models.EndPayload
	if err := last.Decode(&end); err != nil || end.Status != models.RunCompleted {
		t.Errorf("end = %+v, err = %v", end, err)
	}
}
