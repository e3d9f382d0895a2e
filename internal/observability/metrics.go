package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects run, budget and tool metrics.
//
// Every method is safe on a nil *Metrics so components can run without
// instrumentation in tests.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RunTransition("streaming", "interrupted")
//	metrics.RecordAdmission("denied")
type Metrics struct {
	// RunsCounter counts runs reaching a terminal status.
	// Labels: status (completed|failed|canceled)
	RunsCounter *prometheus.CounterVec

	// RunTransitions counts state machine transitions.
	// Labels: from, to
	RunTransitions *prometheus.CounterVec

	// Interrupts counts turns frozen for user approval.
	Interrupts prometheus.Counter

	// AdmissionCounter counts budget admission checks.
	// Labels: result (allowed|denied)
	AdmissionCounter *prometheus.CounterVec

	// UsageCost accumulates recorded cost.
	UsageCost prometheus.Counter

	// UsageTokens accumulates recorded units.
	// Labels: type (input|output)
	UsageTokens *prometheus.CounterVec

	// TurnDuration measures model turn latency in seconds.
	// Labels: provider, status (success|error|timeout)
	TurnDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|denied)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// TrustCache counts trust snapshot lookups.
	// Labels: result (hit|miss)
	TrustCache *prometheus.CounterVec

	// ActiveRuns is the number of runs currently being driven by this process.
	ActiveRuns prometheus.Gauge

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, route, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// WorkflowTasks counts workflow tasks reaching a settled status.
	// Labels: workflow, status
	WorkflowTasks *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with reg. A nil registerer
// registers nothing, which keeps tests isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_runs_total",
				Help: "Total number of runs by terminal status",
			},
			[]string{"status"},
		),
		RunTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_run_transitions_total",
				Help: "Run state transitions",
			},
			[]string{"from", "to"},
		),
		Interrupts: factory.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_interrupts_total",
			Help: "Turns paused waiting for tool approval",
		}),
		AdmissionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_admissions_total",
				Help: "Budget admission checks by result",
			},
			[]string{"result"},
		),
		UsageCost: factory.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_usage_cost_total",
			Help: "Total recorded cost",
		}),
		UsageTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_usage_tokens_total",
				Help: "Total recorded tokens by type",
			},
			[]string{"type"},
		),
		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_turn_duration_seconds",
				Help:    "Duration of model turns in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "status"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		TrustCache: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_trust_cache_total",
				Help: "Trust snapshot cache lookups",
			},
			[]string{"result"},
		),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tollgate_active_runs",
			Help: "Runs currently driven by this process",
		}),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "route", "status_code"},
		),
		WorkflowTasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_workflow_tasks_total",
				Help: "Workflow tasks by settled status",
			},
			[]string{"workflow", "status"},
		),
	}
}

// RunTransition records a state change and counts terminal outcomes.
func (m *Metrics) RunTransition(from, to string) {
	if m == nil {
		return
	}
	m.RunTransitions.WithLabelValues(from, to).Inc()
	switch to {
	case "completed", "failed", "canceled":
		m.RunsCounter.WithLabelValues(to).Inc()
	case "interrupted":
		m.Interrupts.Inc()
	}
}

// RunStarted and RunStopped track runs driven by this process.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

func (m *Metrics) RunStopped() {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
}

// RecordAdmission counts an admission result ("allowed" or "denied").
func (m *Metrics) RecordAdmission(result string) {
	if m == nil {
		return
	}
	m.AdmissionCounter.WithLabelValues(result).Inc()
}

// RecordUsage adds metered consumption.
func (m *Metrics) RecordUsage(inputTokens, outputTokens int64, cost float64) {
	if m == nil {
		return
	}
	if cost > 0 {
		m.UsageCost.Add(cost)
	}
	if inputTokens > 0 {
		m.UsageTokens.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.UsageTokens.WithLabelValues("output").Add(float64(outputTokens))
	}
}

// RecordTurn observes a model turn.
func (m *Metrics) RecordTurn(provider, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TurnDuration.WithLabelValues(provider, status).Observe(durationSeconds)
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	if durationSeconds > 0 {
		m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
	}
}

// RecordTrustLookup counts a cache "hit" or "miss".
func (m *Metrics) RecordTrustLookup(result string) {
	if m == nil {
		return
	}
	m.TrustCache.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, route, statusCode).Observe(durationSeconds)
}

// RecordWorkflowTask counts a task settling into status.
func (m *Metrics) RecordWorkflowTask(workflow, status string) {
	if m == nil {
		return
	}
	m.WorkflowTasks.WithLabelValues(workflow, status).Inc()
}
