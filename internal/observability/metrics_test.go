package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRunTransitionCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.RunTransition("created", "streaming")
	m.RunTransition("streaming", "interrupted")
	m.RunTransition("interrupted", "resumed")
	m.RunTransition("resumed", "streaming")
	m.RunTransition("streaming", "completed")

	if got := testutil.ToFloat64(m.Interrupts); got != 1 {
		t.Errorf("interrupts = %v, want 1", got)
	}
	expected := `
		# HELP tollgate_runs_total Total number of runs by terminal status
		# TYPE tollgate_runs_total counter
		tollgate_runs_total{status="completed"} 1
	`
	if err := testutil.CollectAndCompare(m.RunsCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
	if count := testutil.CollectAndCount(m.RunTransitions); count != 5 {
		t.Errorf("transition series = %d, want 5", count)
	}
}

func TestRecordAdmissionAndUsage(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordAdmission("allowed")
	m.RecordAdmission("allowed")
	m.RecordAdmission("denied")
	m.RecordUsage(100, 50, 0.25)

	if got := testutil.ToFloat64(m.AdmissionCounter.WithLabelValues("allowed")); got != 2 {
		t.Errorf("allowed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.UsageCost); got != 0.25 {
		t.Errorf("cost = %v, want 0.25", got)
	}
	if got := testutil.ToFloat64(m.UsageTokens.WithLabelValues("output")); got != 50 {
		t.Errorf("output tokens = %v, want 50", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RunTransition("created", "streaming")
	m.RecordAdmission("denied")
	m.RecordUsage(1, 1, 1)
	m.RecordToolExecution("x", "success", 1)
	m.RecordTrustLookup("hit")
	m.RunStarted()
	m.RunStopped()
}

func TestActiveRunsGauge(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RunStarted()
	m.RunStarted()
	m.RunStopped()
	if got := testutil.ToFloat64(m.ActiveRuns); got != 1 {
		t.Errorf("active runs = %v, want 1", got)
	}
}
