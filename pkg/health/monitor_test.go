package health

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func newTestMonitor(t *testing.T, cfg Config) *Monitor {
	t.Helper()
	return NewMonitor(cfg, zerolog.Nop(), prometheus.NewRegistry())
}

func TestMonitorUnknownBelowMinSamples(t *testing.T) {
	m := newTestMonitor(t, DefaultConfig())

	for i := 0; i < 4; i++ {
		m.Record("slack", "post_message", true, 50*time.Millisecond)
	}

	metric, ok := m.Metric("slack", "post_message")
	if !ok {
		t.Fatal("expected metric to exist")
	}
	if metric.Status != StatusUnknown {
		t.Fatalf("status = %s, want %s", metric.Status, StatusUnknown)
	}
	if metric.Score != 0 {
		t.Fatalf("score = %d, want 0 before min samples", metric.Score)
	}
}

func TestMonitorHealthyWithModerateFailures(t *testing.T) {
	m := newTestMonitor(t, DefaultConfig())

	// 10 executions, 2 failures spread out so no failure streak remains.
	for i := 0; i < 10; i++ {
		success := i != 2 && i != 6
		m.Record("github", "create_issue", success, 100*time.Millisecond)
	}

	metric, ok := m.Metric("github", "create_issue")
	if !ok {
		t.Fatal("expected metric to exist")
	}
	if metric.Score != 84 {
		t.Fatalf("score = %d, want 84", metric.Score)
	}
	if metric.Status != StatusHealthy {
		t.Fatalf("status = %s, want %s", metric.Status, StatusHealthy)
	}
}

func TestMonitorFailingOnPersistentFailures(t *testing.T) {
	m := newTestMonitor(t, DefaultConfig())

	for i := 0; i < 8; i++ {
		m.Record("jira", "transition", false, 100*time.Millisecond)
	}

	metric, _ := m.Metric("jira", "transition")
	if metric.Status != StatusFailing {
		t.Fatalf("status = %s, want %s (score %d)", metric.Status, StatusFailing, metric.Score)
	}
	// Failure rate and streak penalties both saturated.
	if metric.Score != 100-maxFailureRatePenalty-maxStreakPenalty {
		t.Fatalf("score = %d, want %d", metric.Score, 100-maxFailureRatePenalty-maxStreakPenalty)
	}
}

func TestMonitorLatencyPenalty(t *testing.T) {
	cfg := DefaultConfig()
	m := newTestMonitor(t, cfg)

	// All successes, but average latency pinned at the saturation point.
	for i := 0; i < 6; i++ {
		m.Record("http", "webhook", true, cfg.MaxLatency)
	}

	metric, _ := m.Metric("http", "webhook")
	if metric.Score != 100-maxLatencyPenalty {
		t.Fatalf("score = %d, want %d", metric.Score, 100-maxLatencyPenalty)
	}
	if metric.Status != StatusDegraded {
		t.Fatalf("status = %s, want %s", metric.Status, StatusDegraded)
	}
}

func TestMonitorSuccessResetsStreak(t *testing.T) {
	m := newTestMonitor(t, DefaultConfig())

	for i := 0; i < 5; i++ {
		m.Record("pagerduty", "ack", false, 10*time.Millisecond)
	}
	m.Record("pagerduty", "ack", true, 10*time.Millisecond)

	metric, _ := m.Metric("pagerduty", "ack")
	if metric.Streak != 0 {
		t.Fatalf("streak = %d, want 0 after success", metric.Streak)
	}
}

func TestMonitorSummaryBands(t *testing.T) {
	m := newTestMonitor(t, DefaultConfig())

	for i := 0; i < 6; i++ {
		m.Record("slack", "post_message", true, 10*time.Millisecond)
	}
	for i := 0; i < 6; i++ {
		m.Record("jira", "transition", false, 10*time.Millisecond)
	}
	m.Record("github", "create_issue", true, 10*time.Millisecond)

	s := m.Summary()
	if s.Healthy != 1 || s.Failing != 1 || s.Unknown != 1 || s.Degraded != 0 {
		t.Fatalf("summary = %+v", s)
	}
	if len(s.Metrics) != 3 {
		t.Fatalf("metrics = %d, want 3", len(s.Metrics))
	}
}

func TestMonitorRecommendations(t *testing.T) {
	m := newTestMonitor(t, DefaultConfig())

	for i := 0; i < 6; i++ {
		m.Record("jira", "transition", false, 10*time.Millisecond)
	}

	recs := m.Recommendations()
	if len(recs) == 0 {
		t.Fatal("expected recommendations for a failing pair")
	}
}
