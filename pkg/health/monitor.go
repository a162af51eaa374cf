// Package health aggregates per-(tool, action) execution outcomes into a
// rolling 0-100 health score. Recording happens synchronously on the hot
// path; the periodic summary loop only reads the in-memory counters.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Status is the classification band for a health score.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailing  Status = "failing"
	StatusUnknown  Status = "unknown"
)

const (
	maxFailureRatePenalty = 40
	maxLatencyPenalty     = 30
	maxStreakPenalty      = 30
	streakPenaltyStep     = 10

	healthyFloor  = 80
	degradedFloor = 50
)

// Config tunes scoring thresholds.
type Config struct {
	// MinSamples is the number of recorded executions required before a score
	// is computed; below it the pair reports unknown rather than falsely
	// healthy.
	MinSamples int
	// FailureRateThreshold is the failure rate at which the failure-rate
	// penalty saturates.
	FailureRateThreshold float64
	// DegradedLatency is the average latency at which the latency penalty
	// starts accruing; MaxLatency is where it saturates.
	DegradedLatency time.Duration
	MaxLatency      time.Duration
	// SummaryInterval is the cadence of the periodic summary log.
	SummaryInterval time.Duration
}

// DefaultConfig returns the scoring defaults.
func DefaultConfig() Config {
	return Config{
		MinSamples:           5,
		FailureRateThreshold: 0.5,
		DegradedLatency:      2 * time.Second,
		MaxLatency:           10 * time.Second,
		SummaryInterval:      time.Minute,
	}
}

func (c Config) normalized() Config {
	if c.MinSamples <= 0 {
		c.MinSamples = 5
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = 0.5
	}
	if c.DegradedLatency <= 0 {
		c.DegradedLatency = 2 * time.Second
	}
	if c.MaxLatency <= c.DegradedLatency {
		c.MaxLatency = c.DegradedLatency * 5
	}
	if c.SummaryInterval <= 0 {
		c.SummaryInterval = time.Minute
	}
	return c
}

type record struct {
	total        int
	successes    int
	failures     int
	streak       int
	totalLatency time.Duration
	minLatency   time.Duration
	maxLatency   time.Duration
}

// Metric is a point-in-time snapshot for one (tool, action) pair.
type Metric struct {
	Tool       string        `json:"tool"`
	Action     string        `json:"action"`
	Total      int           `json:"total"`
	Successes  int           `json:"successes"`
	Failures   int           `json:"failures"`
	Streak     int           `json:"consecutive_failures"`
	AvgLatency time.Duration `json:"avg_latency"`
	MinLatency time.Duration `json:"min_latency"`
	MaxLatency time.Duration `json:"max_latency"`
	Score      int           `json:"score"`
	Status     Status        `json:"status"`
}

// Summary counts pairs per status band.
type Summary struct {
	Healthy  int      `json:"healthy"`
	Degraded int      `json:"degraded"`
	Failing  int      `json:"failing"`
	Unknown  int      `json:"unknown"`
	Metrics  []Metric `json:"metrics"`
}

// Monitor owns the concurrent metric map. Writes go through Record; reads are
// snapshots, so the summary loop never contends with the recording path for
// long.
type Monitor struct {
	cfg Config
	log zerolog.Logger

	mu      sync.RWMutex
	records map[string]*record

	scoreGauge *prometheus.GaugeVec
	executions *prometheus.CounterVec
}

// NewMonitor builds a Monitor registering its gauges with reg (the default
// registerer when nil).
func NewMonitor(cfg Config, log zerolog.Logger, reg prometheus.Registerer) *Monitor {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Monitor{
		cfg:     cfg.normalized(),
		log:     log.With().Str("component", "health").Logger(),
		records: make(map[string]*record),
		scoreGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatch_tool_health_score",
			Help: "Health score (0-100) per tool action pair",
		}, []string{"tool", "action"}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_tool_executions_total",
			Help: "Tool action executions by outcome",
		}, []string{"tool", "action", "outcome"}),
	}
}

func key(tool, action string) string { return tool + ":" + action }

// Record folds one execution outcome into the pair's counters.
func (m *Monitor) Record(tool, action string, success bool, latency time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.executions.WithLabelValues(tool, action, outcome).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[key(tool, action)]
	if !ok {
		r = &record{}
		m.records[key(tool, action)] = r
	}

	r.total++
	if success {
		r.successes++
		r.streak = 0
	} else {
		r.failures++
		r.streak++
	}
	r.totalLatency += latency
	if r.minLatency == 0 || latency < r.minLatency {
		r.minLatency = latency
	}
	if latency > r.maxLatency {
		r.maxLatency = latency
	}

	snap := m.snapshot(tool, action, r)
	if snap.Status != StatusUnknown {
		m.scoreGauge.WithLabelValues(tool, action).Set(float64(snap.Score))
	}
}

// snapshot computes the metric view for r. Caller holds at least a read lock.
func (m *Monitor) snapshot(tool, action string, r *record) Metric {
	metric := Metric{
		Tool:       tool,
		Action:     action,
		Total:      r.total,
		Successes:  r.successes,
		Failures:   r.failures,
		Streak:     r.streak,
		MinLatency: r.minLatency,
		MaxLatency: r.maxLatency,
	}
	if r.total > 0 {
		metric.AvgLatency = r.totalLatency / time.Duration(r.total)
	}

	if r.total < m.cfg.MinSamples {
		metric.Status = StatusUnknown
		return metric
	}

	score := 100

	failureRate := float64(r.failures) / float64(r.total)
	ratio := failureRate / m.cfg.FailureRateThreshold
	if ratio > 1 {
		ratio = 1
	}
	score -= int(ratio * maxFailureRatePenalty)

	if metric.AvgLatency > m.cfg.DegradedLatency {
		span := float64(m.cfg.MaxLatency - m.cfg.DegradedLatency)
		over := float64(metric.AvgLatency - m.cfg.DegradedLatency)
		frac := over / span
		if frac > 1 {
			frac = 1
		}
		score -= int(frac * maxLatencyPenalty)
	}

	streakPenalty := r.streak * streakPenaltyStep
	if streakPenalty > maxStreakPenalty {
		streakPenalty = maxStreakPenalty
	}
	score -= streakPenalty

	if score < 0 {
		score = 0
	}
	metric.Score = score

	switch {
	case score >= healthyFloor:
		metric.Status = StatusHealthy
	case score >= degradedFloor:
		metric.Status = StatusDegraded
	default:
		metric.Status = StatusFailing
	}
	return metric
}

// Metric returns the snapshot for one pair.
func (m *Monitor) Metric(tool, action string) (Metric, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[key(tool, action)]
	if !ok {
		return Metric{}, false
	}
	return m.snapshot(tool, action, r), true
}

// Summary aggregates every tracked pair into per-band counts.
func (m *Monitor) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Summary
	for k, r := range m.records {
		tool, action := splitKey(k)
		metric := m.snapshot(tool, action, r)
		s.Metrics = append(s.Metrics, metric)
		switch metric.Status {
		case StatusHealthy:
			s.Healthy++
		case StatusDegraded:
			s.Degraded++
		case StatusFailing:
			s.Failing++
		default:
			s.Unknown++
		}
	}
	sort.Slice(s.Metrics, func(i, k int) bool {
		if s.Metrics[i].Tool == s.Metrics[k].Tool {
			return s.Metrics[i].Action < s.Metrics[k].Action
		}
		return s.Metrics[i].Tool < s.Metrics[k].Tool
	})
	return s
}

func splitKey(k string) (string, string) {
	for i := 0; i < len(k); i++ {
		if k[i] == ':' {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}

// Recommendations derives free-text hints from whichever score components are
// currently penalized.
func (m *Monitor) Recommendations() []string {
	summary := m.Summary()

	var recs []string
	for _, metric := range summary.Metrics {
		if metric.Status == StatusUnknown || metric.Status == StatusHealthy {
			continue
		}
		pair := fmt.Sprintf("%s/%s", metric.Tool, metric.Action)
		failureRate := float64(metric.Failures) / float64(metric.Total)
		if failureRate >= m.cfg.FailureRateThreshold/2 {
			recs = append(recs, fmt.Sprintf("%s: high failure rate, check credentials and tool configuration", pair))
		}
		if metric.AvgLatency > m.cfg.DegradedLatency {
			recs = append(recs, fmt.Sprintf("%s: elevated latency, the provider may be throttling requests", pair))
		}
		if metric.Streak >= 3 {
			recs = append(recs, fmt.Sprintf("%s: %d consecutive failures, the service may be down", pair, metric.Streak))
		}
	}
	return recs
}

// Start logs a summary on a fixed cadence until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	ticker := time.NewTicker(m.cfg.SummaryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s := m.Summary()
			if len(s.Metrics) == 0 {
				continue
			}
			m.log.Info().
				Int("healthy", s.Healthy).
				Int("degraded", s.Degraded).
				Int("failing", s.Failing).
				Int("unknown", s.Unknown).
				Msg("tool health summary")
		}
	}
}
