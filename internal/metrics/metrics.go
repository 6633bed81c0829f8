// Package metrics exposes Prometheus counters/gauges for an engine run and
// serves them over a small chi-routed HTTP server (spec.md §2's "headless
// logger"/dashboard listener, given concrete shape: D3 Metrics & Admin
// HTTP). Grounded on kadirpekel-hector's pkg/observability/metrics.go
// (per-concern CounterVec/HistogramVec fields, a nil-receiver-safe
// Record* method per metric, registry + Handler()), scaled down from that
// package's agent/LLM/tool/RAG surface to ralph's iteration/rate-limit/
// worktree surface and without its OpenTelemetry tracing, which has no
// home in this repo's scope.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ralph-run/ralph/internal/engine"
)

// Metrics holds the registry and every metric ralph records. A nil
// *Metrics is valid — every Record/Set/Observer method on it is a no-op —
// so callers can leave metrics disabled without branching.
type Metrics struct {
	registry *prometheus.Registry

	iterationsTotal   *prometheus.CounterVec
	iterationDuration *prometheus.HistogramVec
	rateLimitEvents   prometheus.Counter
	agentSwitches     *prometheus.CounterVec
	allAgentsLimited  prometheus.Counter
	worktreesActive   prometheus.Gauge
	mergeOutcomes     *prometheus.CounterVec

	mu      sync.Mutex
	started map[string]time.Time
}

// New creates a Metrics instance with namespace "ralph" and registers every
// collector against a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry(), started: make(map[string]time.Time)}

	m.iterationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ralph",
		Subsystem: "engine",
		Name:      "iterations_total",
		Help:      "Total number of iterations by terminal status",
	}, []string{"status"})

	m.iterationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ralph",
		Subsystem: "engine",
		Name:      "iteration_duration_seconds",
		Help:      "Iteration wall-clock duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
	}, []string{"status"})

	m.rateLimitEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ralph",
		Subsystem: "engine",
		Name:      "rate_limit_events_total",
		Help:      "Total number of rate-limit detections across all agents",
	})

	m.agentSwitches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ralph",
		Subsystem: "engine",
		Name:      "agent_switches_total",
		Help:      "Total number of fallback agent switches",
	}, []string{"from", "to"})

	m.allAgentsLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ralph",
		Subsystem: "engine",
		Name:      "all_agents_limited_total",
		Help:      "Total number of times every configured agent was simultaneously rate-limited",
	})

	m.worktreesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ralph",
		Subsystem: "worktree",
		Name:      "active",
		Help:      "Number of worktrees currently occupying a pool slot",
	})

	m.mergeOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ralph",
		Subsystem: "merge",
		Name:      "outcomes_total",
		Help:      "Total number of branch merge attempts by outcome",
	}, []string{"outcome"})

	m.registry.MustRegister(
		m.iterationsTotal, m.iterationDuration, m.rateLimitEvents,
		m.agentSwitches, m.allAgentsLimited, m.worktreesActive, m.mergeOutcomes,
	)
	return m
}

// Observer is an engine.Listener that records every metrics-relevant
// engine event. Wire it with eng.Listen(m.Observer).
func (m *Metrics) Observer(ev engine.Event) {
	if m == nil {
		return
	}
	switch ev.Name {
	case "iteration:started":
		taskID, _ := ev.Payload["taskId"].(string)
		m.mu.Lock()
		m.started[taskID] = time.Now()
		m.mu.Unlock()
	case "iteration:completed":
		status, _ := ev.Payload["status"].(string)
		m.iterationsTotal.WithLabelValues(status).Inc()

		taskID, _ := ev.Payload["taskId"].(string)
		m.mu.Lock()
		start, ok := m.started[taskID]
		if ok {
			delete(m.started, taskID)
		}
		m.mu.Unlock()
		if ok {
			m.iterationDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
		}
	case "iteration:rate-limited":
		m.rateLimitEvents.Inc()
	case "agent:switched":
		from, _ := ev.Payload["previous"].(string)
		to, _ := ev.Payload["new"].(string)
		m.agentSwitches.WithLabelValues(from, to).Inc()
	case "agent:all-limited":
		m.allAgentsLimited.Inc()
	}
}

// SetWorktreesActive sets the current worktree pool occupancy (spec §4.6).
func (m *Metrics) SetWorktreesActive(n int) {
	if m == nil {
		return
	}
	m.worktreesActive.Set(float64(n))
}

// RecordMergeOutcome records one branch's merge.Run outcome.
func (m *Metrics) RecordMergeOutcome(outcome string) {
	if m == nil {
		return
	}
	m.mergeOutcomes.WithLabelValues(outcome).Inc()
}

// Handler returns the Prometheus scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
