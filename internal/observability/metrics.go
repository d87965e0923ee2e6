// Package observability collects runtime metrics for the execution core.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Agentic run outcomes and iteration counts
//   - LLM request performance and response times
//   - Tool execution patterns and latencies
//   - Cache hit rates per namespace
//   - Circuit breaker state transitions
//   - Rate limit decisions per tier
//
// It satisfies the recorder interfaces of the state and agent packages,
// so one Metrics value can be shared across the whole process.
type Metrics struct {
	// RunCounter counts completed agentic runs.
	// Labels: outcome (completed|truncated|timeout|degraded|cancelled)
	RunCounter *prometheus.CounterVec

	// RunIterations measures iterations consumed per run.
	// Buckets: 1, 2, 3, 5, 8, 10, 15, 20
	RunIterations prometheus.Histogram

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai)
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and status.
	// Labels: provider, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// CacheCounter counts cache lookups and evictions.
	// Labels: namespace, event (hit|miss|eviction)
	CacheCounter *prometheus.CounterVec

	// BreakerTransitions counts circuit breaker state changes.
	// Labels: breaker, from, to
	BreakerTransitions *prometheus.CounterVec

	// RateLimitCounter counts rate limit decisions.
	// Labels: tier, allowed (true|false)
	RateLimitCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the
// default registry. Call once at startup.
func NewMetrics() *Metrics {
	return newMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewMetricsWith registers the metrics against a caller-supplied
// registry. Tests use this to stay isolated from the default registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	return newMetrics(promauto.With(reg))
}

func newMetrics(factory promauto.Factory) *Metrics {
	return &Metrics{
		RunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_runs_total",
				Help: "Total number of agentic runs by outcome",
			},
			[]string{"outcome"},
		),

		RunIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agentcore_run_iterations",
				Help:    "Number of loop iterations consumed per run",
				Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20},
			},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_llm_requests_total",
				Help: "Total number of LLM requests by provider and status",
			},
			[]string{"provider", "status"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		CacheCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_cache_events_total",
				Help: "Total number of cache events by namespace and event type",
			},
			[]string{"namespace", "event"},
		),

		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_breaker_transitions_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"breaker", "from", "to"},
		),

		RateLimitCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_rate_limit_decisions_total",
				Help: "Total number of rate limit decisions by tier",
			},
			[]string{"tier", "allowed"},
		),
	}
}

// RecordRun records the outcome and iteration count of one agentic run.
func (m *Metrics) RecordRun(outcome string, iterations int) {
	m.RunCounter.WithLabelValues(outcome).Inc()
	m.RunIterations.Observe(float64(iterations))
}

// RecordLLMCall records one LLM request.
func (m *Metrics) RecordLLMCall(provider string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.LLMRequestCounter.WithLabelValues(provider, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(toolName string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(duration.Seconds())
}

// CacheHit records a lookup served from the cache.
func (m *Metrics) CacheHit(namespace string) {
	m.CacheCounter.WithLabelValues(namespace, "hit").Inc()
}

// CacheMiss records a lookup that found nothing.
func (m *Metrics) CacheMiss(namespace string) {
	m.CacheCounter.WithLabelValues(namespace, "miss").Inc()
}

// CacheEviction records an entry removed by TTL or capacity pressure.
func (m *Metrics) CacheEviction(namespace string) {
	m.CacheCounter.WithLabelValues(namespace, "eviction").Inc()
}

// BreakerStateChange records a circuit breaker transition. The signature
// matches the breaker's OnStateChange callback.
func (m *Metrics) BreakerStateChange(name, from, to string) {
	m.BreakerTransitions.WithLabelValues(name, from, to).Inc()
}

// RecordRateLimit records one admission decision for a tier.
func (m *Metrics) RecordRateLimit(tier string, allowed bool) {
	m.RateLimitCounter.WithLabelValues(tier, strconv.FormatBool(allowed)).Inc()
}
