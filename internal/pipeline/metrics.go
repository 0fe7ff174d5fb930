package pipeline

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/patrol/internal/guard"
	"github.com/linnemanlabs/patrol/internal/stage/rootcause"
)

// Metrics holds Prometheus metrics for the pipeline and its guardrails.
type Metrics struct {
	RunsTotal        *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	RunEvents        prometheus.Histogram
	RunGroups        prometheus.Histogram
	AlertsDispatched prometheus.Counter
	SuppressedTotal  *prometheus.CounterVec
	StageAttempts    *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	BreakerOpen      prometheus.Gauge
	LLMCallsTotal    prometheus.Counter
	LLMTokensIn      prometheus.Counter
	LLMTokensOut     prometheus.Counter
	LLMDuration      prometheus.Histogram
	ToolCallsTotal   *prometheus.CounterVec
	ToolDuration     *prometheus.HistogramVec
	DBQueryDuration  *prometheus.HistogramVec
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patrol_runs_total",
			Help: "Total pipeline runs by final state.",
		}, []string{"state"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "patrol_run_duration_seconds",
			Help:    "Duration of pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}, []string{"state"}),
		RunEvents: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "patrol_run_events_discovered",
			Help:    "Raw events discovered per run.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1 .. ~2048
		}),
		RunGroups: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "patrol_run_groups_triaged",
			Help:    "Triaged event groups per run.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8), // 1 .. ~128
		}),
		AlertsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patrol_alerts_dispatched_total",
			Help: "Total alerts dispatched to the notification sink.",
		}),
		SuppressedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patrol_findings_suppressed_total",
			Help: "Total findings suppressed by gate reason.",
		}, []string{"reason"}),
		StageAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patrol_stage_attempts_total",
			Help: "Total stage invocation attempts by stage and outcome.",
		}, []string{"stage", "outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "patrol_stage_duration_seconds",
			Help:    "Duration of stage invocation attempts in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s .. ~51s
		}, []string{"stage"}),
		BreakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "patrol_circuit_breaker_open",
			Help: "Whether the circuit breaker is open (1) or closed (0).",
		}),
		LLMCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patrol_llm_calls_total",
			Help: "Total LLM provider calls.",
		}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patrol_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patrol_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "patrol_llm_call_duration_seconds",
			Help:    "Duration of individual LLM calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patrol_tool_calls_total",
			Help: "Total tool executions by tool name and status.",
		}, []string{"tool", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "patrol_tool_duration_seconds",
			Help:    "Duration of tool executions in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 0.1s .. ~12.8s
		}, []string{"tool"}),
		DBQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "patrol_db_query_duration_seconds",
			Help:    "Duration of state-store queries by pipeline stage and outcome.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms .. ~16s
		}, []string{"stage", "outcome"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RunEvents,
		m.RunGroups,
		m.AlertsDispatched,
		m.SuppressedTotal,
		m.StageAttempts,
		m.StageDuration,
		m.BreakerOpen,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
		m.ToolCallsTotal,
		m.ToolDuration,
		m.DBQueryDuration,
	)

	return m
}

// RunHooks returns orchestrator hooks that record run outcomes.
func (m *Metrics) RunHooks() Hooks {
	return Hooks{
		OnRunComplete: func(run *Run, duration time.Duration) {
			m.RunsTotal.WithLabelValues(string(run.State)).Inc()
			m.RunDuration.WithLabelValues(string(run.State)).Observe(duration.Seconds())
			m.RunEvents.Observe(float64(run.EventsDiscovered))
			m.RunGroups.Observe(float64(run.GroupsTriaged))
			m.AlertsDispatched.Add(float64(run.AlertsDispatched))
		},
	}
}

// GuardHooks returns guardrail hooks that record attempt outcomes,
// suppressions, and breaker transitions.
func (m *Metrics) GuardHooks() guard.Hooks {
	return guard.Hooks{
		OnAttempt: func(stageName, outcome string, duration float64) {
			m.StageAttempts.WithLabelValues(stageName, outcome).Inc()
			m.StageDuration.WithLabelValues(stageName).Observe(duration)
		},
		OnSuppressed: func(reason string) {
			m.SuppressedTotal.WithLabelValues(reason).Inc()
		},
		OnBreaker: func(open bool) {
			if open {
				m.BreakerOpen.Set(1)
				return
			}
			m.BreakerOpen.Set(0)
		},
	}
}

// EngineHooks returns root-cause engine hooks that record LLM and tool
// call telemetry.
func (m *Metrics) EngineHooks() rootcause.EngineHooks {
	return rootcause.EngineHooks{
		OnLLMCall: func(inputTokens, outputTokens int, duration float64) {
			m.LLMCallsTotal.Inc()
			m.LLMTokensIn.Add(float64(inputTokens))
			m.LLMTokensOut.Add(float64(outputTokens))
			m.LLMDuration.Observe(duration)
		},
		OnToolCall: func(name string, duration float64, inputBytes, outputBytes int, isError bool) {
			status := "success"
			if isError {
				status = "error"
			}
			m.ToolCallsTotal.WithLabelValues(name, status).Inc()
			m.ToolDuration.WithLabelValues(name).Observe(duration)
		},
	}
}

// ObserveQuery records one state-store query; it satisfies the postgres
// query observer hook.
func (m *Metrics) ObserveQuery(_ context.Context, stageName, outcome string, dur time.Duration) {
	if stageName == "" {
		stageName = "none"
	}
	m.DBQueryDuration.WithLabelValues(stageName, outcome).Observe(dur.Seconds())
}
