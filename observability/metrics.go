// Package observability provides Prometheus metrics and OpenTelemetry
// tracing helpers shared by agents, teams and workflows.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	runsTotal          *prometheus.CounterVec
	runDuration        *prometheus.HistogramVec
	modelCallsTotal    *prometheus.CounterVec
	toolCallsTotal     *prometheus.CounterVec
	toolDuration       *prometheus.HistogramVec
	delegationsTotal   *prometheus.CounterVec
	workflowStepsTotal *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which is handy in tests.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcrew_runs_total",
				Help: "Total number of runs by author and terminal status",
			},
			[]string{"author", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcrew_run_duration_seconds",
				Help:    "Run duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"author"},
		),
		modelCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcrew_model_calls_total",
				Help: "Total number of model invocations",
			},
			[]string{"author", "provider"},
		),
		toolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcrew_tool_calls_total",
				Help: "Total number of tool calls by outcome",
			},
			[]string{"tool", "outcome"},
		),
		toolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcrew_tool_duration_seconds",
				Help:    "Tool call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		delegationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcrew_delegations_total",
				Help: "Total number of team delegations by outcome",
			},
			[]string{"team", "outcome"},
		),
		workflowStepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcrew_workflow_steps_total",
				Help: "Total number of workflow steps by kind and outcome",
			},
			[]string{"workflow", "kind", "outcome"},
		),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

// MustNewMetrics is like NewMetrics but panics on registration errors.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	m, err := NewMetrics(reg)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.runsTotal,
		m.runDuration,
		m.modelCallsTotal,
		m.toolCallsTotal,
		m.toolDuration,
		m.delegationsTotal,
		m.workflowStepsTotal,
	}
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(author, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(author, status).Inc()
	m.runDuration.WithLabelValues(author).Observe(d.Seconds())
}

// RecordModelCall records a model invocation.
func (m *Metrics) RecordModelCall(author, provider string) {
	if m == nil {
		return
	}
	m.modelCallsTotal.WithLabelValues(author, provider).Inc()
}

// RecordToolCall records a finished tool call.
func (m *Metrics) RecordToolCall(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolCallsTotal.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordDelegation records a member delegation.
func (m *Metrics) RecordDelegation(team, outcome string) {
	if m == nil {
		return
	}
	m.delegationsTotal.WithLabelValues(team, outcome).Inc()
}

// RecordWorkflowStep records a workflow step outcome.
func (m *Metrics) RecordWorkflowStep(workflow, kind, outcome string) {
	if m == nil {
		return
	}
	m.workflowStepsTotal.WithLabelValues(workflow, kind, outcome).Inc()
}
