package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.RecordRun("helper", "completed", 150*time.Millisecond)
	m.RecordRun("helper", "failed", time.Second)
	m.RecordModelCall("helper", "mock")
	m.RecordToolCall("sum", "ok", time.Millisecond)
	m.RecordToolCall("sum", "denied", 0)
	m.RecordDelegation("crew", "ok")
	m.RecordWorkflowStep("etl", "function", "completed")

	assert.InDelta(t, 1, testutil.ToFloat64(m.runsTotal.WithLabelValues("helper", "completed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.toolCallsTotal.WithLabelValues("sum", "denied")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.workflowStepsTotal.WithLabelValues("etl", "function", "completed")), 0)

	n, err := testutil.GatherAndCount(reg, "agentcrew_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = NewMetrics(reg)
	assert.Error(t, err, "duplicate registration must fail")
}

func TestNilMetricsIsNoOp(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRun("a", "completed", time.Second)
		m.RecordModelCall("a", "mock")
		m.RecordToolCall("t", "ok", time.Second)
		m.RecordDelegation("team", "ok")
		m.RecordWorkflowStep("wf", "loop", "completed")
	})
}

func TestSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	tracer := Tracer(tp)

	_, span := StartSpan(context.Background(), tracer, "agent.state", "state", "INVOKING_MODEL")
	EndSpan(span, errors.New("boom"))

	_, ok := StartSpan(context.Background(), tracer, "agent.state")
	EndSpan(ok, nil)

	ended := sr.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "agent.state", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, codes.Unset, ended[1].Status().Code)
}
