package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestRecordCircuitStateSetsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordCircuitState("anthropic", true)

	var metric dto.Metric
	require.NoError(t, m.CircuitState.WithLabelValues("anthropic").Write(&metric))
	require.Equal(t, 1.0, metric.GetGauge().GetValue())

	m.RecordCircuitState("anthropic", false)
	require.NoError(t, m.CircuitState.WithLabelValues("anthropic").Write(&metric))
	require.Equal(t, 0.0, metric.GetGauge().GetValue())
}

func TestRequestsTotalIncrementsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RequestsTotal.WithLabelValues("success").Inc()
	m.RequestsTotal.WithLabelValues("success").Inc()
	m.RequestsTotal.WithLabelValues("error").Inc()

	var metric dto.Metric
	require.NoError(t, m.RequestsTotal.WithLabelValues("success").Write(&metric))
	require.Equal(t, 2.0, metric.GetCounter().GetValue())
}
