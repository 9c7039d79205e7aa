// Package metrics exposes the gateway's Prometheus metrics, ported
// from original_source's metrics_collector.py / prometheus_client.py:
// request counts, stage durations, circuit state gauges, pool
// utilization, and queue depth.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the gateway registers. Construct one
// with New and pass it through cmd/gateway/main.go to every component
// that needs to record a measurement.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	CircuitState    *prometheus.GaugeVec
	PoolUtilization prometheus.Gauge
	QueueDepth      *prometheus.GaugeVec
	CacheHits       *prometheus.CounterVec
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of /stream requests, labeled by outcome.",
		}, []string{"outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_stage_duration_ms",
			Help:    "Duration of each orchestrator stage in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1ms .. ~16s
		}, []string{"stage"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_state",
			Help: "Circuit breaker state per provider: 0=closed, 1=open.",
		}, []string{"provider"}),
		PoolUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_pool_utilization_ratio",
			Help: "Connection pool utilization as a fraction of max total connections.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_queue_depth",
			Help: "Current depth of the message bus, labeled by topic.",
		}, []string{"topic"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_requests_total",
			Help: "Cache lookups, labeled by result (hit/miss).",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.StageDuration,
		m.CircuitState,
		m.PoolUtilization,
		m.QueueDepth,
		m.CacheHits,
	)

	return m
}

// RecordCircuitState sets the gauge for provider to 1 if open, 0 if
// closed.
func (m *Metrics) RecordCircuitState(providerName string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	m.CircuitState.WithLabelValues(providerName).Set(v)
}
