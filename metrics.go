package amgmcp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// proxyMetrics tracks per-tool call outcomes and latency.
type proxyMetrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	resets   prometheus.Counter
}

func newProxyMetrics(reg prometheus.Registerer) *proxyMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &proxyMetrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amgmcp",
			Name:      "tool_calls_total",
			Help:      "Tool invocations by outcome (ok, failure, error).",
		}, []string{"tool", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "amgmcp",
			Name:      "tool_call_duration_seconds",
			Help:      "Tool invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "amgmcp",
			Name:      "backend_resets_total",
			Help:      "Times the stdio backend process was killed and respawned.",
		}),
	}
	reg.MustRegister(m.calls, m.duration, m.resets)
	return m
}

func (m *proxyMetrics) observeReset() {
	if m == nil {
		return
	}
	m.resets.Inc()
}

func (m *proxyMetrics) observe(tool, outcome string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(tool, outcome).Inc()
}

// timeTool returns a stop function recording the call latency.
func (m *proxyMetrics) timeTool(tool string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.duration.WithLabelValues(tool).Observe(time.Since(start).Seconds())
	}
}
