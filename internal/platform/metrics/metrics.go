// Package metrics holds the Prometheus collectors for the readiness poller and
// the history ledger. All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "notifications"

type Metrics struct {
	registry *prometheus.Registry

	readyCheckCycles    *prometheus.CounterVec
	readyCheckDuration  prometheus.Histogram
	endpointTransitions *prometheus.CounterVec
	bridgeStatusErrors  prometheus.Counter
	historyWrites       *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a dedicated registry.
func New() (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.readyCheckCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ready_check_cycles_total",
			Help:      "Readiness check cycles by result (completed, skipped, contended, error).",
		},
		[]string{"result"},
	)
	m.readyCheckDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ready_check_cycle_seconds",
			Help:      "Duration of completed readiness check cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
	m.endpointTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_transitions_total",
			Help:      "Endpoint status transitions applied by the readiness poller.",
		},
		[]string{"status"},
	)
	m.bridgeStatusErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_status_errors_total",
			Help:      "Bridge status queries that failed.",
		},
	)
	m.historyWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_writes_total",
			Help:      "Notification history writes by operation and result.",
		},
		[]string{"operation", "result"},
	)

	for _, c := range []prometheus.Collector{
		m.readyCheckCycles,
		m.readyCheckDuration,
		m.endpointTransitions,
		m.bridgeStatusErrors,
		m.historyWrites,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}

func (m *Metrics) ObserveCycle(result string, seconds float64) {
	if m == nil {
		return
	}
	m.readyCheckCycles.WithLabelValues(result).Inc()
	if result == "completed" {
		m.readyCheckDuration.Observe(seconds)
	}
}

// EndpointTransitions records n committed transitions into status.
func (m *Metrics) EndpointTransitions(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.endpointTransitions.WithLabelValues(status).Add(float64(n))
}

func (m *Metrics) BridgeStatusError() {
	if m == nil {
		return
	}
	m.bridgeStatusErrors.Inc()
}

func (m *Metrics) HistoryWrite(operation, result string) {
	if m == nil {
		return
	}
	m.historyWrites.WithLabelValues(operation, result).Inc()
}
