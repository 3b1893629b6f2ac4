// Package metrics exposes Prometheus instrumentation for the
// verification pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	verificationsTotal   *prometheus.CounterVec
	verificationDuration prometheus.Histogram
	advisoryRequests     *prometheus.CounterVec
	advisoryDuration     prometheus.Histogram
	linesVerified        prometheus.Counter
	linesFailed          prometheus.Counter
	contradictions       prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		verificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taxjimmy_verifications_total",
			Help: "Invoice verifications by resulting status.",
		}, []string{"status"}),
		verificationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taxjimmy_verification_duration_seconds",
			Help:    "Wall time for a full invoice verification.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		advisoryRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taxjimmy_advisory_requests_total",
			Help: "Advisory knowledge-base requests by outcome.",
		}, []string{"outcome"}),
		advisoryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taxjimmy_advisory_request_duration_seconds",
			Help:    "Latency of single advisory requests.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		linesVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taxjimmy_line_items_verified_total",
			Help: "Line items with a usable verdict.",
		}),
		linesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taxjimmy_line_items_failed_total",
			Help: "Line items whose verification failed.",
		}),
		contradictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taxjimmy_contradiction_corrections_total",
			Help: "Verdicts corrected for internal contradictions.",
		}),
	}
	reg.MustRegister(
		m.verificationsTotal,
		m.verificationDuration,
		m.advisoryRequests,
		m.advisoryDuration,
		m.linesVerified,
		m.linesFailed,
		m.contradictions,
	)
	return m
}

func (m *Metrics) ObserveVerification(status string, elapsed time.Duration) {
	m.verificationsTotal.WithLabelValues(status).Inc()
	m.verificationDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveAdvisoryRequest(outcome string, elapsed time.Duration) {
	m.advisoryRequests.WithLabelValues(outcome).Inc()
	m.advisoryDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveLine(verified bool) {
	if verified {
		m.linesVerified.Inc()
	} else {
		m.linesFailed.Inc()
	}
}

func (m *Metrics) ObserveContradictionCorrected() {
	m.contradictions.Inc()
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
