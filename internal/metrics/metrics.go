// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	AdmissionRejections *prometheus.CounterVec
	RedirectsFollowed   prometheus.Counter
	UpstreamResponses   *prometheus.CounterVec
	UpstreamErrors      prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cors_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cors_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		AdmissionRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_proxy_admission_rejections_total",
			Help: "Requests stopped by the admission chain, by check.",
		}, []string{"check"}),

		RedirectsFollowed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cors_proxy_redirects_followed_total",
			Help: "Upstream redirects followed on behalf of clients.",
		}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_proxy_upstream_responses_total",
			Help: "Total upstream responses by status code.",
		}, []string{"status_code"}),

		UpstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cors_proxy_upstream_errors_total",
			Help: "Upstream requests that failed before a response arrived.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.AdmissionRejections,
		m.RedirectsFollowed,
		m.UpstreamResponses,
		m.UpstreamErrors,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
// Target paths are never used as labels for the same reason: this proxy
// forwards to arbitrary URLs.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}
