// Package telemetry exposes Prometheus collectors for the auditor service.
package telemetry

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	auditorAuditsTotal         *prometheus.CounterVec
	auditorProbeDuration       *prometheus.HistogramVec
	auditorProbeFailuresTotal  *prometheus.CounterVec
	auditorQueueDepth          *prometheus.GaugeVec
	auditorActiveJobs          prometheus.Gauge
	auditorAlertsTotal         *prometheus.CounterVec
	auditorDispatchTotal       *prometheus.CounterVec
	auditorCircuitSkipsTotal   prometheus.Counter
	auditorBreakersOpen        prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		auditorAuditsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditor_audits_total",
				Help: "Total number of site audits processed, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		auditorProbeDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "auditor_probe_duration_seconds",
				Help:    "Histogram of probe execution latencies, labeled by probe.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30},
			},
			[]string{"probe"},
		)

		auditorProbeFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditor_probe_failures_total",
				Help: "Total number of probe failures, labeled by probe and reason.",
			},
			[]string{"probe", "reason"},
		)

		auditorQueueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "auditor_queue_depth",
				Help: "Number of jobs waiting in a task queue backlog.",
			},
			[]string{"queue"},
		)

		auditorActiveJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "auditor_active_jobs",
				Help: "Number of audit jobs currently executing.",
			},
		)

		auditorAlertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditor_alerts_total",
				Help: "Total number of alerts created, labeled by type and severity.",
			},
			[]string{"type", "severity"},
		)

		auditorDispatchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditor_alert_dispatch_total",
				Help: "Total number of alert delivery attempts, labeled by status.",
			},
			[]string{"status"},
		)

		auditorCircuitSkipsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "auditor_circuit_skips_total",
				Help: "Total dispatches skipped because a circuit breaker was open.",
			},
		)

		auditorBreakersOpen = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "auditor_breakers_open",
				Help: "Number of publishers with an open circuit breaker.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAudit increments the audit counter for a site and status.
func ObserveAudit(site string, status string) {
	if auditorAuditsTotal == nil {
		return
	}
	auditorAuditsTotal.WithLabelValues(SanitizeSite(site), status).Inc()
}

// ObserveProbe records a probe run duration and, for failures, the reason.
func ObserveProbe(probe string, duration time.Duration, failReason string) {
	if auditorProbeDuration == nil {
		return
	}
	auditorProbeDuration.WithLabelValues(probe).Observe(duration.Seconds())
	if failReason != "" {
		auditorProbeFailuresTotal.WithLabelValues(probe, failReason).Inc()
	}
}

// SetQueueDepth records the backlog size of a named queue.
func SetQueueDepth(queue string, depth int) {
	if auditorQueueDepth == nil {
		return
	}
	auditorQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	if auditorActiveJobs == nil {
		return
	}
	auditorActiveJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	if auditorActiveJobs == nil {
		return
	}
	auditorActiveJobs.Dec()
}

// ObserveAlert increments the alert creation counter.
func ObserveAlert(alertType, severity string) {
	if auditorAlertsTotal == nil {
		return
	}
	auditorAlertsTotal.WithLabelValues(alertType, severity).Inc()
}

// ObserveDispatch increments the alert delivery attempt counter.
func ObserveDispatch(status string) {
	if auditorDispatchTotal == nil {
		return
	}
	auditorDispatchTotal.WithLabelValues(status).Inc()
}

// ObserveCircuitSkip counts a dispatch skipped due to an open breaker.
func ObserveCircuitSkip() {
	if auditorCircuitSkipsTotal == nil {
		return
	}
	auditorCircuitSkipsTotal.Inc()
}

// SetBreakersOpen records the number of open circuit breakers.
func SetBreakersOpen(n int) {
	if auditorBreakersOpen == nil {
		return
	}
	auditorBreakersOpen.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
