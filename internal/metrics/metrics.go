package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Delivery outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Metrics holds all Prometheus metrics for ordermail
type Metrics struct {
	// Dispatch counters
	DeliveriesTotal         *prometheus.CounterVec
	DeliveryDurationSeconds prometheus.Histogram
	WavesTotal              *prometheus.CounterVec
	JobsFinishedTotal       *prometheus.CounterVec

	// Job gauges
	Jobs *prometheus.GaugeVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec
	APIRateLimitedTotal       *prometheus.CounterVec

	// System metrics
	UptimeSeconds prometheus.Gauge
	Goroutines    prometheus.Gauge
	UploadsBytes  prometheus.Gauge

	registry *prometheus.Registry
	counters map[string]*prometheus.CounterVec
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ordermail_deliveries_total",
				Help: "Total number of confirmation delivery attempts by outcome",
			},
			[]string{"outcome"},
		),
		DeliveryDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ordermail_delivery_duration_seconds",
				Help:    "Duration of a single relay delivery in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		WavesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ordermail_waves_total",
				Help: "Total number of dispatched delivery waves",
			},
			nil,
		),
		JobsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ordermail_jobs_finished_total",
				Help: "Total number of jobs that reached a terminal state",
			},
			[]string{"status"},
		),

		Jobs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ordermail_jobs",
				Help: "Number of tracked jobs by status",
			},
			[]string{"status"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ordermail_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ordermail_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 60, 300},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ordermail_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),
		APIRateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ordermail_api_ratelimited_total",
				Help: "Total number of API requests rejected by the rate limiter",
			},
			[]string{"route"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ordermail_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ordermail_goroutines",
				Help: "Number of active goroutines",
			},
		),
		UploadsBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ordermail_uploads_bytes",
				Help: "Total size of stored spreadsheets in bytes",
			},
		),

		registry: reg,
	}

	// Counters restored by the collector after a restart
	m.counters = map[string]*prometheus.CounterVec{
		"ordermail_deliveries_total":      m.DeliveriesTotal,
		"ordermail_waves_total":           m.WavesTotal,
		"ordermail_jobs_finished_total":   m.JobsFinishedTotal,
		"ordermail_api_requests_total":    m.APIRequestsTotal,
		"ordermail_api_errors_total":      m.APIErrorsTotal,
		"ordermail_api_ratelimited_total": m.APIRateLimitedTotal,
	}

	reg.MustRegister(
		m.DeliveriesTotal,
		m.DeliveryDurationSeconds,
		m.WavesTotal,
		m.JobsFinishedTotal,
		m.Jobs,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.APIRateLimitedTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.UploadsBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// ObserveDelivery records one delivery attempt
func ObserveDelivery(outcome string, d time.Duration) {
	m := Global()
	if m != nil {
		m.DeliveriesTotal.WithLabelValues(outcome).Inc()
		m.DeliveryDurationSeconds.Observe(d.Seconds())
	}
}

// IncWaves increments the dispatched wave counter
func IncWaves() {
	m := Global()
	if m != nil {
		m.WavesTotal.WithLabelValues().Inc()
	}
}

// IncJobsFinished increments the terminal job counter
func IncJobsFinished(status string) {
	m := Global()
	if m != nil {
		m.JobsFinishedTotal.WithLabelValues(status).Inc()
	}
}

// IncRateLimited increments the rate limited request counter
func IncRateLimited(route string) {
	m := Global()
	if m != nil {
		m.APIRateLimitedTotal.WithLabelValues(route).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	m := Global()
	if m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
