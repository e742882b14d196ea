// Package metrics exposes Prometheus collectors for the solve engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "autosolve"

const (
	OutcomeSolved       = "solved"
	OutcomeCancelled    = "cancelled"
	OutcomeTimeout      = "timeout"
	OutcomeSubmitFailed = "submit_failed"
	OutcomeRejected     = "rejected"

	ResultOK        = "ok"
	ResultError     = "error"
	ResultThrottled = "throttled"
)

// Metrics methods are safe to call on a nil receiver so components can run
// without a registry.
type Metrics struct {
	SolvesTotal         *prometheus.CounterVec
	SolveDuration       prometheus.Histogram
	FetchesTotal        *prometheus.CounterVec
	FetchBatchSize      prometheus.Histogram
	AuthRefreshesTotal  *prometheus.CounterVec
	CancelRequestsTotal *prometheus.CounterVec
	PendingTasks        prometheus.Gauge
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SolvesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "solves_total",
				Help:      "Solve calls by outcome",
			},
			[]string{"outcome"},
		),
		SolveDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "solve_duration_seconds",
				Help:      "Time from submission to a delivered or synthesized result",
				Buckets:   []float64{5, 10, 15, 20, 30, 45, 60, 90, 120, 180, 300},
			},
		),
		FetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetches_total",
				Help:      "Bulk task status fetches by result",
			},
			[]string{"result"},
		),
		FetchBatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_batch_size",
				Help:      "Number of task results returned per fetch",
				Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
			},
		),
		AuthRefreshesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_refreshes_total",
				Help:      "Bearer token refresh attempts by result",
			},
			[]string{"result"},
		),
		CancelRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cancel_requests_total",
				Help:      "Batched cancel requests by result",
			},
			[]string{"result"},
		),
		PendingTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_tasks",
				Help:      "Tasks submitted and still awaiting a result",
			},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "http_requests_total",
				Help:      "Gateway HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "http_request_duration_seconds",
				Help:      "Gateway HTTP request latency by route",
				Buckets:   prometheus.ExponentialBuckets(0.005, 4, 9),
			},
			[]string{"route"},
		),
	}
}

func (m *Metrics) ObserveSolve(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SolvesTotal.WithLabelValues(outcome).Inc()
	if outcome != OutcomeSubmitFailed && outcome != OutcomeRejected {
		m.SolveDuration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) ObserveFetch(result string, batchSize int) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(result).Inc()
	if result == ResultOK {
		m.FetchBatchSize.Observe(float64(batchSize))
	}
}

func (m *Metrics) ObserveAuthRefresh(result string) {
	if m == nil {
		return
	}
	m.AuthRefreshesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveCancel(result string) {
	if m == nil {
		return
	}
	m.CancelRequestsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveHTTP(route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) AddPending(delta int) {
	if m == nil {
		return
	}
	m.PendingTasks.Add(float64(delta))
}
