package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "creditledger"

// Metrics holds the ledger's prometheus collectors.
type Metrics struct {
	OperationsTotal     *prometheus.CounterVec
	OperationDuration   *prometheus.HistogramVec
	ReservationsExpired prometheus.Counter
	SweepDuration       prometheus.Histogram
	SweepFailures       prometheus.Counter
	WalletsReconciled   prometheus.Counter
	WalletsDrifted      prometheus.Counter
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers every collector with registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "ledger_operations_total",
				Help:      "Ledger operations by operation, status and error class.",
			},
			[]string{"operation", "status", "error_class"},
		),
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "ledger_operation_duration_seconds",
				Help:      "Ledger operation duration in seconds.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"operation"},
		),
		ReservationsExpired: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reservations_expired_total",
				Help:      "Reservations transitioned to expired by the sweeper.",
			},
		),
		SweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "reservation_sweep_duration_seconds",
				Help:      "Duration of one expiry sweep.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		SweepFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "worker_failures_total",
				Help:      "Background worker ticks that returned an error.",
			},
		),
		WalletsReconciled: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "wallets_reconciled_total",
				Help:      "Wallets compared against the ledger sum.",
			},
		),
		WalletsDrifted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "wallets_drifted_total",
				Help:      "Wallets whose cached balance differed from the ledger sum.",
			},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route and status code.",
			},
			[]string{"method", "route", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// LogOperation counts the record, making Metrics usable as a ledger.OperationLogger.
func (metrics *Metrics) LogOperation(_ context.Context, entry ledger.OperationLog) {
	errorClass := ""
	if entry.Error != nil {
		errorClass = string(ledger.Classify(entry.Error))
	}
	metrics.OperationsTotal.WithLabelValues(entry.Operation, entry.Status, errorClass).Inc()
	if entry.Duration > 0 {
		metrics.OperationDuration.WithLabelValues(entry.Operation).Observe(entry.Duration.Seconds())
	}
}

// ObserveSweep records one sweep run.
func (metrics *Metrics) ObserveSweep(expired int, elapsed time.Duration, err error) {
	metrics.ReservationsExpired.Add(float64(expired))
	metrics.SweepDuration.Observe(elapsed.Seconds())
	if err != nil {
		metrics.SweepFailures.Inc()
	}
}

// ObserveReconcile records one wallet comparison.
func (metrics *Metrics) ObserveReconcile(report ledger.DriftReport) {
	metrics.WalletsReconciled.Inc()
	if report.Drift != 0 {
		metrics.WalletsDrifted.Inc()
	}
}

// ObserveHTTP records one served request.
func (metrics *Metrics) ObserveHTTP(method string, route string, statusCode int, elapsed time.Duration) {
	metrics.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	metrics.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
