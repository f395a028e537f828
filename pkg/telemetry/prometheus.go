package telemetry

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/polis-limitsize/pkg/filter"
)

// Metrics holds all Prometheus metrics for the proxy and implements
// filter.Recorder.
type Metrics struct {
	// Filter metrics
	rejectionsTotal *prometheus.CounterVec
	rejectedBytes   *prometheus.HistogramVec

	// Exchange metrics
	exchangesActive prometheus.Gauge
	exchangesTotal  *prometheus.CounterVec
	bodyBytes       *prometheus.HistogramVec

	// Configuration reload metrics
	configReloads *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	sizeBuckets := prometheus.ExponentialBuckets(1024, 4, 10)

	m := &Metrics{
		rejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "limitsize_rejections_total",
				Help: "Total number of exchanges rejected by direction, reason and status",
			},
			[]string{"direction", "reason", "status_code"},
		),

		rejectedBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "limitsize_rejected_size_bytes",
				Help:    "Size observed when a direction was rejected",
				Buckets: sizeBuckets,
			},
			[]string{"direction"},
		),

		exchangesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "limitsize_exchanges_active",
				Help: "Number of exchanges currently in flight",
			},
		),

		exchangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "limitsize_exchanges_total",
				Help: "Total number of completed exchanges by outcome",
			},
			[]string{"outcome"},
		),

		bodyBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "limitsize_body_size_bytes",
				Help:    "Body bytes counted per exchange",
				Buckets: sizeBuckets,
			},
			[]string{"direction"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "limitsize_config_reloads_total",
				Help: "Total number of filter configuration reload attempts by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.rejectionsTotal,
		m.rejectedBytes,
		m.exchangesActive,
		m.exchangesTotal,
		m.bodyBytes,
		m.configReloads,
	)

	return m
}

// RecordRejection implements filter.Recorder. The rejection is also counted
// on the OpenTelemetry meter provider.
func (m *Metrics) RecordRejection(r filter.Rejection) {
	m.rejectionsTotal.WithLabelValues(string(r.Direction), string(r.Reason), strconv.FormatUint(uint64(r.Status), 10)).Inc()
	m.rejectedBytes.WithLabelValues(string(r.Direction)).Observe(float64(r.Observed))
	RecordRejectionMetrics(context.Background(), r)
}

// ExchangeStarted records an exchange entering the proxy.
func (m *Metrics) ExchangeStarted() {
	m.exchangesActive.Inc()
}

// ExchangeFinished records a completed exchange on both backends.
func (m *Metrics) ExchangeFinished(ctx context.Context, em ExchangeMetrics) {
	m.exchangesActive.Dec()
	m.exchangesTotal.WithLabelValues(em.Outcome).Inc()
	m.bodyBytes.WithLabelValues("request").Observe(float64(em.RequestBytes))
	m.bodyBytes.WithLabelValues("response").Observe(float64(em.ResponseBytes))
	RecordExchangeMetrics(ctx, em)
}

// RecordConfigReload records a configuration reload attempt.
func (m *Metrics) RecordConfigReload(accepted bool) {
	status := "accepted"
	if !accepted {
		status = "rejected"
	}
	m.configReloads.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
