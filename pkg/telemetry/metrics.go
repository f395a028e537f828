package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-limitsize/pkg/filter"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	rejectionCounter     metric.Int64Counter
	exchangeCounter      metric.Int64Counter
	bodyBytesHistogram   metric.Int64Histogram
	exchangeLatencyHisto metric.Float64Histogram
)

// Exchange outcomes.
const (
	OutcomePassed        = "passed"
	OutcomeRejected      = "rejected"
	OutcomeUpstreamError = "upstream_error"
)

// ExchangeMetrics captures the fields recorded when an exchange completes.
type ExchangeMetrics struct {
	RootID        uint32
	Outcome       string
	RequestBytes  uint64
	ResponseBytes uint64
	Duration      time.Duration
}

// RecordRejectionMetrics counts one rejection on the global meter provider.
func RecordRejectionMetrics(ctx context.Context, r filter.Rejection) {
	if err := ensureMetrics(); err != nil {
		return
	}

	rejectionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.Int64("limitsize.root_id", int64(r.RootID)),
		attribute.String("limitsize.direction", string(r.Direction)),
		attribute.String("limitsize.reason", string(r.Reason)),
		attribute.Int64("http.response.status_code", int64(r.Status)),
	))
}

// RecordExchangeMetrics emits the counters and histograms describing one
// completed exchange.
func RecordExchangeMetrics(ctx context.Context, m ExchangeMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Int64("limitsize.root_id", int64(m.RootID)),
		attribute.String("limitsize.outcome", m.Outcome),
	}
	exchangeCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	bodyBytesHistogram.Record(ctx, clampInt64(m.RequestBytes), metric.WithAttributes(
		append(attrs, attribute.String("limitsize.direction", "request"))...))
	bodyBytesHistogram.Record(ctx, clampInt64(m.ResponseBytes), metric.WithAttributes(
		append(attrs, attribute.String("limitsize.direction", "response"))...))

	if m.Duration > 0 {
		exchangeLatencyHisto.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("proxy.limitsize")

		rejectionCounter, metricsInitErr = meter.Int64Counter(
			"proxy.limitsize.rejections_total",
			metric.WithDescription("Exchanges replaced by a synthetic payload-too-large response"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		exchangeCounter, metricsInitErr = meter.Int64Counter(
			"proxy.limitsize.exchanges_total",
			metric.WithDescription("Completed exchanges partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		bodyBytesHistogram, metricsInitErr = meter.Int64Histogram(
			"proxy.limitsize.body_bytes",
			metric.WithDescription("Body bytes counted per exchange and direction"),
			metric.WithUnit("By"),
		)
		if metricsInitErr != nil {
			return
		}

		exchangeLatencyHisto, metricsInitErr = meter.Float64Histogram(
			"proxy.limitsize.duration_ms",
			metric.WithDescription("Observed exchange latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordSecurityEvent attaches a rejection to the provided span. Only sizes and
// the decision are recorded, never body content.
func RecordSecurityEvent(span trace.Span, r filter.Rejection) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("security.blocked", true),
		attribute.String("security.block_reason", "payload_too_large"),
		attribute.String("limitsize.direction", string(r.Direction)),
		attribute.String("limitsize.reason", string(r.Reason)),
		attribute.Int64("limitsize.observed_bytes", clampInt64(r.Observed)),
		attribute.String("limitsize.limit", r.Limit.String()),
		attribute.Int64("http.response.status_code", int64(r.Status)),
	}

	span.AddEvent("security.event", trace.WithAttributes(attrs...))
}

func clampInt64(v uint64) int64 {
	const maxInt64 = 1<<63 - 1
	if v > maxInt64 {
		return maxInt64
	}
	return int64(v)
}
