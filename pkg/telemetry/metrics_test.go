package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/polisai/polis-limitsize/pkg/domain"
	"github.com/polisai/polis-limitsize/pkg/filter"
	"github.com/polisai/polis-limitsize/pkg/sizeguard"
)

func manualReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	ResetMetricsForTest()
	return reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

var sampleRejection = filter.Rejection{
	RootID:     1,
	ExchangeID: 2,
	Direction:  domain.DirectionRequest,
	Reason:     sizeguard.ReasonDeclaredLength,
	Observed:   150,
	Limit:      domain.LimitOf(100),
	Status:     413,
}

func TestRecordRejectionMetrics(t *testing.T) {
	reader := manualReader(t)

	RecordRejectionMetrics(context.Background(), sampleRejection)

	metrics := collect(t, reader)
	sum, ok := metrics["proxy.limitsize.rejections_total"]
	require.True(t, ok, "missing rejections metric")
	data, ok := sum.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, data.DataPoints, 1)
	assert.Equal(t, int64(1), data.DataPoints[0].Value)

	value, ok := data.DataPoints[0].Attributes.Value(attribute.Key("limitsize.direction"))
	require.True(t, ok)
	assert.Equal(t, "request", value.AsString())
	value, ok = data.DataPoints[0].Attributes.Value(attribute.Key("http.response.status_code"))
	require.True(t, ok)
	assert.Equal(t, int64(413), value.AsInt64())
}

func TestRecordExchangeMetrics(t *testing.T) {
	reader := manualReader(t)

	RecordExchangeMetrics(context.Background(), ExchangeMetrics{
		RootID:        1,
		Outcome:       OutcomePassed,
		RequestBytes:  10,
		ResponseBytes: 20,
		Duration:      150 * time.Millisecond,
	})

	metrics := collect(t, reader)

	exchanges := metrics["proxy.limitsize.exchanges_total"].Data.(metricdata.Sum[int64])
	require.Len(t, exchanges.DataPoints, 1)
	assert.Equal(t, int64(1), exchanges.DataPoints[0].Value)

	bodies := metrics["proxy.limitsize.body_bytes"].Data.(metricdata.Histogram[int64])
	require.Len(t, bodies.DataPoints, 2)
	var total int64
	for _, dp := range bodies.DataPoints {
		total += dp.Sum
	}
	assert.Equal(t, int64(30), total)

	latency := metrics["proxy.limitsize.duration_ms"].Data.(metricdata.Histogram[float64])
	require.Len(t, latency.DataPoints, 1)
	assert.Equal(t, float64(150), latency.DataPoints[0].Sum)
}

func TestRecordSecurityEvent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "exchange")
	RecordSecurityEvent(span, sampleRejection)
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	events := spans[0].Events()
	require.Len(t, events, 1)
	assert.Equal(t, "security.event", events[0].Name)

	attrs := attribute.NewSet(events[0].Attributes...)
	value, ok := attrs.Value(attribute.Key("security.blocked"))
	require.True(t, ok)
	assert.True(t, value.AsBool())
	value, ok = attrs.Value(attribute.Key("limitsize.observed_bytes"))
	require.True(t, ok)
	assert.Equal(t, int64(150), value.AsInt64())
	value, ok = attrs.Value(attribute.Key("limitsize.limit"))
	require.True(t, ok)
	assert.Equal(t, "100 bytes", value.AsString())

	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestRecordSecurityEventIgnoresNilSpan(t *testing.T) {
	assert.NotPanics(t, func() { RecordSecurityEvent(nil, sampleRejection) })
}

func TestPrometheusMetrics(t *testing.T) {
	manualReader(t)
	m := NewMetrics()

	m.RecordRejection(sampleRejection)
	m.RecordRejection(sampleRejection)
	m.ExchangeStarted()
	m.ExchangeStarted()
	m.ExchangeFinished(context.Background(), ExchangeMetrics{Outcome: OutcomeRejected})
	m.RecordConfigReload(true)
	m.RecordConfigReload(false)
	m.RecordConfigReload(false)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.rejectionsTotal.WithLabelValues("request", "declared_length", "413")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.exchangesActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.exchangesTotal.WithLabelValues(OutcomeRejected)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.configReloads.WithLabelValues("accepted")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.configReloads.WithLabelValues("rejected")))
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.RecordConfigReload(true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `limitsize_config_reloads_total{status="accepted"} 1`))
}
