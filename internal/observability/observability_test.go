package observability

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewLoggerWritesJSONAtLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelWarn)

	logger.Info("hidden")
	logger.Warn("shown", "book_id", "b1")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"book_id":"b1"`)
}

func TestSetupWithoutExporter(t *testing.T) {
	ctx := context.Background()
	shutdown, err := Setup(ctx, "", "test")
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(ctx, "op")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, shutdown(ctx))
}

func TestSetupInstallsMeterProvider(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	shutdown, err := Setup(ctx, "", "test", WithMetricReader(reader))
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(ctx) })

	counter, err := otel.Meter("test").Int64Counter("library.borrows")
	require.NoError(t, err)
	counter.Add(ctx, 2)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok && m.Name == "library.borrows" {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(2), total)
}
