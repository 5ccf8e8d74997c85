package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

type metrics struct {
	ingests       metric.Int64Counter
	queryDuration metric.Float64Histogram
}

func newMetrics(logger *zap.Logger) *metrics {
	meter := otel.Meter(instrumentationName)
	m := &metrics{}
	var err error

	m.ingests, err = meter.Int64Counter(
		"docqa.ingest.total",
		metric.WithDescription("Ingested documents by result (new, duplicate, unsupported, empty, invalid, failed)"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		logger.Warn("failed to create ingest counter", zap.Error(err))
	}

	m.queryDuration, err = meter.Float64Histogram(
		"docqa.query.duration",
		metric.WithDescription("End-to-end query latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		logger.Warn("failed to create query duration histogram", zap.Error(err))
	}
	return m
}

func (m *metrics) recordIngest(ctx context.Context, result string) {
	if m.ingests != nil {
		m.ingests.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

func (m *metrics) recordQuery(ctx context.Context, d time.Duration, err error) {
	if m.queryDuration != nil {
		m.queryDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("error", err != nil)))
	}
}
