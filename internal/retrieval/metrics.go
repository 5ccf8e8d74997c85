package retrieval

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

type metrics struct {
	excluded metric.Int64Counter
}

func newMetrics(logger *zap.Logger) *metrics {
	m := &metrics{}
	var err error
	m.excluded, err = otel.Meter(instrumentationName).Int64Counter(
		"docqa.retrieval.excluded_versions",
		metric.WithDescription("Versions skipped during retrieval by reason (corrupt, stale, not_found)"),
		metric.WithUnit("{version}"),
	)
	if err != nil {
		logger.Warn("failed to create excluded versions counter", zap.Error(err))
	}
	return m
}

func (m *metrics) recordExcluded(ctx context.Context, reason string) {
	if m.excluded != nil {
		m.excluded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}
