package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docqa/internal/engine"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))

	m := &HTTPMetrics{
		meter:  mp.Meter(httpInstrumentationName),
		logger: zap.NewNop(),
	}
	m.init()

	e := echo.New()
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		he, _ := toHTTPError(err)
		e.DefaultHTTPErrorHandler(he, c)
	}
	e.Use(m.MetricsMiddleware())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.POST("/api/v1/query", func(c echo.Context) error {
		return engine.ErrNoCandidateContent
	})
	e.GET("/api/v1/conversations/:id", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"id": c.Param("id")})
	})

	for _, r := range []struct{ method, target string }{
		{http.MethodGet, "/health"},
		{http.MethodPost, "/api/v1/query"},
		{http.MethodGet, "/api/v1/conversations/a"},
		{http.MethodGet, "/api/v1/conversations/b"},
	} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(r.method, r.target, nil))
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			found[md.Name] = true
			switch md.Name {
			case "docqa.http.requests_total":
				sum, ok := md.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				var total int64
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
				assert.Equal(t, int64(4), total)
			case "docqa.http.request_duration_seconds":
				hist, ok := md.Data.(metricdata.Histogram[float64])
				require.True(t, ok)
				var total uint64
				for _, dp := range hist.DataPoints {
					total += dp.Count
				}
				assert.Equal(t, uint64(4), total)
			}
		}
	}
	assert.True(t, found["docqa.http.requests_total"], "requests counter")
	assert.True(t, found["docqa.http.request_duration_seconds"], "duration histogram")
	assert.True(t, found["docqa.http.response_size_bytes"], "response size histogram")
	assert.True(t, found["docqa.http.active_requests"], "active requests gauge")

	// Route patterns keep label cardinality bounded; errors record the
	// status actually sent.
	assert.Equal(t, 2.0, testutil.ToFloat64(m.promRequests.WithLabelValues(http.MethodGet, "/api/v1/conversations/:id", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.promRequests.WithLabelValues(http.MethodPost, "/api/v1/query", "404")))
}

func TestToHTTPError(t *testing.T) {
	he, known := toHTTPError(errors.New("boom"))
	assert.False(t, known)
	assert.Equal(t, http.StatusInternalServerError, he.Code)

	he, known = toHTTPError(echo.NewHTTPError(http.StatusTeapot, "tea"))
	assert.True(t, known)
	assert.Equal(t, http.StatusTeapot, he.Code)
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", "unmatched"},
		{"/health", "/health"},
		{"/api/v1/conversations/:id", "/api/v1/conversations/:id"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, normalizePath(tt.input), tt.input)
	}
}
