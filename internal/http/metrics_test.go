package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func newTestMetrics() (*HTTPMetrics, *metric.ManualReader) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := &HTTPMetrics{
		meter:  mp.Meter(httpInstrumentationName),
		logger: zap.NewNop(),
	}
	m.init()
	return m, reader
}

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	m, reader := newTestMetrics()

	server, _ := setupTestServer(t, WithMetrics(m))
	get(server, "/health")
	get(server, "/health")
	postJSON(t, server, "/api/v1/knowledge", SubmitRequest{Title: "t"})
	get(server, "/nope")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, mt := range sm.Metrics {
			found[mt.Name] = mt
		}
	}

	requests, ok := found["curator.http.requests_total"]
	require.True(t, ok, "requests counter not found")
	sum, ok := requests.Data.(metricdata.Sum[int64])
	require.True(t, ok)

	byRoute := make(map[string]int64)
	statuses := make(map[int64]bool)
	for _, dp := range sum.DataPoints {
		route, _ := dp.Attributes.Value(attribute.Key("endpoint"))
		status, _ := dp.Attributes.Value(attribute.Key("status"))
		byRoute[route.AsString()] += dp.Value
		statuses[status.AsInt64()] = true
	}
	assert.Equal(t, int64(2), byRoute["/health"])
	assert.Equal(t, int64(1), byRoute["/api/v1/knowledge"])
	assert.True(t, statuses[http.StatusBadRequest], "handler errors are recorded with their status")
	assert.True(t, statuses[http.StatusNotFound])

	duration, ok := found["curator.http.request_duration_seconds"]
	require.True(t, ok, "duration histogram not found")
	hist, ok := duration.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(4), count)

	assert.Contains(t, found, "curator.http.response_size_bytes")
	assert.Contains(t, found, "curator.http.active_requests")
}

func TestHTTPMetrics_Standalone(t *testing.T) {
	m, reader := newTestMetrics()

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/items/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, c.Param("id"))
	})
	for _, id := range []string{"a", "b", "c"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/"+id, nil))
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, mt := range sm.Metrics {
			if mt.Name != "curator.http.requests_total" {
				continue
			}
			sum := mt.Data.(metricdata.Sum[int64])
			require.Len(t, sum.DataPoints, 1, "path parameters share one series")
			assert.Equal(t, int64(3), sum.DataPoints[0].Value)
			return
		}
	}
	t.Fatal("requests counter not found")
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "unmatched", routeLabel(""))
	assert.Equal(t, "/health", routeLabel("/health"))
	assert.Equal(t, "/items/:id", routeLabel("/items/:id"))
}

func TestNewHTTPMetrics_NilLogger(t *testing.T) {
	m := NewHTTPMetrics(nil)
	require.NotNil(t, m)
	assert.NotNil(t, m.requestsTotal)
}
