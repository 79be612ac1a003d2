package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs a Metrics instance backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.Emit() == value
}

func TestRecordHTTP(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/7h7qgvs4kgzsn8a6rb273saxyqh4jxlz.narinfo", nil)
	r = InjectTags(r, "req-1")
	SetResource(r, ResourceNarInfo)
	SetCacheResult(r, CacheHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "nix_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "resource", "narinfo"))
	require.True(t, hasAttr(dps[0].Attributes, "method", "GET"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	bytesDps := findCounter(rm, "nix_cache_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "nix_cache_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	// Request without InjectTags, as if it bypassed the middleware.
	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)

	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, 1*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "nix_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "resource", "unknown"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "bypass"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
}

func TestRecordHTTP_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil

	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r = InjectTags(r, "")

	// Should not panic
	RecordHTTP(context.Background(), r, http.StatusOK, 0, 1*time.Millisecond)
	RecordPathInfoLookup(context.Background(), "remote", "found")
	RecordMetadataCache(context.Background(), CacheHit)
	RecordUpstreamRetry(context.Background(), 1)
	RecordVerificationFailure(context.Background(), "nar")
	RecordNarBytes(context.Background(), "xz", 10)
	RecordPublish(context.Background(), ResourceNar, "success", 10)
	RecordReaperCycle(context.Background(), "narinfo", 1, time.Millisecond)
}

func TestRecordPathInfoLookup(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordPathInfoLookup(ctx, "cache", "absent")
	RecordPathInfoLookup(ctx, "cache", "absent")
	RecordPathInfoLookup(ctx, "remote", "found")

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "nix_cache_path_info_lookups_total")
	require.Len(t, dps, 2)

	for _, dp := range dps {
		if hasAttr(dp.Attributes, "source", "cache") {
			require.True(t, hasAttr(dp.Attributes, "outcome", "absent"))
			require.EqualValues(t, 2, dp.Value)
		} else {
			require.True(t, hasAttr(dp.Attributes, "outcome", "found"))
			require.EqualValues(t, 1, dp.Value)
		}
	}
}

func TestRecordUpstreamRetry(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := WithResource(context.Background(), ResourceNarInfo)

	RecordUpstreamRetry(ctx, 1)
	RecordUpstreamRetry(ctx, 2)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "nix_cache_upstream_retries_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		require.True(t, hasAttr(dp.Attributes, "resource", "narinfo"))
	}
}

func TestRecordNarBytes_IgnoresEmpty(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordNarBytes(context.Background(), "zstd", 0)
	RecordNarBytes(context.Background(), "zstd", 42)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "nix_cache_nar_bytes_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 42, dps[0].Value)
}

func TestRecordReaperCycle(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordReaperCycle(context.Background(), "narinfo", 3, 10*time.Millisecond)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "nix_cache_reaper_deleted_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 3, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "reaper", "narinfo"))

	hist := findHistogram(rm, "nix_cache_reaper_duration_seconds")
	require.Len(t, hist, 1)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{299, "2xx"},
		{301, "3xx"},
		{304, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
