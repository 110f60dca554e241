package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/keepsake/capacity"
	"github.com/jmcleod/keepsake/storage"
)

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.ObserveOp("put", "bbolt", nil)
	r.ObserveEviction("sqlite", "largest-10", 3, 100)
	r.ObserveMemoryFallback("k")
	r.ObserveAutosave("session", nil)
	r.SetUsage(storage.CombinedInfo{})
	r.ObserveWarning(capacity.Warning{})

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestCounters(t *testing.T) {
	r := New()
	r.ObserveOp("put", "bbolt", nil)
	r.ObserveOp("put", "bbolt", storage.Fail(storage.CodeQuotaExceeded, "bbolt", "put", "k", nil))
	r.ObserveOp("get", "sqlite", errors.New("opaque"))
	r.ObserveEviction("sqlite", "older-than-7d", 4, 400)
	r.ObserveEviction("sqlite", "older-than-3d", 0, 0)
	r.ObserveMemoryFallback("k")
	r.ObserveAutosave("session", nil)

	assert.InDelta(t, 1, testutil.ToFloat64(r.ops.WithLabelValues("put", "bbolt", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.ops.WithLabelValues("put", "bbolt", "quota_exceeded")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.ops.WithLabelValues("get", "sqlite", "error")), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(r.evicted.WithLabelValues("sqlite", "older-than-7d")), 0)
	assert.InDelta(t, 400, testutil.ToFloat64(r.freed.WithLabelValues("sqlite")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.memoryFallback), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.autosaves.WithLabelValues("session", "ok")), 0)
}

func TestWarningUpdatesUsage(t *testing.T) {
	r := New()
	info := storage.Combine(storage.NewInfo(true, 90, 100), storage.NewInfo(true, 10, 100))
	r.ObserveWarning(capacity.Warning{Percentage: 50, Info: info})

	assert.InDelta(t, 1, testutil.ToFloat64(r.warnings), 0)
	assert.InDelta(t, 90, testutil.ToFloat64(r.usage.WithLabelValues("primary")), 0.001)
	assert.InDelta(t, 50, testutil.ToFloat64(r.usage.WithLabelValues("combined")), 0.001)
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	r.ObserveOp("delete", "memory", nil)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `keepsake_storage_operations_total{backend="memory",op="delete",result="ok"} 1`)
}
