package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := crawlerRunsTotal
	Init()
	require.Same(t, first, crawlerRunsTotal)
}

func TestObserveRunAndRetailer(t *testing.T) {
	Init()
	before := testutil.ToFloat64(crawlerRunsTotal.WithLabelValues("degraded"))
	ObserveRun("Degraded")
	require.Equal(t, before+1, testutil.ToFloat64(crawlerRunsTotal.WithLabelValues("degraded")))

	ObserveRetailer("credentialed", "skipped", "missing_credentials", 0)
	require.GreaterOrEqual(t, testutil.ToFloat64(crawlerRetailersTotal.WithLabelValues("skipped", "missing_credentials")), 1.0)

	ObserveRetailer("generic", "completed", "", 2*time.Second)
	require.GreaterOrEqual(t, testutil.ToFloat64(crawlerRetailersTotal.WithLabelValues("completed", "none")), 1.0)
}

func TestObserveFileAddsBytes(t *testing.T) {
	ObserveFile("Victory", FilePersisted, 128)
	ObserveFile("victory", FileDuplicate, 0)
	require.GreaterOrEqual(t, testutil.ToFloat64(crawlerBytesTotal.WithLabelValues("victory")), 128.0)
	require.GreaterOrEqual(t, testutil.ToFloat64(crawlerFilesTotal.WithLabelValues(FileDuplicate)), 1.0)
}

func TestActiveSlotsGauge(t *testing.T) {
	Init()
	base := testutil.ToFloat64(crawlerActiveSlots)
	IncActiveSlots()
	IncActiveSlots()
	DecActiveSlots()
	require.Equal(t, base+1, testutil.ToFloat64(crawlerActiveSlots))
	DecActiveSlots()
}

func TestHandlerServesCollectors(t *testing.T) {
	ObserveStorageRetry()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "crawler_storage_write_retries_total"))
}

func TestObserveRateLimitDelay(t *testing.T) {
	ObserveRateLimitDelay("Prices.Example", 30*time.Millisecond)
	require.GreaterOrEqual(t, testutil.CollectAndCount(crawlerRateLimitDelaySeconds, "crawler_rate_limit_delay_seconds"), 1)
}
