package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{402, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	// Gauges are always exported.
	assert.Contains(t, w.Body.String(), "promptcraft_goroutines")

	ObserveJob("renewal", time.Now(), nil)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, w.Body.String(), "promptcraft_job_runs_total")
}

func TestObserveJob_Outcome(t *testing.T) {
	before := testutil.ToFloat64(JobRunsTotal.WithLabelValues("purge", "error"))
	ObserveJob("purge", time.Now(), errors.New("db down"))
	assert.Equal(t, before+1, testutil.ToFloat64(JobRunsTotal.WithLabelValues("purge", "error")))
}

func histogramCount(t *testing.T, o prometheus.Observer) uint64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, o.(prometheus.Metric).Write(m))
	return m.GetHistogram().GetSampleCount()
}

func TestObserveJob_Duration(t *testing.T) {
	before := histogramCount(t, JobDuration.WithLabelValues("alert_sweep"))
	ObserveJob("alert_sweep", time.Now().Add(-2*time.Second), nil)
	assert.Equal(t, before+1, histogramCount(t, JobDuration.WithLabelValues("alert_sweep")))
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/tenants/:tenant/balance", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/tenants/:tenant/balance", "2xx"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/tenants/t1/balance", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/tenants/:tenant/balance", "2xx")))
}

func TestSampleDBStats(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sampleDBStats(db)
	assert.GreaterOrEqual(t, testutil.ToFloat64(GoroutineCount), float64(1))
}
