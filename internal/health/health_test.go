package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func ok(name string) Checker {
	return func(context.Context) Status { return Status{Name: name, Healthy: true} }
}

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry("test", time.Second).CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryOrderAndAggregate(t *testing.T) {
	r := NewRegistry("test", time.Second)
	r.Register("db", ok("db"))
	r.Register("plans", func(context.Context) Status {
		return Status{Healthy: false, Detail: "catalogue missing"}
	})
	r.Register("scheduler", ok("scheduler"))

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 3)
	assert.Equal(t, "db", statuses[0].Name)
	assert.Equal(t, "plans", statuses[1].Name, "empty name filled from registration")
	assert.Equal(t, "catalogue missing", statuses[1].Detail)
	assert.Equal(t, "scheduler", statuses[2].Name)
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry("test", 20*time.Millisecond)
	r.Register("slow", func(ctx context.Context) Status {
		time.Sleep(time.Second)
		return Status{Name: "slow", Healthy: true}
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, healthy)
	assert.Contains(t, statuses[0].Detail, "timed out")
}

func TestDBChecker(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectPing()
	s := DBChecker(db)(context.Background())
	assert.True(t, s.Healthy)
	assert.Equal(t, "database", s.Name)

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	s = DBChecker(db)(context.Background())
	assert.False(t, s.Healthy)
	assert.Equal(t, "connection refused", s.Detail)
}

func TestHandlers(t *testing.T) {
	reg := NewRegistry("1.2.3", time.Second)
	healthy := true
	reg.Register("db", func(context.Context) Status { return Status{Name: "db", Healthy: healthy} })

	router := gin.New()
	router.GET("/health/live", reg.Live)
	router.GET("/health/ready", reg.Ready)

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	w := get("/health/ready")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Status  string   `json:"status"`
		Version string   `json:"version"`
		Checks  []Status `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "1.2.3", body.Version)
	assert.Len(t, body.Checks, 1)

	healthy = false
	assert.Equal(t, http.StatusServiceUnavailable, get("/health/ready").Code)
	assert.Equal(t, http.StatusOK, get("/health/live").Code)
}
