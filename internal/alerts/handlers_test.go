package alerts

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	f := newFixture(t)
	r := gin.New()
	NewHandler(f.eval).RegisterRoutes(r.Group("/v1"))
	return r, f
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlers_ConfigRoundTrip(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(r, http.MethodGet, "/v1/tenants/t1/alerts/config", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"costSpike":{"enabled":false`)

	w = do(r, http.MethodPut, "/v1/tenants/t1/alerts/config",
		`{"tenantId":"someone-else","costSpike":{"enabled":true,"threshold":"5"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Config Config `json:"config"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "t1", resp.Config.TenantID, "path wins over body")
	assert.True(t, resp.Config.CostSpike.Enabled)

	w = do(r, http.MethodGet, "/v1/tenants/t1/alerts/config", "")
	assert.Contains(t, w.Body.String(), `"costSpike":{"enabled":true,"threshold":"5"}`)
}

func TestHandlers_SaveConfigRejects(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(r, http.MethodPut, "/v1/tenants/t1/alerts/config", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPut, "/v1/tenants/t1/alerts/config", `{"errorRate":{"enabled":true,"threshold":"150"}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"invalid_input"`)
}

func TestHandlers_CheckAlerts(t *testing.T) {
	r, f := setupRouter(t)

	w := do(r, http.MethodGet, "/v1/tenants/t1/alerts", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"alerts":[],"count":0}`, w.Body.String())

	f.configure(t, &Config{TenantID: "t1", CostSpike: on("1")})
	f.record(t, "t1", "3", 10, true, now)

	w = do(r, http.MethodGet, "/v1/tenants/t1/alerts", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Alerts []Event `json:"alerts"`
		Count  int     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, TypeCostSpike, resp.Alerts[0].Type)
}
