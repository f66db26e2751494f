package auth

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

func adminRouter(t *testing.T) (*gin.Engine, *Manager) {
	t.Helper()
	m, _, _ := newManager(t)
	r := gin.New()
	NewHandler(m).RegisterAdminRoutes(r.Group("/v1/admin"))
	tenantGroup := r.Group("/v1", Middleware(m))
	tenantGroup.GET("/tenants/:tenant/ping", RequireTenant("tenant"), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r, m
}

func send(r http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlers_KeyLifecycle(t *testing.T) {
	r, _ := adminRouter(t)

	w := send(r, http.MethodPost, "/v1/admin/tenants/t1/keys", `{"name":"ci","ttl":"720h"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		APIKey string `json:"apiKey"`
		Key    struct {
			ID        string  `json:"id"`
			TenantID  string  `json:"tenantId"`
			Hash      string  `json:"hash"`
			ExpiresAt *string `json:"expiresAt"`
		} `json:"key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "t1", created.Key.TenantID)
	assert.Empty(t, created.Key.Hash)
	assert.NotNil(t, created.Key.ExpiresAt)

	w = send(r, http.MethodGet, "/v1/tenants/t1/ping", "", map[string]string{"Authorization": "Bearer " + created.APIKey})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = send(r, http.MethodGet, "/v1/admin/tenants/t1/keys", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.NotContains(t, w.Body.String(), created.APIKey)

	w = send(r, http.MethodDelete, "/v1/admin/tenants/t1/keys/"+created.Key.ID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = send(r, http.MethodGet, "/v1/tenants/t1/ping", "", map[string]string{"Authorization": "Bearer " + created.APIKey})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = send(r, http.MethodDelete, "/v1/admin/tenants/t1/keys/key_missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_CreateKeyErrors(t *testing.T) {
	r, _ := adminRouter(t)

	w := send(r, http.MethodPost, "/v1/admin/tenants/t1/keys", `{"ttl":"soon"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = send(r, http.MethodPost, "/v1/admin/tenants/t1/keys", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = send(r, http.MethodPost, "/v1/admin/tenants/ghost/keys", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = send(r, http.MethodGet, "/v1/admin/tenants/t2/keys", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"keys":[],"count":0}`, w.Body.String())
}
