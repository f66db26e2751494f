package credits

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T) (*gin.Engine, *Ledger) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	l, _, _ := newTestLedger(t)
	h := NewHandler(l)
	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("/admin"))
	return r, l
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_GetBalance(t *testing.T) {
	r, l := setupRouter(t)
	seed(t, l, "t1", 100, 25)

	w := do(r, "GET", "/v1/tenants/t1/balance", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Balance Balance `json:"balance"`
		Total   int64   `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(125), resp.Total)
	assert.Equal(t, int64(25), resp.Balance.PurchasedCredits)

	w = do(r, "GET", "/v1/tenants/ghost/balance", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")
}

func TestHandler_History(t *testing.T) {
	r, l := setupRouter(t)
	seed(t, l, "t1", 100, 0)
	for i := 0; i < 3; i++ {
		_, err := l.Debit(context.Background(), "t1", 1, "usage", Metadata{})
		require.NoError(t, err)
	}

	w := do(r, "GET", "/v1/tenants/t1/transactions?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Transactions []*Transaction `json:"transactions"`
		NextCursor   string         `json:"nextCursor"`
		HasMore      bool           `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Transactions, 2)
	assert.True(t, page.HasMore)

	w = do(r, "GET", "/v1/tenants/t1/transactions?limit=2&cursor="+page.NextCursor, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Transactions, 2)
	assert.False(t, page.HasMore)

	for _, bad := range []string{"limit=abc", "since=yesterday", "cursor=%21%21"} {
		w = do(r, "GET", "/v1/tenants/t1/transactions?"+bad, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, bad)
	}
}

func TestHandler_ExportCSV(t *testing.T) {
	r, l := setupRouter(t)
	seed(t, l, "t1", 100, 0)

	w := do(r, "GET", "/v1/tenants/t1/transactions.csv", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	assert.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "id,created_at,type"))

	w = do(r, "GET", "/v1/tenants/ghost/transactions.csv", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_Reconcile(t *testing.T) {
	r, l := setupRouter(t)
	seed(t, l, "t1", 100, 10)

	w := do(r, "GET", "/v1/tenants/t1/reconcile", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"match":true`)
}

func TestHandler_GrantCredits(t *testing.T) {
	r, l := setupRouter(t)
	seed(t, l, "t1", 10, 0)

	w := do(r, "POST", "/v1/admin/tenants/t1/credits", `{"amount":40,"type":"BONUS","description":"goodwill"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var res Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, int64(40), res.Balance.PurchasedCredits)
	assert.NotEmpty(t, res.TransactionID)

	w = do(r, "POST", "/v1/admin/tenants/t1/credits", `{"amount":40,"type":"USAGE","description":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, "POST", "/v1/admin/tenants/t1/credits", `{"type":"BONUS"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Renew(t *testing.T) {
	r, l := setupRouter(t)
	seed(t, l, "t1", 10, 0)

	w := do(r, "POST", "/v1/admin/tenants/t1/renew", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "already renewed")
}

func TestRespondError_Insufficient(t *testing.T) {
	_, l := setupRouter(t)
	seed(t, l, "t1", 5, 0)
	_, err := l.Debit(context.Background(), "t1", 9, "x", Metadata{})
	require.Error(t, err)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/", nil)
	respondError(c, err)

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "insufficient_credits", body["error"])
	assert.Equal(t, float64(9), body["requested"])
	assert.Equal(t, float64(5), body["available"])
}
