package credits

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
	"github.com/Jrmromao/prompt-craft-sub007/internal/logging"
	"github.com/Jrmromao/prompt-craft-sub007/internal/pagination"
)

// Handler provides HTTP endpoints for the credit ledger
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new credits handler
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up tenant-scoped credit routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/tenants/:tenant/balance", h.GetBalance)
	r.GET("/tenants/:tenant/transactions", h.GetHistory)
	r.GET("/tenants/:tenant/transactions.csv", h.ExportCSV)
	r.GET("/tenants/:tenant/reconcile", h.Reconcile)
}

// RegisterAdminRoutes sets up admin-only credit routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tenants/:tenant/credits", h.GrantCredits)
	r.POST("/tenants/:tenant/renew", h.Renew)
}

// GetBalance handles GET /tenants/:tenant/balance
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.ledger.GetBalance(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balance": bal,
		"total":   bal.Total(),
	})
}

// GetHistory handles GET /tenants/:tenant/transactions
func (h *Handler) GetHistory(c *gin.Context) {
	q, err := parseHistoryQuery(c)
	if err != nil {
		respondError(c, err)
		return
	}
	page, err := h.ledger.HistoryPage(c.Request.Context(), c.Param("tenant"), q)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": page.Items,
		"nextCursor":   page.NextCursor,
		"hasMore":      page.HasMore,
	})
}

// ExportCSV handles GET /tenants/:tenant/transactions.csv
func (h *Handler) ExportCSV(c *gin.Context) {
	q, err := parseHistoryQuery(c)
	if err != nil {
		respondError(c, err)
		return
	}
	tenantID := c.Param("tenant")
	// Existence check first so a missing tenant gets a JSON error, not a
	// half-written CSV body.
	if _, err := h.ledger.GetBalance(c.Request.Context(), tenantID); err != nil {
		respondError(c, err)
		return
	}
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="`+tenantID+`-transactions.csv"`)
	c.Status(http.StatusOK)
	if err := h.ledger.ExportCSV(c.Request.Context(), tenantID, q, c.Writer); err != nil {
		logging.L(c.Request.Context()).Error("csv export failed", "tenant_id", tenantID, "error", err)
	}
}

// Reconcile handles GET /tenants/:tenant/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	rec, err := h.ledger.Reconcile(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciliation": rec})
}

// GrantRequest credits a tenant outside the usage flow.
type GrantRequest struct {
	Amount      int64             `json:"amount" binding:"required"`
	Type        TxType            `json:"type" binding:"required"`
	Description string            `json:"description" binding:"required"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// GrantCredits handles POST /admin/tenants/:tenant/credits
func (h *Handler) GrantCredits(c *gin.Context) {
	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount, type and description are required",
		})
		return
	}
	res, err := h.ledger.Credit(c.Request.Context(), c.Param("tenant"), req.Amount, req.Type,
		req.Description, Metadata{Extra: req.Extra})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// Renew handles POST /admin/tenants/:tenant/renew
func (h *Handler) Renew(c *gin.Context) {
	res, err := h.ledger.RenewMonthly(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func parseHistoryQuery(c *gin.Context) (HistoryQuery, error) {
	var q HistoryQuery
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return q, apperr.Invalid("limit must be an integer")
		}
		q.Limit = n
	}
	var err error
	if q.Since, err = parseTime(c.Query("since")); err != nil {
		return q, err
	}
	if q.Until, err = parseTime(c.Query("until")); err != nil {
		return q, err
	}
	if q.Cursor, err = pagination.Decode(c.Query("cursor")); err != nil {
		return q, err
	}
	return q, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, apperr.Invalid("timestamps must be RFC3339")
	}
	return t, nil
}

// respondError maps ledger errors to HTTP responses.
func respondError(c *gin.Context, err error) {
	body := gin.H{"error": apperr.Code(err), "message": err.Error()}
	var ice *apperr.InsufficientCreditsError
	if errors.As(err, &ice) {
		body["requested"] = ice.Requested
		body["available"] = ice.Available
	}
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("credits request failed", "path", c.FullPath(), "error", err)
		body["message"] = "credit store unavailable, retry later"
	}
	c.JSON(status, body)
}
