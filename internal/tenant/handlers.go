package tenant

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
	"github.com/Jrmromao/prompt-craft-sub007/internal/logging"
	"github.com/Jrmromao/prompt-craft-sub007/internal/plans"
)

// Handler provides HTTP endpoints for tenant management.
type Handler struct {
	service *Service
}

// NewHandler creates a new tenant handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up tenant-scoped routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/tenants/:tenant", h.GetTenant)
}

// RegisterAdminRoutes sets up admin-only tenant routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tenants", h.CreateTenant)
	r.GET("/tenants", h.ListTenants)
	r.PATCH("/tenants/:tenant", h.UpdateTenant)
}

// CreateTenant handles POST /admin/tenants
func (h *Handler) CreateTenant(c *gin.Context) {
	var req OnboardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "invalid body"})
		return
	}
	t, err := h.service.Onboard(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"tenant": t})
}

// ListTenants handles GET /admin/tenants
func (h *Handler) ListTenants(c *gin.Context) {
	tenants, err := h.service.List(c.Request.Context(), Status(c.Query("status")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenants": tenants, "count": len(tenants)})
}

// GetTenant handles GET /tenants/:tenant
func (h *Handler) GetTenant(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// UpdateTenant handles PATCH /admin/tenants/:tenant
func (h *Handler) UpdateTenant(c *gin.Context) {
	var req struct {
		Plan   *plans.Tier `json:"plan"`
		Status *Status     `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "invalid body"})
		return
	}
	if req.Plan == nil && req.Status == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "plan or status required"})
		return
	}

	ctx := c.Request.Context()
	id := c.Param("tenant")
	var (
		t   *Tenant
		err error
	)
	if req.Plan != nil {
		if t, err = h.service.ChangePlan(ctx, id, *req.Plan); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.Status != nil {
		if t, err = h.service.SetStatus(ctx, id, *req.Status); err != nil {
			respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if errors.Is(err, ErrTenantExists) {
		status = http.StatusConflict
	}
	message := err.Error()
	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("tenant request failed", "path", c.FullPath(), "error", err)
		message = "tenant store unavailable, retry later"
	}
	c.JSON(status, gin.H{"error": apperr.Code(err), "message": message})
}
