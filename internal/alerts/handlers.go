package alerts

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
	"github.com/Jrmromao/prompt-craft-sub007/internal/logging"
)

// Handler provides HTTP endpoints for alerts
type Handler struct {
	evaluator *Evaluator
}

// NewHandler creates a new alerts handler
func NewHandler(evaluator *Evaluator) *Handler {
	return &Handler{evaluator: evaluator}
}

// RegisterRoutes sets up tenant-scoped alert routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/tenants/:tenant/alerts", h.CheckAlerts)
	r.GET("/tenants/:tenant/alerts/config", h.GetConfig)
	r.PUT("/tenants/:tenant/alerts/config", h.SaveConfig)
}

// CheckAlerts handles GET /tenants/:tenant/alerts. It runs the rules now.
func (h *Handler) CheckAlerts(c *gin.Context) {
	events, err := h.evaluator.CheckAlerts(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		respondError(c, err)
		return
	}
	if events == nil {
		events = []*Event{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": events, "count": len(events)})
}

// GetConfig handles GET /tenants/:tenant/alerts/config
func (h *Handler) GetConfig(c *gin.Context) {
	cfg, err := h.evaluator.GetConfig(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg})
}

// SaveConfig handles PUT /tenants/:tenant/alerts/config
func (h *Handler) SaveConfig(c *gin.Context) {
	var cfg Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "invalid alert config body"})
		return
	}
	cfg.TenantID = c.Param("tenant")
	if err := h.evaluator.SaveConfig(c.Request.Context(), &cfg); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg})
}

func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("alerts request failed", "path", c.FullPath(), "error", err)
		message = "alerts unavailable, retry later"
	}
	c.JSON(status, gin.H{"error": apperr.Code(err), "message": message})
}
