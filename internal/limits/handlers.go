package limits

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
	"github.com/Jrmromao/prompt-craft-sub007/internal/logging"
)

// Handler exposes the limit checks over HTTP.
type Handler struct {
	evaluator *Evaluator
}

// NewHandler creates a new limits handler
func NewHandler(evaluator *Evaluator) *Handler {
	return &Handler{evaluator: evaluator}
}

// RegisterRoutes sets up tenant-scoped limit routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/tenants/:tenant/limits/spend", h.GetSpend)
	r.GET("/tenants/:tenant/limits/features/:feature", h.GetFeature)
	r.GET("/tenants/:tenant/limits/quotas/:limit", h.GetQuota)
}

// GetSpend handles GET /tenants/:tenant/limits/spend. A denied check is
// still a 200; the body says so.
func (h *Handler) GetSpend(c *gin.Context) {
	check, err := h.evaluator.CheckAISpendLimit(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, check)
}

// GetFeature handles GET /tenants/:tenant/limits/features/:feature
func (h *Handler) GetFeature(c *gin.Context) {
	check, err := h.evaluator.CheckPlanLimit(c.Request.Context(), c.Param("tenant"), c.Param("feature"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, check)
}

// GetQuota handles GET /tenants/:tenant/limits/quotas/:limit?current=N
func (h *Handler) GetQuota(c *gin.Context) {
	current, err := strconv.ParseInt(c.DefaultQuery("current", "0"), 10, 64)
	if err != nil {
		respondError(c, apperr.Invalid("current must be an integer"))
		return
	}
	check, err := h.evaluator.CheckQuota(c.Request.Context(), c.Param("tenant"), c.Param("limit"), current)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, check)
}

func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("limit check failed", "path", c.FullPath(), "error", err)
		message = "limit check unavailable, retry later"
	}
	c.JSON(status, gin.H{"error": apperr.Code(err), "message": message})
}
