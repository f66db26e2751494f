package usage

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
	"github.com/Jrmromao/prompt-craft-sub007/internal/logging"
)

// Handler exposes usage summaries over HTTP.
type Handler struct {
	aggregator *Aggregator
}

// NewHandler creates a new usage handler
func NewHandler(aggregator *Aggregator) *Handler {
	return &Handler{aggregator: aggregator}
}

// RegisterRoutes sets up tenant-scoped usage routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/tenants/:tenant/usage", h.GetUsage)
}

// GetUsage handles GET /tenants/:tenant/usage?feature=&from=&to=. The window
// defaults to the tenant's current billing period; from and to accept
// RFC 3339 timestamps or dates.
func (h *Handler) GetUsage(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID := c.Param("tenant")

	window, err := h.aggregator.CurrentPeriod(ctx, tenantID)
	if err != nil {
		respondError(c, err)
		return
	}
	if v := c.Query("from"); v != "" {
		if window.Start, err = parseTime(v); err != nil {
			respondError(c, apperr.Invalid("from: %v", err))
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if window.End, err = parseTime(v); err != nil {
			respondError(c, apperr.Invalid("to: %v", err))
			return
		}
	}

	stats, err := h.aggregator.Stats(ctx, tenantID, window.Start, window.End)
	if err != nil {
		respondError(c, err)
		return
	}
	breakdown, err := h.aggregator.Breakdown(ctx, tenantID, window.Start, window.End)
	if err != nil {
		respondError(c, err)
		return
	}
	if breakdown == nil {
		breakdown = []FeatureSummary{}
	}

	resp := gin.H{
		"tenantId":  tenantID,
		"window":    window,
		"stats":     stats,
		"errorRate": stats.ErrorRate().Round(2),
		"features":  breakdown,
	}
	if feature := c.Query("feature"); feature != "" {
		n, err := h.aggregator.UsageCount(ctx, tenantID, feature, window.Start, window.End)
		if err != nil {
			respondError(c, err)
			return
		}
		resp["feature"] = gin.H{"name": feature, "count": n}
	}
	c.JSON(http.StatusOK, resp)
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, v)
}

func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("usage request failed", "path", c.FullPath(), "error", err)
		message = "usage unavailable, retry later"
	}
	c.JSON(status, gin.H{"error": apperr.Code(err), "message": message})
}
