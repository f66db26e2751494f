package accounting

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
	"github.com/Jrmromao/prompt-craft-sub007/internal/logging"
)

// Handler exposes the authorize/settle flow over HTTP.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new accounting handler
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up tenant-scoped accounting routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tenants/:tenant/authorize", h.Authorize)
	r.POST("/tenants/:tenant/operations", h.RecordOperation)
}

type authorizeRequest struct {
	RequiredFeature string `json:"requiredFeature"`
	Credits         int64  `json:"credits"`
}

// Authorize handles POST /tenants/:tenant/authorize. A denial answers with
// the error status and the authorization body so clients can show the
// reason and upgrade link.
func (h *Handler) Authorize(c *gin.Context) {
	var req authorizeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "invalid authorize body"})
			return
		}
	}
	auth, err := h.engine.Authorize(c.Request.Context(), AuthorizeRequest{
		TenantID:        c.Param("tenant"),
		RequiredFeature: req.RequiredFeature,
		Credits:         req.Credits,
	})
	if err != nil {
		respondDenied(c, auth, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorization": auth})
}

// RecordOperation handles POST /tenants/:tenant/operations: it authorizes
// the tenant for the reported operation and settles it. An operation id that
// was already charged skips authorization and settles as a replay. Once the
// debit has committed the response is never a retry-later status: a usage
// write failure answers 202 with the settlement.
func (h *Handler) RecordOperation(c *gin.Context) {
	var body struct {
		Operation
		RequiredFeature string `json:"requiredFeature"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "invalid operation body"})
		return
	}
	op := body.Operation
	op.TenantID = c.Param("tenant")
	ctx := c.Request.Context()

	charged := false
	if op.Success && op.Credits > 0 && op.OperationID != "" {
		var err error
		if charged, err = h.engine.Charged(ctx, op.TenantID, op.OperationID); err != nil {
			respondError(c, err)
			return
		}
	}

	warning := false
	if !charged {
		charge := int64(0)
		if op.Success {
			charge = op.Credits
		}
		auth, err := h.engine.Authorize(ctx, AuthorizeRequest{
			TenantID:        op.TenantID,
			RequiredFeature: body.RequiredFeature,
			Credits:         charge,
		})
		if err != nil {
			respondDenied(c, auth, err)
			return
		}
		warning = auth.Warning
	}

	s, err := h.engine.Settle(ctx, &op)
	switch {
	case errors.Is(err, ErrUsageNotRecorded):
		logging.L(ctx).Error("operation charged without usage", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusAccepted, gin.H{
			"settlement": s,
			"warning":    warning,
			"error":      "usage_not_recorded",
			"message":    "credits charged; resubmit with the same operationId to record usage",
		})
		return
	case err != nil:
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"settlement": s, "warning": warning})
}

func respondDenied(c *gin.Context, auth *Authorization, err error) {
	if auth == nil {
		respondError(c, err)
		return
	}
	resp := gin.H{"error": apperr.Code(err), "message": err.Error(), "authorization": auth}
	var le *apperr.LimitError
	if errors.As(err, &le) {
		resp["upgradeUrl"] = le.UpgradeURL
	}
	c.JSON(apperr.HTTPStatus(err), resp)
}

func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("accounting request failed", "path", c.FullPath(), "error", err)
		message = "accounting unavailable, retry later"
	}
	c.JSON(status, gin.H{"error": apperr.Code(err), "message": message})
}
