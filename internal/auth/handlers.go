package auth

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
	"github.com/Jrmromao/prompt-craft-sub007/internal/logging"
)

// Handler provides admin endpoints for API keys
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterAdminRoutes sets up key management under an admin group
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tenants/:tenant/keys", h.CreateKey)
	r.GET("/tenants/:tenant/keys", h.ListKeys)
	r.DELETE("/tenants/:tenant/keys/:keyId", h.RevokeKey)
}

type createKeyRequest struct {
	Name string `json:"name"`
	// TTL is a Go duration string such as "720h"; empty means no expiry.
	TTL string `json:"ttl"`
}

// CreateKey handles POST /admin/tenants/:tenant/keys
func (h *Handler) CreateKey(c *gin.Context) {
	var req createKeyRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "invalid key request body"})
			return
		}
	}
	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "ttl must be a duration such as 720h"})
			return
		}
		ttl = d
	}

	raw, key, err := h.manager.GenerateKey(c.Request.Context(), c.Param("tenant"), req.Name, ttl)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  raw,
		"key":     key,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys handles GET /admin/tenants/:tenant/keys
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.manager.ListKeys(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		respondError(c, err)
		return
	}
	if keys == nil {
		keys = []*APIKey{}
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// RevokeKey handles DELETE /admin/tenants/:tenant/keys/:keyId
func (h *Handler) RevokeKey(c *gin.Context) {
	if err := h.manager.RevokeKey(c.Request.Context(), c.Param("tenant"), c.Param("keyId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": c.Param("keyId")})
}

func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("auth request failed", "path", c.FullPath(), "error", err)
		message = "key store unavailable, retry later"
	}
	c.JSON(status, gin.H{"error": apperr.Code(err), "message": message})
}
