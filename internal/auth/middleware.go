package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Jrmromao/prompt-craft-sub007/internal/apperr"
	"github.com/Jrmromao/prompt-craft-sub007/internal/logging"
)

// ContextKeyAPIKey holds the authenticated *APIKey on the gin context.
const ContextKeyAPIKey = "auth.apiKey"

// AdminHeader carries the admin secret.
const AdminHeader = "X-Admin-Secret"

// Middleware resolves an API key when one is presented. Requests without a
// key pass through; an invalid key is rejected with 401.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}
		if raw == "" {
			c.Next()
			return
		}

		key, err := m.ValidateKey(c.Request.Context(), raw)
		switch {
		case errors.Is(err, apperr.ErrStoreUnavailable):
			logging.L(c.Request.Context()).Error("api key lookup failed", "error", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "store_unavailable",
				"message": "authentication unavailable, retry later",
			})
			return
		case err != nil:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": err.Error(),
			})
			return
		}
		c.Set(ContextKeyAPIKey, key)
		c.Request = c.Request.WithContext(logging.WithTenantID(c.Request.Context(), key.TenantID))
		c.Next()
	}
}

// RequireTenant requires a key issued to the tenant named by the path
// parameter param.
func RequireTenant(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := GetAPIKey(c)
		if key == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required",
			})
			return
		}
		if !strings.EqualFold(key.TenantID, c.Param(param)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "API key does not belong to this tenant",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin guards operator routes with a shared secret. An empty secret
// leaves the routes open; config refuses that in production.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		got := c.GetHeader(AdminHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "admin secret required",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the authenticated key, or nil.
func GetAPIKey(c *gin.Context) *APIKey {
	if v, ok := c.Get(ContextKeyAPIKey); ok {
		if key, ok := v.(*APIKey); ok {
			return key
		}
	}
	return nil
}
