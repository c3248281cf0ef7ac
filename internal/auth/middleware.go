// Package auth guards the administrative routes of the API.
//
// Authentication model:
// - Reads (profiles, customers, summaries): no auth required
// - Admin actions (recompute, activity log): X-Admin-Secret header
// - Development with no ADMIN_SECRET configured: admin routes are open
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/creditrisk/internal/activity"
)

const (
	// HeaderAdminSecret carries the shared admin secret.
	HeaderAdminSecret = "X-Admin-Secret"
	// ContextKeyAdmin is set on the gin context once a request passes RequireAdmin.
	ContextKeyAdmin = "authAdmin"
)

// RequireAdmin rejects requests that do not present the admin secret.
// When secret is empty the routes are open if openWhenUnset is true
// (demo mode) and closed otherwise.
func RequireAdmin(secret string, openWhenUnset bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if !openWhenUnset {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "Admin routes are disabled: ADMIN_SECRET is not configured.",
				})
				return
			}
			markAdmin(c, "demo")
			c.Next()
			return
		}

		if !secretMatches(c.GetHeader(HeaderAdminSecret), secret) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin access required. Include the '" + HeaderAdminSecret + "' header.",
			})
			return
		}

		markAdmin(c, "admin")
		c.Next()
	}
}

// IsAdminRequest reports whether the request passed RequireAdmin.
func IsAdminRequest(c *gin.Context) bool {
	v, exists := c.Get(ContextKeyAdmin)
	if !exists {
		return false
	}
	ok, _ := v.(bool)
	return ok
}

func markAdmin(c *gin.Context, actorID string) {
	c.Set(ContextKeyAdmin, true)
	c.Request = c.Request.WithContext(activity.WithActor(c.Request.Context(), activity.ActorAdmin, actorID))
}

func secretMatches(got, want string) bool {
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
