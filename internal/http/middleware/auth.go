// README: Caller identity middleware. The API gateway authenticates and forwards the caller as headers.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"

	RoleRider  = "rider"
	RoleDriver = "driver"
	RoleAdmin  = "admin"

	callerIDKey   = "caller_id"
	callerRoleKey = "caller_role"
)

// Auth requires both identity headers and stores them on the context.
func Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderActorID))
		role := strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderActorRole)))
		if id == "" || role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing caller identity"})
			return
		}
		switch role {
		case RoleRider, RoleDriver, RoleAdmin:
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown caller role"})
			return
		}
		c.Set(callerIDKey, id)
		c.Set(callerRoleKey, role)
		c.Next()
	}
}

// RequireRoles must run after Auth.
func RequireRoles(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		if _, ok := allowed[CallerRole(c)]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "role not allowed"})
			return
		}
		c.Next()
	}
}

func CallerID(c *gin.Context) string {
	return c.GetString(callerIDKey)
}

func CallerRole(c *gin.Context) string {
	return c.GetString(callerRoleKey)
}
