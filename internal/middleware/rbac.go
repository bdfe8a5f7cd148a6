// Package middleware (rbac.go) implements role-based authorization middleware.
//
// Roles travel in the JWT "role" claim, so a role change takes effect when the user
// next signs in.

package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/idrisalani/school-management-system-sub002/internal/audit"
)

// RequireRole allows the request only when the caller's role is one of roles.
// Denials are recorded as ACCESS_DENIED. emitter may be nil.
func RequireRole(emitter *audit.Emitter, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := CurrentClaims(c)
		if claims == nil {
			deny(c, emitter, "", http.StatusUnauthorized, "User not authenticated")
			return
		}
		if !claims.HasRole(roles...) {
			deny(c, emitter, claims.UserID, http.StatusForbidden, "Insufficient permissions",
				"role", claims.Role, "required", strings.Join(roles, ","))
			return
		}
		c.Next()
	}
}

func deny(c *gin.Context, emitter *audit.Emitter, userID string, status int, message string, kv ...string) {
	if emitter != nil {
		extras := map[string]interface{}{"statusCode": status}
		for i := 0; i+1 < len(kv); i += 2 {
			extras[kv[i]] = kv[i+1]
		}
		var uid interface{}
		if userID != "" {
			uid = userID
		}
		emitter.LogAccess(c.Request.Context(), RequestContext(c), audit.ActionAccessDenied, uid, message, extras)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}
