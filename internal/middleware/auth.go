// Package middleware provides Gin HTTP middleware for authentication, authorization,
// rate limiting, security headers, metrics, and audit logging.
//
// Middleware ordering matters and is enforced in router.go:
//
//	RequestID → Metrics → Security → RateLimit → Auth → RBAC → Audit → Handler
//
// Every rejection along the way is itself recorded as an access event.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/idrisalani/school-management-system-sub002/internal/audit"
	"github.com/idrisalani/school-management-system-sub002/internal/auth"
)

// bearerToken extracts the token from an Authorization header. The returned message
// is non-empty when the header is unusable.
func bearerToken(header string) (string, string) {
	if header == "" {
		return "", "Missing authorization header"
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", "Authorization header must start with 'Bearer '"
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", "Authorization token is empty"
	}
	return token, ""
}

// AuthMiddleware validates the bearer JWT and stores the caller identity in the context.
// Rejected requests are recorded as UNAUTHORIZED_ACCESS. emitter may be nil.
func AuthMiddleware(emitter *audit.Emitter) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, problem := bearerToken(c.GetHeader("Authorization"))
		if problem == "" {
			claims, err := auth.ValidateJWT(token)
			if err == nil {
				c.Set(UserIDKey, claims.UserID)
				c.Set(RoleKey, claims.Role)
				c.Set(ClaimsKey, claims)
				c.Next()
				return
			}
			problem = "Invalid or expired token"
		}

		if emitter != nil {
			emitter.LogAccess(c.Request.Context(), RequestContext(c), audit.ActionUnauthorizedAccess, nil, problem, nil)
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": problem})
	}
}

// OptionalAuthMiddleware sets the caller identity when a valid token is present and
// otherwise lets the request through untouched.
func OptionalAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, problem := bearerToken(c.GetHeader("Authorization")); problem == "" {
			if claims, err := auth.ValidateJWT(token); err == nil {
				c.Set(UserIDKey, claims.UserID)
				c.Set(RoleKey, claims.Role)
				c.Set(ClaimsKey, claims)
			}
		}
		c.Next()
	}
}
