package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/idrisalani/school-management-system-sub002/internal/audit"
	"github.com/idrisalani/school-management-system-sub002/internal/auth"
)

// gin.Context keys populated by AuthMiddleware
const (
	UserIDKey = "user_id"
	RoleKey   = "role"
	ClaimsKey = "claims"

	// AuditedKey is set by handlers that record their own audit event
	AuditedKey = "audit_recorded"
)

// requestSnapshot copies what the audit emitters read from a request so the values stay
// valid after gin recycles the context.
type requestSnapshot struct {
	ip, method, url string
	header          http.Header
}

func (s requestSnapshot) IP() string                { return s.ip }
func (s requestSnapshot) Header(name string) string { return s.header.Get(name) }
func (s requestSnapshot) Method() string            { return s.method }
func (s requestSnapshot) URL() string               { return s.url }

// RequestContext adapts c for the audit emitters
func RequestContext(c *gin.Context) audit.RequestContext {
	return requestSnapshot{
		ip:     c.ClientIP(),
		method: c.Request.Method,
		url:    c.Request.URL.RequestURI(),
		header: c.Request.Header.Clone(),
	}
}

// CurrentUserID returns the authenticated user id, or "" for anonymous requests
func CurrentUserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

// CurrentClaims returns the verified token claims, or nil
func CurrentClaims(c *gin.Context) *auth.Claims {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}

// MarkAudited tells AuditMiddleware the handler already recorded this request
func MarkAudited(c *gin.Context) {
	c.Set(AuditedKey, true)
}
