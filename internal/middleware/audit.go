// audit.go provides Gin middleware that records authenticated write operations to the audit
// trail as data-change events.
package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/idrisalani/school-management-system-sub002/internal/audit"
	"github.com/idrisalani/school-management-system-sub002/internal/config"
	"github.com/idrisalani/school-management-system-sub002/internal/safego"
)

const auditWriteTimeout = 5 * time.Second

// collection path segments and the resource type they hold
var resourceSegments = map[string]string{
	"users":       audit.ResourceUser,
	"classes":     audit.ResourceClass,
	"courses":     audit.ResourceCourse,
	"assignments": audit.ResourceAssignment,
	"submissions": audit.ResourceSubmission,
	"grades":      audit.ResourceGrade,
	"files":       audit.ResourceFile,
	"audit-logs":  audit.ResourceAudit,
}

// trailing sub-resource verbs with a dedicated action name
var verbActions = map[string]string{
	"submit": audit.ActionAssignmentSubmitted,
	"grade":  audit.ActionAssignmentGraded,
	"enroll": audit.ActionStudentEnrolled,
	"upload": audit.ActionFileUploaded,
	"export": audit.ActionDataExported,
}

// routeTarget is what a request path says about the resource it touches
type routeTarget struct {
	resourceType string
	resourceID   string
	verb         string
}

// inferTarget scans path for the last known collection segment. The segment after it
// is the id, and a segment after that is a sub-resource verb.
func inferTarget(path string) routeTarget {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	var t routeTarget
	for i, seg := range segs {
		rt, ok := resourceSegments[seg]
		if !ok {
			continue
		}
		t = routeTarget{resourceType: rt}
		if i+1 < len(segs) {
			t.resourceID = segs[i+1]
		}
		if i+2 < len(segs) {
			t.verb = segs[i+2]
		}
	}
	return t
}

// actionFor derives the action name, e.g. POST /classes -> CLASS_CREATED
func actionFor(method string, t routeTarget, fullPath string) string {
	if a, ok := verbActions[t.verb]; ok {
		return a
	}
	if t.resourceType == "" {
		if fullPath == "" {
			fullPath = "<no-route>"
		}
		return method + " " + fullPath
	}

	var suffix string
	switch method {
	case http.MethodPost:
		suffix = "CREATED"
	case http.MethodPut, http.MethodPatch:
		suffix = "UPDATED"
	case http.MethodDelete:
		suffix = "DELETED"
	default:
		suffix = "VIEWED"
	}
	return strings.ToUpper(t.resourceType) + "_" + suffix
}

// AuditMiddleware records requests as data-change events once the handler has run.
// By default only successful mutations are recorded; cfg may widen that to reads and
// failed requests, or switch recording off.
func AuditMiddleware(emitter *audit.Emitter, cfg *config.AuditConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if emitter == nil || (cfg != nil && !cfg.Enabled) || c.GetBool(AuditedKey) {
			return
		}
		method := c.Request.Method
		if method == http.MethodOptions || method == http.MethodHead {
			return
		}

		logReads := cfg != nil && cfg.LogReadOperations
		logFailed := cfg != nil && cfg.LogFailedRequests
		status := c.Writer.Status()
		if method == http.MethodGet && !logReads {
			return
		}
		if status >= 400 && !logFailed {
			return
		}

		var userID interface{}
		if uid := CurrentUserID(c); uid != "" {
			userID = uid
		}

		target := inferTarget(c.Request.URL.Path)
		if id := c.Param("id"); id != "" {
			target.resourceID = id
		}

		extras := map[string]interface{}{"statusCode": status}
		if rid := c.GetString(RequestIDKey); rid != "" {
			extras["requestId"] = rid
		}

		change := audit.DataChange{
			Action:       actionFor(method, target, c.FullPath()),
			UserID:       userID,
			ResourceType: target.resourceType,
			Extras:       extras,
		}
		if target.resourceID != "" {
			change.ResourceID = target.resourceID
		}
		rc := RequestContext(c)

		safego.Go("audit-request", func() {
			ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
			defer cancel()
			emitter.LogDataChange(ctx, rc, change)
		})
	}
}
