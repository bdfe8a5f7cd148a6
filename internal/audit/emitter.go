package audit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/idrisalani/school-management-system-sub002/internal/db/models"
)

// RequestContext is the slice of an inbound request the emitters read
type RequestContext interface {
	IP() string
	Header(name string) string
	Method() string
	URL() string
}

type httpRequestContext struct {
	r *http.Request
}

// FromHTTPRequest adapts a net/http request
func FromHTTPRequest(r *http.Request) RequestContext {
	if r == nil {
		return nil
	}
	return httpRequestContext{r: r}
}

// IP prefers the first X-Forwarded-For hop, then the remote address host
func (h httpRequestContext) IP() string {
	if fwd := h.r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(h.r.RemoteAddr)
	if err != nil {
		return h.r.RemoteAddr
	}
	return host
}

func (h httpRequestContext) Header(name string) string { return h.r.Header.Get(name) }

func (h httpRequestContext) Method() string { return h.r.Method }

func (h httpRequestContext) URL() string {
	if h.r.URL == nil {
		return ""
	}
	return h.r.URL.RequestURI()
}

// DataChange describes a mutation of a school resource
type DataChange struct {
	Action       string
	UserID       interface{}
	ResourceType string
	ResourceID   interface{}
	// Details overrides the generated description when set
	Details string
	Extras  map[string]interface{}
}

// Emitter turns semantic events into audit writes with a consistent details string and
// metadata envelope {method, url, timestamp, ...extras}.
type Emitter struct {
	writer      *Writer
	now         func() time.Time
	systemID    string
	anonymousID string
}

// NewEmitter creates an Emitter delegating to w
func NewEmitter(w *Writer) *Emitter {
	return &Emitter{writer: w, now: time.Now, systemID: SystemUserID, anonymousID: AnonymousUserID}
}

// WithSentinelIDs replaces the user ids recorded for system and anonymous events.
// Empty values keep the current id.
func (e *Emitter) WithSentinelIDs(systemID, anonymousID string) *Emitter {
	if id := strings.TrimSpace(systemID); id != "" {
		e.systemID = id
	}
	if id := strings.TrimSpace(anonymousID); id != "" {
		e.anonymousID = id
	}
	return e
}

// SystemID is the user id attributed to system events
func (e *Emitter) SystemID() string { return e.systemID }

// AnonymousID is the user id attributed to unauthenticated callers
func (e *Emitter) AnonymousID() string { return e.anonymousID }

// Writer returns the underlying writer
func (e *Emitter) Writer() *Writer { return e.writer }

// LogAuth records an authentication event such as LOGIN, LOGOUT or LOGIN_FAILED
func (e *Emitter) LogAuth(ctx context.Context, rc RequestContext, action string, userID interface{}, extras map[string]interface{}) *models.AuditEntry {
	event := e.base(rc, action, userID, extras)
	event.Details = fmt.Sprintf("Authentication event: %s", action)
	event.ResourceType = ResourceAuth
	event.ResourceID = userID
	return e.writer.Write(ctx, event)
}

// LogDataChange records a create, update or delete of a school resource. An empty
// user id is attributed to the anonymous user.
func (e *Emitter) LogDataChange(ctx context.Context, rc RequestContext, change DataChange) *models.AuditEntry {
	event := e.base(rc, change.Action, e.orAnonymous(change.UserID), change.Extras)
	event.ResourceType = change.ResourceType
	event.ResourceID = change.ResourceID
	event.Details = change.Details
	if event.Details == "" {
		event.Details = fmt.Sprintf("Data change: %s on %s", change.Action, describeResource(change.ResourceType, change.ResourceID))
	}
	return e.writer.Write(ctx, event)
}

// LogAccess records an access-control decision. userID may be empty for anonymous callers.
func (e *Emitter) LogAccess(ctx context.Context, rc RequestContext, action string, userID interface{}, reason string, extras map[string]interface{}) *models.AuditEntry {
	event := e.base(rc, action, e.orAnonymous(userID), extras)
	event.ResourceType = ResourceAccess
	event.Details = fmt.Sprintf("Access event: %s", action)
	if reason != "" {
		event.Details += ": " + reason
	}
	return e.writer.Write(ctx, event)
}

// LogSystem records a system event attributed to the system user
func (e *Emitter) LogSystem(ctx context.Context, action, details string, extras map[string]interface{}) *models.AuditEntry {
	event := e.base(nil, action, e.systemID, extras)
	event.ResourceType = ResourceSystem
	event.Details = details
	if event.Details == "" {
		event.Details = fmt.Sprintf("System event: %s", action)
	}
	return e.writer.Write(ctx, event)
}

func (e *Emitter) orAnonymous(userID interface{}) interface{} {
	if models.NormalizeID(userID) == "" {
		return e.anonymousID
	}
	return userID
}

func (e *Emitter) base(rc RequestContext, action string, userID interface{}, extras map[string]interface{}) models.AuditEvent {
	metadata := map[string]interface{}{
		"timestamp": e.now().UTC().Format(time.RFC3339Nano),
	}
	event := models.AuditEvent{Action: action, UserID: userID}

	if rc != nil {
		metadata["method"] = rc.Method()
		metadata["url"] = rc.URL()
		event.IPAddress = rc.IP()
		event.UserAgent = rc.Header("User-Agent")
		event.ResourceURL = rc.URL()
	}
	for k, v := range extras {
		metadata[k] = v
	}
	event.Metadata = metadata
	return event
}

func describeResource(resourceType string, resourceID interface{}) string {
	id := models.NormalizeID(resourceID)
	switch {
	case resourceType == "" && id == "":
		return "unknown resource"
	case id == "":
		return resourceType
	case resourceType == "":
		return id
	default:
		return resourceType + " " + id
	}
}
