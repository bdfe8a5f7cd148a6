package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cast"
)

// Validation errors for audit events
var (
	ErrAuditMissingAction = errors.New("audit event is missing an action")
	ErrAuditMissingUserID = errors.New("audit event is missing a user id")
)

// AuditEvent is the write-side record handed to the audit writer. UserID and ResourceID
// accept any scalar (numeric ids, UUIDs, strings) and are stored in string form.
type AuditEvent struct {
	Action       string
	UserID       interface{}
	Details      string
	IPAddress    string
	UserAgent    string
	ResourceType string
	ResourceID   interface{}
	ResourceURL  string
	Metadata     map[string]interface{}
}

// Validate checks the fields every audit row requires
func (e *AuditEvent) Validate() error {
	if strings.TrimSpace(e.Action) == "" {
		return ErrAuditMissingAction
	}
	if e.NormalizedUserID() == "" {
		return ErrAuditMissingUserID
	}
	return nil
}

// NormalizedUserID returns UserID in string form, "" when absent
func (e *AuditEvent) NormalizedUserID() string { return NormalizeID(e.UserID) }

// NormalizedResourceID returns ResourceID in string form, "" when absent
func (e *AuditEvent) NormalizedResourceID() string { return NormalizeID(e.ResourceID) }

// MetadataOrEmpty never returns nil
func (e *AuditEvent) MetadataOrEmpty() map[string]interface{} {
	if e.Metadata == nil {
		return map[string]interface{}{}
	}
	return e.Metadata
}

// NormalizeID converts an identifier of any scalar type to its string form.
func NormalizeID(v interface{}) string {
	if v == nil {
		return ""
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		s = fmt.Sprint(v)
	}
	return strings.TrimSpace(s)
}
