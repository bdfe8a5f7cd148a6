// Package audit records security- and compliance-relevant events of the school management
// system: logins, grade and class changes, denied access, retention sweeps. Audit records
// are kept apart from application logs because they have different consumers and a much
// longer retention. Writes are best effort: a failed audit write is logged and counted but
// never surfaces as an error to the business operation that triggered it.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/idrisalani/school-management-system-sub002/internal/db/models"
	"github.com/idrisalani/school-management-system-sub002/internal/safego"
	"github.com/idrisalani/school-management-system-sub002/internal/telemetry"
)

// Store persists a single audit event
type Store interface {
	CreateAuditLog(ctx context.Context, event *models.AuditEvent) (*models.AuditEntry, error)
}

// WriteStatus is the outcome of one write attempt
type WriteStatus int

const (
	// WriteOK means the entry was persisted
	WriteOK WriteStatus = iota
	// WriteRejected means the event lacked an action or user id; nothing was written
	WriteRejected
	// WriteFailed means the store returned an error or panicked
	WriteFailed
	// WriteSkipped means auditing is disabled for this writer
	WriteSkipped
)

func (s WriteStatus) String() string {
	switch s {
	case WriteOK:
		return "ok"
	case WriteRejected:
		return "rejected"
	case WriteFailed:
		return "failed"
	case WriteSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// WriteResult carries the typed outcome behind Write's nil-or-entry return
type WriteResult struct {
	Entry  *models.AuditEntry
	Status WriteStatus
	Err    error
}

const defaultShipTimeout = 5 * time.Second

// Writer persists audit events and forwards stored entries to the configured shippers.
// A nil *Writer is valid and skips every event.
type Writer struct {
	store       Store
	shipper     Shipper
	shipTimeout time.Duration
}

// NewWriter creates a Writer. shipper may be nil.
func NewWriter(store Store, shipper Shipper) *Writer {
	return &Writer{store: store, shipper: shipper, shipTimeout: defaultShipTimeout}
}

// Record persists event and reports exactly what happened. It never panics.
func (w *Writer) Record(ctx context.Context, event models.AuditEvent) (res WriteResult) {
	defer func() {
		if r := recover(); r != nil {
			res = WriteResult{Status: WriteFailed, Err: fmt.Errorf("audit store panicked: %v", r)}
			logWriteFailure(&event, res.Err)
		}
		telemetry.AuditWritesTotal.WithLabelValues(res.Status.String()).Inc()
	}()

	if w == nil || w.store == nil {
		return WriteResult{Status: WriteSkipped}
	}

	if err := event.Validate(); err != nil {
		slog.Warn("audit event rejected",
			"action", event.Action,
			"resource_type", event.ResourceType,
			"error", err)
		return WriteResult{Status: WriteRejected, Err: err}
	}

	entry, err := w.store.CreateAuditLog(ctx, &event)
	if err != nil {
		logWriteFailure(&event, err)
		return WriteResult{Status: WriteFailed, Err: err}
	}

	w.ship(entry)
	return WriteResult{Entry: entry, Status: WriteOK}
}

// Write persists event and returns the stored entry, or nil when nothing was stored.
func (w *Writer) Write(ctx context.Context, event models.AuditEvent) *models.AuditEntry {
	return w.Record(ctx, event).Entry
}

// Close releases the shippers
func (w *Writer) Close() error {
	if w == nil || w.shipper == nil {
		return nil
	}
	return w.shipper.Close()
}

func (w *Writer) ship(entry *models.AuditEntry) {
	if w.shipper == nil || entry == nil {
		return
	}
	safego.Go("audit-ship", func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.shipTimeout)
		defer cancel()
		if err := w.shipper.Ship(ctx, entry); err != nil {
			slog.Warn("failed to ship audit entry", "id", entry.ID, "action", entry.Action, "error", err)
		}
	})
}

// IsUserIDTypeMismatch reports whether err is postgres refusing a user id that does not
// parse as the column type, as happens when "system" is written to an integer user_id.
func IsUserIDTypeMismatch(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "22P02" || pqErr.Code == "22003"
}

// logWriteFailure never includes metadata values, which may hold personal data
func logWriteFailure(event *models.AuditEvent, err error) {
	attrs := []any{
		"action", event.Action,
		"user_id", event.NormalizedUserID(),
		"resource_type", event.ResourceType,
		"metadata", "[redacted]",
		"error", err,
	}
	if IsUserIDTypeMismatch(err) {
		attrs = append(attrs, "hint", "user id does not match the audit_logs.user_id type; set audit.system_user_id and audit.anonymous_user_id")
	}
	slog.Error("audit write failed", attrs...)
}
