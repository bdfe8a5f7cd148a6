// audit_repository.go implements AuditRepository, providing tier-aware database queries for
// writing, listing and retrieving audit log entries. Every statement is shaped by the
// descriptor the schema probe detected, so the same code runs against every known layout.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/idrisalani/school-management-system-sub002/internal/db/models"
)

// UnknownUserFullName is shown when the joined user has no usable name
const UnknownUserFullName = "Unknown User"

// AuditRepository handles audit log database operations
type AuditRepository struct {
	db     sqlx.ExtContext
	schema AuditSchemaSource
	now    func() time.Time
}

// NewAuditRepository creates an AuditRepository that detects the schema on first use
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return NewAuditRepositoryWithSchema(db, NewAuditSchemaProbe(db))
}

// NewAuditRepositoryWithSchema creates an AuditRepository over an explicit schema source
func NewAuditRepositoryWithSchema(db sqlx.ExtContext, schema AuditSchemaSource) *AuditRepository {
	return &AuditRepository{db: db, schema: schema, now: time.Now}
}

// Schema returns the descriptor queries are currently built from
func (r *AuditRepository) Schema(ctx context.Context) AuditSchema {
	return r.schema.AuditSchema(ctx)
}

// InvalidateSchema forces re-detection on the next query. It is a no-op for fixed schemas.
func (r *AuditRepository) InvalidateSchema() bool {
	if inv, ok := r.schema.(interface{ Invalidate() }); ok {
		inv.Invalidate()
		return true
	}
	return false
}

// auditRow is the superset of columns any tier can return
type auditRow struct {
	ID           string         `db:"id"`
	UserID       sql.NullString `db:"user_id"`
	Action       string         `db:"action"`
	Details      sql.NullString `db:"details"`
	IPAddress    sql.NullString `db:"ip_address"`
	UserAgent    sql.NullString `db:"user_agent"`
	CreatedAt    time.Time      `db:"created_at"`
	ResourceType sql.NullString `db:"resource_type"`
	ResourceID   sql.NullString `db:"resource_id"`
	ResourceURL  sql.NullString `db:"resource_url"`
	Metadata     []byte         `db:"metadata"`
	Username     sql.NullString `db:"username"`
	FirstName    sql.NullString `db:"first_name"`
	LastName     sql.NullString `db:"last_name"`
	Email        sql.NullString `db:"email"`
}

// CreateAuditLog persists one event using the INSERT matching the detected tier and
// returns the stored row.
func (r *AuditRepository) CreateAuditLog(ctx context.Context, event *models.AuditEvent) (*models.AuditEntry, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}

	schema := r.schema.AuditSchema(ctx)

	metadataJSON, err := json.Marshal(event.MetadataOrEmpty())
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit metadata: %w", err)
	}

	values := map[string]interface{}{
		"user_id":       event.NormalizedUserID(),
		"action":        event.Action,
		"details":       nullable(event.Details),
		"ip_address":    nullable(event.IPAddress),
		"user_agent":    nullable(event.UserAgent),
		"resource_type": nullable(event.ResourceType),
		"resource_id":   nullable(event.NormalizedResourceID()),
		"metadata":      string(metadataJSON),
		"resource_url":  nullable(event.ResourceURL),
	}

	columns := schema.InsertColumns()
	args := make([]interface{}, len(columns))
	for i, col := range columns {
		args[i] = values[col]
	}

	query := fmt.Sprintf(`INSERT INTO audit_logs (%s) VALUES (%s) RETURNING %s`,
		strings.Join(columns, ", "),
		strings.Join(schema.InsertPlaceholders(), ", "),
		schema.returning(),
	)

	var row auditRow
	if err := sqlx.GetContext(ctx, r.db, &row, query, args...); err != nil {
		return nil, fmt.Errorf("failed to insert audit log: %w", err)
	}

	return row.toEntry(schema), nil
}

// ListAuditLogs retrieves one page of audit logs matching the filters together with the
// total match count. Filters the detected tier cannot answer are ignored.
func (r *AuditRepository) ListAuditLogs(ctx context.Context, filters AuditFilters) (*models.AuditPage, error) {
	filters = filters.normalize()
	schema := r.schema.AuditSchema(ctx)
	pred := buildAuditPredicate(schema, filters)

	countQuery := `SELECT COUNT(*) FROM audit_logs al` + pred.where()

	next := pred.nextPlaceholder()
	listQuery := fmt.Sprintf(`SELECT %s, %s FROM audit_logs al%s%s ORDER BY %s LIMIT $%d OFFSET $%d`,
		strings.Join(schema.SelectColumns(), ", "),
		schema.UserFieldExpression(),
		schema.userJoin,
		pred.where(),
		filters.orderBy(schema),
		next, next+1,
	)

	var (
		total int64
		rows  []auditRow
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sqlx.GetContext(gctx, r.db, &total, countQuery, pred.argsWith()...); err != nil {
			return fmt.Errorf("failed to count audit logs: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := sqlx.SelectContext(gctx, r.db, &rows, listQuery, pred.argsWith(filters.Limit, filters.offset())...); err != nil {
			return fmt.Errorf("failed to list audit logs: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entries := make([]*models.AuditEntry, 0, len(rows))
	for i := range rows {
		entries = append(entries, rows[i].toEntry(schema))
	}

	return &models.AuditPage{
		Entries:    entries,
		Pagination: models.NewPagination(filters.Page, filters.Limit, total),
	}, nil
}

// GetAuditLog retrieves a single audit log entry by ID. A miss returns (nil, nil).
func (r *AuditRepository) GetAuditLog(ctx context.Context, logID string) (*models.AuditEntry, error) {
	schema := r.schema.AuditSchema(ctx)

	query := fmt.Sprintf(`SELECT %s, %s FROM audit_logs al%s WHERE al.id::text = $1`,
		strings.Join(schema.SelectColumns(), ", "),
		schema.UserFieldExpression(),
		schema.userJoin,
	)

	var row auditRow
	err := sqlx.GetContext(ctx, r.db, &row, query, logID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit log: %w", err)
	}

	return row.toEntry(schema), nil
}

// toEntry shapes a row into an AuditEntry, leaving unsupported fields nil
func (row *auditRow) toEntry(schema AuditSchema) *models.AuditEntry {
	entry := &models.AuditEntry{
		ID:           row.ID,
		UserID:       row.UserID.String,
		Action:       row.Action,
		Details:      stringPtr(row.Details),
		IPAddress:    stringPtr(row.IPAddress),
		UserAgent:    stringPtr(row.UserAgent),
		Metadata:     map[string]interface{}{},
		CreatedAt:    row.CreatedAt,
		Username:     row.Username.String,
		UserFullName: fullName(row.FirstName.String, row.LastName.String),
		UserEmail:    stringPtr(row.Email),
	}

	if schema.SupportsResources() {
		entry.ResourceType = stringPtr(row.ResourceType)
		entry.ResourceID = stringPtr(row.ResourceID)
		if len(row.Metadata) > 0 {
			if err := json.Unmarshal(row.Metadata, &entry.Metadata); err != nil || entry.Metadata == nil {
				slog.Debug("discarding undecodable audit metadata", "id", row.ID, "error", err)
				entry.Metadata = map[string]interface{}{}
			}
		}
	}
	if schema.SupportsResourceURL() {
		entry.ResourceURL = stringPtr(row.ResourceURL)
	}

	return entry
}

func fullName(first, last string) string {
	name := strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
	if name == "" {
		return UnknownUserFullName
	}
	return name
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// nullable maps empty strings to SQL NULL
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
