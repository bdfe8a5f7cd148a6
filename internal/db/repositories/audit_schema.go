// audit_schema.go discovers which of the known audit_logs column layouts is present and
// caches the resulting descriptor for the lifetime of the process.
package repositories

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"golang.org/x/sync/singleflight"
)

// AuditSchemaTier is one of the closed set of audit_logs column layouts
type AuditSchemaTier int

const (
	// AuditTierBasic has only user_id, action, details, ip_address, user_agent, created_at
	AuditTierBasic AuditSchemaTier = iota
	// AuditTierAdvanced adds resource_type, resource_id and metadata
	AuditTierAdvanced
	// AuditTierAdvancedWithURL adds resource_url on top of AuditTierAdvanced
	AuditTierAdvancedWithURL
)

func (t AuditSchemaTier) String() string {
	switch t {
	case AuditTierBasic:
		return "basic"
	case AuditTierAdvanced:
		return "advanced"
	case AuditTierAdvancedWithURL:
		return "advanced_with_url"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// AuditSchemaTierNames lists every tier's String form, lowest first
func AuditSchemaTierNames() []string {
	return []string{AuditTierBasic.String(), AuditTierAdvanced.String(), AuditTierAdvancedWithURL.String()}
}

// UserDirectoryShape describes which display columns the users table offers for joins
type UserDirectoryShape int

const (
	// UserDirectoryFull has username, first_name, last_name and email
	UserDirectoryFull UserDirectoryShape = iota
	// UserDirectoryName has a single name column
	UserDirectoryName
	// UserDirectoryNone means the users table could not be read; a literal is used instead
	UserDirectoryNone
)

func (s UserDirectoryShape) String() string {
	switch s {
	case UserDirectoryFull:
		return "full"
	case UserDirectoryName:
		return "name"
	case UserDirectoryNone:
		return "none"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// hostIPExpression renders ip_address without the /32 or /128 suffix an inet column
// carries when cast to text. It works unchanged on text columns.
const hostIPExpression = `regexp_replace(al.ip_address::text, '/(32|128)$', '')`

var (
	basicInsertColumns    = []string{"user_id", "action", "details", "ip_address", "user_agent"}
	advancedInsertColumns = []string{"resource_type", "resource_id", "metadata"}

	basicSelectColumns = []string{
		"al.id::text AS id",
		"al.user_id::text AS user_id",
		"al.action",
		"al.details",
		hostIPExpression + " AS ip_address",
		"al.user_agent",
		"al.created_at",
	}
	advancedSelectColumns = []string{
		"al.resource_type",
		"al.resource_id::text AS resource_id",
		"al.metadata",
	}
)

var userFieldExpressions = map[UserDirectoryShape]string{
	UserDirectoryFull: "u.username, u.first_name, u.last_name, u.email",
	UserDirectoryName: "u.name AS username, u.name AS first_name, NULL::text AS last_name, NULL::text AS email",
	UserDirectoryNone: "'Unknown'::text AS username, NULL::text AS first_name, NULL::text AS last_name, NULL::text AS email",
}

const userJoinClause = " LEFT JOIN users u ON u.id::text = al.user_id::text"

// AuditSchema is the immutable descriptor every audit query is built from. Values are only
// produced by NewAuditSchema, so the set of possible layouts is exactly
// tiers x user directory shapes.
type AuditSchema struct {
	tier               AuditSchemaTier
	users              UserDirectoryShape
	userFields         string
	userJoin           string
	insertColumns      []string
	insertPlaceholders []string
	selectColumns      []string
}

// NewAuditSchema builds the descriptor for a tier and user directory shape.
func NewAuditSchema(tier AuditSchemaTier, users UserDirectoryShape) AuditSchema {
	if tier < AuditTierBasic || tier > AuditTierAdvancedWithURL {
		tier = AuditTierBasic
	}
	if _, ok := userFieldExpressions[users]; !ok {
		users = UserDirectoryNone
	}

	insert := append([]string{}, basicInsertColumns...)
	selectCols := append([]string{}, basicSelectColumns...)
	if tier >= AuditTierAdvanced {
		insert = append(insert, advancedInsertColumns...)
		selectCols = append(selectCols, advancedSelectColumns...)
	}
	if tier == AuditTierAdvancedWithURL {
		insert = append(insert, "resource_url")
		selectCols = append(selectCols, "al.resource_url")
	}

	placeholders := make([]string, len(insert))
	for i := range insert {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	join := userJoinClause
	if users == UserDirectoryNone {
		join = ""
	}

	return AuditSchema{
		tier:               tier,
		users:              users,
		userFields:         userFieldExpressions[users],
		userJoin:           join,
		insertColumns:      insert,
		insertPlaceholders: placeholders,
		selectColumns:      selectCols,
	}
}

// Tier returns the detected column layout
func (s AuditSchema) Tier() AuditSchemaTier { return s.tier }

// Users returns the detected user directory shape
func (s AuditSchema) Users() UserDirectoryShape { return s.users }

// SupportsResources reports whether resource_type, resource_id and metadata exist
func (s AuditSchema) SupportsResources() bool { return s.tier >= AuditTierAdvanced }

// SupportsResourceURL reports whether resource_url exists
func (s AuditSchema) SupportsResourceURL() bool { return s.tier == AuditTierAdvancedWithURL }

// UserFieldExpression is the select-list fragment producing username, first_name,
// last_name and email for the joined user.
func (s AuditSchema) UserFieldExpression() string { return s.userFields }

// InsertColumns returns a copy of the INSERT column list in bind order
func (s AuditSchema) InsertColumns() []string { return append([]string{}, s.insertColumns...) }

// InsertPlaceholders returns a copy of the positional placeholders matching InsertColumns
func (s AuditSchema) InsertPlaceholders() []string {
	return append([]string{}, s.insertPlaceholders...)
}

// SelectColumns returns a copy of the audit_logs select-list (aliased as al)
func (s AuditSchema) SelectColumns() []string { return append([]string{}, s.selectColumns...) }

// returning is the RETURNING list for inserts; same columns without the table alias.
func (s AuditSchema) returning() string {
	return strings.ReplaceAll(strings.Join(s.selectColumns, ", "), "al.", "")
}

// AuditSchemaSource supplies the descriptor audit queries are built from
type AuditSchemaSource interface {
	AuditSchema(ctx context.Context) AuditSchema
}

// FixedAuditSchema is an AuditSchemaSource that always returns the same descriptor
type FixedAuditSchema AuditSchema

// AuditSchema implements AuditSchemaSource
func (f FixedAuditSchema) AuditSchema(context.Context) AuditSchema { return AuditSchema(f) }

var tierProbes = []struct {
	tier  AuditSchemaTier
	query string
}{
	{AuditTierAdvancedWithURL, `SELECT resource_type, resource_id, resource_url, metadata FROM audit_logs LIMIT 1`},
	{AuditTierAdvanced, `SELECT resource_type, resource_id, metadata FROM audit_logs LIMIT 1`},
	{AuditTierBasic, `SELECT user_id, action, details, ip_address, user_agent, created_at FROM audit_logs LIMIT 1`},
}

var userProbes = []struct {
	shape UserDirectoryShape
	query string
}{
	{UserDirectoryFull, `SELECT username, first_name, last_name, email FROM users LIMIT 1`},
	{UserDirectoryName, `SELECT name FROM users LIMIT 1`},
}

// DetectAuditSchema runs read-only trial queries from the richest layout to the poorest
// and returns the first that succeeds. It never fails: when no layout can be confirmed the
// Basic descriptor is returned with conclusive=false so callers know not to cache it.
// A probe that fails for any reason other than a missing column or table (connection
// loss, cancellation) also ends detection inconclusively.
func DetectAuditSchema(ctx context.Context, q sqlx.QueryerContext) (schema AuditSchema, conclusive bool) {
	tier, ok, err := detectTier(ctx, q)
	if err != nil {
		slog.Warn("audit schema detection interrupted", "error", err)
		return NewAuditSchema(AuditTierBasic, UserDirectoryNone), false
	}
	if !ok {
		slog.Warn("audit schema detection exhausted, audit_logs is not readable")
		return NewAuditSchema(AuditTierBasic, UserDirectoryNone), false
	}

	users, err := detectUserDirectory(ctx, q)
	if err != nil {
		slog.Warn("user directory detection interrupted", "error", err)
		return NewAuditSchema(tier, UserDirectoryNone), false
	}
	return NewAuditSchema(tier, users), true
}

func detectTier(ctx context.Context, q sqlx.QueryerContext) (AuditSchemaTier, bool, error) {
	for _, p := range tierProbes {
		err := probe(ctx, q, p.query)
		if err == nil {
			return p.tier, true, nil
		}
		if !isSchemaMiss(err) {
			return AuditTierBasic, false, err
		}
		slog.Debug("audit schema probe missed", "tier", p.tier.String(), "error", err)
	}
	return AuditTierBasic, false, nil
}

func detectUserDirectory(ctx context.Context, q sqlx.QueryerContext) (UserDirectoryShape, error) {
	for _, p := range userProbes {
		err := probe(ctx, q, p.query)
		if err == nil {
			return p.shape, nil
		}
		if !isSchemaMiss(err) {
			return UserDirectoryNone, err
		}
	}
	return UserDirectoryNone, nil
}

func probe(ctx context.Context, q sqlx.QueryerContext, query string) error {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	return rows.Err()
}

// isSchemaMiss reports whether err means the probed column or table does not exist
func isSchemaMiss(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "42703", "42P01": // undefined_column, undefined_table
			return true
		}
	}
	return false
}

// AuditSchemaProbe lazily detects the audit schema once and serves the cached descriptor
// afterwards. Concurrent cold callers share a single detection run.
type AuditSchemaProbe struct {
	db     sqlx.QueryerContext
	cached atomic.Pointer[AuditSchema]
	group  singleflight.Group
}

// NewAuditSchemaProbe creates a probe over the given executor
func NewAuditSchemaProbe(db sqlx.QueryerContext) *AuditSchemaProbe {
	return &AuditSchemaProbe{db: db}
}

// AuditSchema returns the cached descriptor, detecting it on first use
func (p *AuditSchemaProbe) AuditSchema(ctx context.Context) AuditSchema {
	if s := p.cached.Load(); s != nil {
		return *s
	}

	v, _, _ := p.group.Do("audit_schema", func() (interface{}, error) {
		if s := p.cached.Load(); s != nil {
			return *s, nil
		}
		schema, conclusive := DetectAuditSchema(ctx, p.db)
		if conclusive {
			p.cached.Store(&schema)
			slog.Info("audit schema detected",
				"tier", schema.Tier().String(),
				"user_directory", schema.Users().String())
		}
		return schema, nil
	})
	return v.(AuditSchema)
}

// Cached returns the cached descriptor without probing
func (p *AuditSchemaProbe) Cached() (AuditSchema, bool) {
	if s := p.cached.Load(); s != nil {
		return *s, true
	}
	return AuditSchema{}, false
}

// Invalidate drops the cached descriptor so the next call re-detects. Needed only after
// the audit_logs table has been altered while the process is running.
func (p *AuditSchemaProbe) Invalidate() {
	p.cached.Store(nil)
	slog.Info("audit schema cache invalidated")
}
