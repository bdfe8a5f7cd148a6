// audit_filter.go parses loosely typed audit query parameters and turns them into a
// tier-aware WHERE predicate shared by listing and statistics queries.
package repositories

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Audit listing defaults
const (
	DefaultAuditPage  = 1
	DefaultAuditLimit = 50
	MaxAuditLimit     = 500
)

// AuditFilters contains filters for querying audit logs. Nil fields are not filtered on.
type AuditFilters struct {
	UserID       *string
	Action       *string
	ResourceType *string
	ResourceID   *string
	ResourceURL  *string
	StartDate    *time.Time
	EndDate      *time.Time
	// EndExclusive makes EndDate an open bound; set for plain end dates, which are
	// stored as the following midnight.
	EndExclusive bool
	Page         int
	Limit        int
	SortBy       string
	SortOrder    string
}

// AuditStatsFilters narrows the slice of the trail that statistics are computed over
type AuditStatsFilters struct {
	UserID    *string
	StartDate    *time.Time
	EndDate      *time.Time
	EndExclusive bool
}

// AuditFiltersFromQuery reads filters from query parameters. Unknown, empty or malformed
// values are dropped rather than rejected; page and limit fall back to their defaults.
func AuditFiltersFromQuery(q url.Values) AuditFilters {
	end, endExclusive := queryEndTime(q, "endDate", "end_date")
	f := AuditFilters{
		UserID:       queryString(q, "userId", "user_id"),
		Action:       queryString(q, "action"),
		ResourceType: queryString(q, "resourceType", "resource_type"),
		ResourceID:   queryString(q, "resourceId", "resource_id"),
		ResourceURL:  queryString(q, "resourceUrl", "resource_url"),
		StartDate:    queryTime(q, "startDate", "start_date"),
		EndDate:      end,
		EndExclusive: endExclusive,
		Page:         queryInt(q, "page"),
		Limit:        queryInt(q, "limit"),
	}
	if v := queryString(q, "sortBy", "sort_by"); v != nil {
		f.SortBy = *v
	}
	if v := queryString(q, "sortOrder", "sort_order"); v != nil {
		f.SortOrder = *v
	}
	return f.normalize()
}

// AuditStatsFiltersFromQuery reads the statistics subset of the audit filters
func AuditStatsFiltersFromQuery(q url.Values) AuditStatsFilters {
	end, endExclusive := queryEndTime(q, "endDate", "end_date")
	return AuditStatsFilters{
		UserID:       queryString(q, "userId", "user_id"),
		StartDate:    queryTime(q, "startDate", "start_date"),
		EndDate:      end,
		EndExclusive: endExclusive,
	}
}

// normalize applies paging defaults and caps page so the offset cannot overflow
func (f AuditFilters) normalize() AuditFilters {
	if f.Page < 1 {
		f.Page = DefaultAuditPage
	}
	if f.Limit < 1 {
		f.Limit = DefaultAuditLimit
	}
	if f.Limit > MaxAuditLimit {
		f.Limit = MaxAuditLimit
	}
	if maxPage := math.MaxInt / f.Limit; f.Page > maxPage {
		f.Page = maxPage
	}
	return f
}

func (f AuditFilters) offset() int {
	return (f.Page - 1) * f.Limit
}

// orderBy resolves the sort column against an allow-list; anything else sorts by created_at.
func (f AuditFilters) orderBy(schema AuditSchema) string {
	column := "al.created_at"
	switch f.SortBy {
	case "action":
		column = "al.action"
	case "userId", "user_id":
		column = "al.user_id"
	case "id":
		column = "al.id"
	case "resourceType", "resource_type":
		if schema.SupportsResources() {
			column = "al.resource_type"
		}
	}

	direction := "DESC"
	if strings.EqualFold(strings.TrimSpace(f.SortOrder), "ASC") {
		direction = "ASC"
	}
	return fmt.Sprintf("%s %s, al.id %s", column, direction, direction)
}

// auditPredicate accumulates WHERE clauses and their positional arguments
type auditPredicate struct {
	clauses []string
	args    []interface{}
}

// add appends a clause; expr carries one %d verb for the placeholder index.
func (p *auditPredicate) add(expr string, value interface{}) {
	p.args = append(p.args, value)
	p.clauses = append(p.clauses, fmt.Sprintf(expr, len(p.args)))
}

func (p *auditPredicate) where() string {
	if len(p.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(p.clauses, " AND ")
}

// argsWith returns a fresh argument slice with extra trailing values
func (p *auditPredicate) argsWith(extra ...interface{}) []interface{} {
	out := make([]interface{}, 0, len(p.args)+len(extra))
	out = append(out, p.args...)
	return append(out, extra...)
}

// nextPlaceholder is the index the next appended argument will bind to
func (p *auditPredicate) nextPlaceholder() int {
	return len(p.args) + 1
}

// buildAuditPredicate adds one clause per supplied filter. Resource filters the schema
// cannot answer are skipped.
func buildAuditPredicate(schema AuditSchema, f AuditFilters) *auditPredicate {
	p := &auditPredicate{}

	if f.UserID != nil {
		p.add("al.user_id::text = $%d", *f.UserID)
	}
	if f.Action != nil {
		p.add("al.action = $%d", *f.Action)
	}
	if schema.SupportsResources() {
		if f.ResourceType != nil {
			p.add("al.resource_type = $%d", *f.ResourceType)
		}
		if f.ResourceID != nil {
			p.add("al.resource_id::text = $%d", *f.ResourceID)
		}
	}
	if schema.SupportsResourceURL() && f.ResourceURL != nil {
		p.add("al.resource_url = $%d", *f.ResourceURL)
	}
	if f.StartDate != nil {
		p.add("al.created_at >= $%d", *f.StartDate)
	}
	if f.EndDate != nil {
		if f.EndExclusive {
			p.add("al.created_at < $%d", *f.EndDate)
		} else {
			p.add("al.created_at <= $%d", *f.EndDate)
		}
	}

	return p
}

func queryString(q url.Values, keys ...string) *string {
	for _, k := range keys {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			return &v
		}
	}
	return nil
}

func queryInt(q url.Values, keys ...string) int {
	v := queryString(q, keys...)
	if v == nil {
		return 0
	}
	// base 10 only; "010" is ten
	n, err := strconv.Atoi(*v)
	if err == nil {
		return n
	}
	if errors.Is(err, strconv.ErrRange) {
		if strings.HasPrefix(*v, "-") {
			return 0
		}
		return math.MaxInt
	}
	// whole floats such as "2.0" are accepted
	f, err := strconv.ParseFloat(*v, 64)
	if err != nil || f != math.Trunc(f) || f <= 0 {
		return 0
	}
	if f >= float64(math.MaxInt) {
		return math.MaxInt
	}
	return int(f)
}

var dateOnlyLayout = "2006-01-02"

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// queryTime parses RFC 3339 timestamps or plain dates
func queryTime(q url.Values, keys ...string) *time.Time {
	t, _ := parseQueryTime(q, keys...)
	return t
}

// queryEndTime is queryTime for the upper bound. A plain date covers the whole day, so
// it becomes the next midnight and the bound is reported as exclusive.
func queryEndTime(q url.Values, keys ...string) (*time.Time, bool) {
	t, dateOnly := parseQueryTime(q, keys...)
	if t == nil || !dateOnly {
		return t, false
	}
	next := t.AddDate(0, 0, 1)
	return &next, true
}

func parseQueryTime(q url.Values, keys ...string) (*time.Time, bool) {
	v := queryString(q, keys...)
	if v == nil {
		return nil, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, *v); err == nil {
			return &t, false
		}
	}
	if t, err := time.Parse(dateOnlyLayout, *v); err == nil {
		return &t, true
	}
	return nil, false
}
