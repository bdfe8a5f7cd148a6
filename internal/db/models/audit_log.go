// Package models - audit_log.go defines the audit trail records returned by the audit
// repository: the entry itself, the paginated list envelope, and dashboard statistics.
package models

import "time"

// AuditEntry is one immutable, user-attributable action. UserID and ResourceID are
// always strings regardless of the storage column type. Fields the detected schema
// tier cannot hold are nil.
type AuditEntry struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"userId"`
	Action       string                 `json:"action"`              // "LOGIN", "ASSIGNMENT_GRADED"
	ResourceType *string                `json:"resourceType"`        // "user", "class", "grade"
	ResourceID   *string                `json:"resourceId"`
	ResourceURL  *string                `json:"resourceUrl"`
	Details      *string                `json:"details,omitempty"`
	IPAddress    *string                `json:"ipAddress,omitempty"`
	UserAgent    *string                `json:"userAgent,omitempty"`
	Metadata     map[string]interface{} `json:"metadata"`
	CreatedAt    time.Time              `json:"createdAt"`
	Username     string                 `json:"username"`
	UserFullName string                 `json:"userFullName"`
	UserEmail    *string                `json:"userEmail"`
}

// Pagination describes where a page sits in a filtered result set
type Pagination struct {
	Page        int   `json:"page"`
	Limit       int   `json:"limit"`
	Total       int64 `json:"total"`
	TotalPages  int   `json:"totalPages"`
	HasNextPage bool  `json:"hasNextPage"`
	HasPrevPage bool  `json:"hasPrevPage"`
}

// NewPagination derives the page envelope from the total row count.
func NewPagination(page, limit int, total int64) Pagination {
	totalPages := 0
	if limit > 0 {
		totalPages = int((total + int64(limit) - 1) / int64(limit))
	}
	return Pagination{
		Page:        page,
		Limit:       limit,
		Total:       total,
		TotalPages:  totalPages,
		HasNextPage: page < totalPages,
		HasPrevPage: page > 1 && totalPages > 0,
	}
}

// AuditPage is one page of audit entries
type AuditPage struct {
	Entries    []*AuditEntry `json:"entries"`
	Pagination Pagination    `json:"pagination"`
}

// AuditOverview holds the headline counters of the audit dashboard
type AuditOverview struct {
	TotalLogs           int64  `json:"totalLogs"`
	UniqueUsers         int64  `json:"uniqueUsers"`
	UniqueActions       int64  `json:"uniqueActions"`
	Last24Hours         int64  `json:"last24Hours"`
	Last7Days           int64  `json:"last7Days"`
	UniqueResourceTypes *int64 `json:"uniqueResourceTypes,omitempty"`
}

// ActionCount is the frequency of a single action
type ActionCount struct {
	Action string `db:"action" json:"action"`
	Count  int64  `db:"count" json:"count"`
}

// DailyCount is the number of entries recorded on one calendar date (YYYY-MM-DD)
type DailyCount struct {
	Date  string `db:"date" json:"date"`
	Count int64  `db:"count" json:"count"`
}

// AuditStatistics aggregates a filtered slice of the audit trail
type AuditStatistics struct {
	Overview         AuditOverview `json:"overview"`
	TopActions       []ActionCount `json:"topActions"`
	DailyActivity    []DailyCount  `json:"dailyActivity"`
	AllActions       []string      `json:"allActions"`
	AllResourceTypes []string      `json:"allResourceTypes,omitempty"`
}
