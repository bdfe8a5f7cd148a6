package repositories

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/idrisalani/school-management-system-sub002/internal/db/models"
)

var errDB = errors.New("db error")

// ---------------------------------------------------------------------------
// Column definitions
// ---------------------------------------------------------------------------

var (
	basicCols    = []string{"id", "user_id", "action", "details", "ip_address", "user_agent", "created_at"}
	advancedCols = append(append([]string{}, basicCols...), "resource_type", "resource_id", "metadata")
	userCols     = []string{"username", "first_name", "last_name", "email"}
)

func withUserCols(cols []string) []string {
	return append(append([]string{}, cols...), userCols...)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var fixedNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func newAuditRepo(t *testing.T, tier AuditSchemaTier, users UserDirectoryShape) (*AuditRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo := NewAuditRepositoryWithSchema(sqlx.NewDb(db, "sqlmock"), FixedAuditSchema(NewAuditSchema(tier, users)))
	repo.now = func() time.Time { return fixedNow }
	return repo, mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func strPtr(s string) *string { return &s }

// ---------------------------------------------------------------------------
// CreateAuditLog
// ---------------------------------------------------------------------------

func TestCreateAuditLog_AdvancedNormalizesIDs(t *testing.T) {
	repo, mock := newAuditRepo(t, AuditTierAdvanced, UserDirectoryFull)

	mock.ExpectQuery(q(`INSERT INTO audit_logs (user_id, action, details, ip_address, user_agent, resource_type, resource_id, metadata) VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id::text AS id`)).
		WithArgs("7", "ASSIGNMENT_GRADED", "graded", "1.2.3.4", nil, "grade", "42", `{"score":95}`).
		WillReturnRows(sqlmock.NewRows(advancedCols).
			AddRow("101", "7", "ASSIGNMENT_GRADED", "graded", "1.2.3.4", nil, fixedNow, "grade", "42", []byte(`{"score":95}`)))

	entry, err := repo.CreateAuditLog(context.Background(), &models.AuditEvent{
		Action:       "ASSIGNMENT_GRADED",
		UserID:       7,
		Details:      "graded",
		IPAddress:    "1.2.3.4",
		ResourceType: "grade",
		ResourceID:   42,
		Metadata:     map[string]interface{}{"score": 95},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.ID != "101" || entry.UserID != "7" {
		t.Errorf("entry ids = %q/%q, want 101/7", entry.ID, entry.UserID)
	}
	if entry.ResourceID == nil || *entry.ResourceID != "42" {
		t.Errorf("ResourceID = %v, want \"42\"", entry.ResourceID)
	}
	if entry.Metadata["score"] != float64(95) {
		t.Errorf("Metadata = %v", entry.Metadata)
	}
	if entry.UserAgent != nil {
		t.Errorf("UserAgent = %v, want nil", *entry.UserAgent)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreateAuditLog_BasicDropsResourceFields(t *testing.T) {
	repo, mock := newAuditRepo(t, AuditTierBasic, UserDirectoryNone)

	mock.ExpectQuery(q(`INSERT INTO audit_logs (user_id, action, details, ip_address, user_agent) VALUES ($1, $2, $3, $4, $5) RETURNING`)).
		WithArgs("u-1", "LOGIN", nil, nil, "curl/8").
		WillReturnRows(sqlmock.NewRows(basicCols).
			AddRow("1", "u-1", "LOGIN", nil, nil, "curl/8", fixedNow))

	entry, err := repo.CreateAuditLog(context.Background(), &models.AuditEvent{
		Action:       "LOGIN",
		UserID:       "u-1",
		UserAgent:    "curl/8",
		ResourceType: "auth",
		ResourceID:   "u-1",
		ResourceURL:  "/login",
		Metadata:     map[string]interface{}{"method": "POST"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.ResourceType != nil || entry.ResourceID != nil || entry.ResourceURL != nil {
		t.Errorf("basic tier entry carries resource fields: %+v", entry)
	}
	if len(entry.Metadata) != 0 {
		t.Errorf("Metadata = %v, want empty", entry.Metadata)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreateAuditLog_AdvancedWithURL(t *testing.T) {
	repo, mock := newAuditRepo(t, AuditTierAdvancedWithURL, UserDirectoryFull)

	cols := append(append([]string{}, advancedCols...), "resource_url")
	mock.ExpectQuery(q(`INSERT INTO audit_logs (user_id, action, details, ip_address, user_agent, resource_type, resource_id, metadata, resource_url) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)).
		WithArgs("3", "CLASS_UPDATED", nil, nil, nil, "class", "9", `{}`, "/api/classes/9").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("5", "3", "CLASS_UPDATED", nil, nil, nil, fixedNow, "class", "9", []byte(`{}`), "/api/classes/9"))

	entry, err := repo.CreateAuditLog(context.Background(), &models.AuditEvent{
		Action:       "CLASS_UPDATED",
		UserID:       "3",
		ResourceType: "class",
		ResourceID:   9,
		ResourceURL:  "/api/classes/9",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.ResourceURL == nil || *entry.ResourceURL != "/api/classes/9" {
		t.Errorf("ResourceURL = %v", entry.ResourceURL)
	}
}

func TestCreateAuditLog_Validation(t *testing.T) {
	repo, mock := newAuditRepo(t, AuditTierAdvanced, UserDirectoryFull)

	if _, err := repo.CreateAuditLog(context.Background(), &models.AuditEvent{UserID: 1}); !errors.Is(err, models.ErrAuditMissingAction) {
		t.Errorf("err = %v, want ErrAuditMissingAction", err)
	}
	if _, err := repo.CreateAuditLog(context.Background(), &models.AuditEvent{Action: "LOGIN", UserID: "  "}); !errors.Is(err, models.ErrAuditMissingUserID) {
		t.Errorf("err = %v, want ErrAuditMissingUserID", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("validation failures must not touch the database: %v", err)
	}
}

func TestCreateAuditLog_DBError(t *testing.T) {
	repo, mock := newAuditRepo(t, AuditTierAdvanced, UserDirectoryFull)
	mock.ExpectQuery("INSERT INTO audit_logs").WillReturnError(errDB)

	_, err := repo.CreateAuditLog(context.Background(), &models.AuditEvent{Action: "LOGIN", UserID: 1})
	if !errors.Is(err, errDB) {
		t.Errorf("err = %v, want wrapped errDB", err)
	}
}

// ---------------------------------------------------------------------------
// ListAuditLogs
// ---------------------------------------------------------------------------

func TestListAuditLogs_Pagination(t *testing.T) {
	repo, mock := newAuditRepo(t, AuditTierAdvanced, UserDirectoryFull)
	mock.MatchExpectationsInOrder(false)

	mock.ExpectQuery(q(`SELECT COUNT(*) FROM audit_logs al`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(125))
	mock.ExpectQuery(q(`LEFT JOIN users u ON u.id::text = al.user_id::text ORDER BY al.created_at DESC, al.id DESC LIMIT $1 OFFSET $2`)).
		WithArgs(50, 50).
		WillReturnRows(sqlmock.NewRows(withUserCols(advancedCols)).
			AddRow("60", "7", "LOGIN", nil, "10.0.0.1", nil, fixedNow, "auth", "7", []byte(`{}`), "jdoe", "Jane", "Doe", "jane@example.com").
			AddRow("59", "8", "LOGOUT", nil, nil, nil, fixedNow, nil, nil, nil, nil, nil, nil, nil))

	page, err := repo.ListAuditLogs(context.Background(), AuditFilters{Page: 2, Limit: 50})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := page.Pagination
	if p.Total != 125 || p.TotalPages != 3 || !p.HasNextPage || !p.HasPrevPage {
		t.Errorf("pagination = %+v", p)
	}
	if len(page.Entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(page.Entries))
	}
	if page.Entries[0].UserFullName != "Jane Doe" || page.Entries[0].Username != "jdoe" {
		t.Errorf("entry[0] user = %q/%q", page.Entries[0].Username, page.Entries[0].UserFullName)
	}
	if page.Entries[1].UserFullName != UnknownUserFullName {
		t.Errorf("entry[1] UserFullName = %q, want %q", page.Entries[1].UserFullName, UnknownUserFullName)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestListAuditLogs_LastPage(t *testing.T) {
	repo, mock := newAuditRepo(t, AuditTierAdvanced, UserDirectoryFull)
	mock.MatchExpectationsInOrder(false)

	mock.ExpectQuery(q(`SELECT COUNT(*)`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(125))
	mock.ExpectQuery(q(`LIMIT $1 OFFSET $2`)).
		WithArgs(50, 100).
		WillReturnRows(sqlmock.NewRows(withUserCols(advancedCols)))

	page, err := repo.ListAuditLogs(context.Background(), AuditFilters{Page: 3, Limit: 50})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Pagination.HasNextPage || !page.Pagination.HasPrevPage {
		t.Errorf("pagination = %+v", page.Pagination)
	}
	if page.Entries == nil {
		t.Error("Entries should be an empty slice, not nil")
	}
}

func TestListAuditLogs_BasicIgnoresResourceFilters(t *testing.T) {
	repo, mock := newAuditRepo(t, AuditTierBasic, UserDirectoryNone)
	mock.MatchExpectationsInOrder(false)

	mock.ExpectQuery(q(`SELECT COUNT(*) FROM audit_logs al WHERE al.action = $1`)).
		WithArgs("LOGIN").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(q(`'Unknown'::text AS username`)+`.*`+q(`FROM audit_logs al WHERE al.action = $1 ORDER BY al.created_at DESC, al.id DESC LIMIT $2 OFFSET $3`)).
		WithArgs("LOGIN", 50, 0).
		WillReturnRows(sqlmock.NewRows(withUserCols(basicCols)).
			AddRow("1", "7", "LOGIN", nil, nil, nil, fixedNow, "Unknown", nil, nil, nil))

	page, err := repo.ListAuditLogs(context.Background(), AuditFilters{
		Action:       strPtr("LOGIN"),
		ResourceType: strPtr("grade"),
		ResourceID:   strPtr("42"),
		ResourceURL:  strPtr("/x"),
		SortBy:       "resourceType",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Entries[0].Username != "Unknown" {
		t.Errorf("Username = %q, want Unknown", page.Entries[0].Username)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestListAuditLogs_AllFilters(t *testing.T) {
	repo, mock := newAuditRepo(t, AuditTierAdvancedWithURL, UserDirectoryFull)
	mock.MatchExpectationsInOrder(false)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	where := ` WHERE al.user_id::text = $1 AND al.action = $2 AND al.resource_type = $3 AND al.resource_id::text = $4 AND al.resource_url = $5 AND al.created_at >= $6 AND al.created_at <= $7`

	mock.ExpectQuery(q(`SELECT COUNT(*) FROM audit_logs al` + where)).
		WithArgs("7", "GRADE_UPDATED", "grade", "42", "/g/42", start, end).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(q(where + ` ORDER BY al.action ASC, al.id ASC LIMIT $8 OFFSET $9`)).
		WithArgs("7", "GRADE_UPDATED", "grade", "42", "/g/42", start, end, 10, 0).
		WillReturnRows(sqlmock.NewRows(withUserCols(advancedCols)))

	page, err := repo.ListAuditLogs(context.Background(), AuditFilters{
		UserID:       strPtr("7"),
		Action:       strPtr("GRADE_UPDATED"),
		ResourceType: strPtr("grade"),
		ResourceID:   strPtr("42"),
		ResourceURL:  strPtr("/g/42"),
		StartDate:    &start,
		EndDate:      &end,
		Limit:        10,
		SortBy:       "action",
		SortOrder:    "asc",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Pagination.TotalPages != 0 || page.Pagination.HasPrevPage || page.Pagination.HasNextPage {
		t.Errorf("empty result pagination = %+v", page.Pagination)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestListAuditLogs_CountError(t *testing.T) {
	repo, mock := newAuditRepo(t, AuditTierAdvanced, UserDirectoryFull)
	mock.MatchExpectationsInOrder(false)

	mock.ExpectQuery(q(`SELECT COUNT(*)`)).WillReturnError(errDB)
	mock.ExpectQuery(q(`LIMIT $1`)).WillReturnRows(sqlmock.NewRows(withUserCols(advancedCols)))

	if _, err := repo.ListAuditLogs(context.Background(), AuditFilters{}); !errors.Is(err, errDB) {
		t.Errorf("err = %v, want wrapped errDB", err)
	}
}

// ---------------------------------------------------------------------------
// GetAuditLog
// ---------------------------------------------------------------------------

func TestGetAuditLog_Found(t *testing.T) {
	repo, mock := newAuditRepo(t, AuditTierAdvanced, UserDirectoryName)

	mock.ExpectQuery(q(`u.name AS username`) + `.*` + q(`WHERE al.id::text = $1`)).
		WithArgs("101").
		WillReturnRows(sqlmock.NewRows(withUserCols(advancedCols)).
			AddRow("101", "7", "LOGIN", nil, nil, nil, fixedNow, "auth", "7", []byte(`not json`), "Jane", "Jane", nil, nil))

	entry, err := repo.GetAuditLog(context.Background(), "101")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry == nil || entry.UserFullName != "Jane" {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.Metadata == nil || len(entry.Metadata) != 0 {
		t.Errorf("undecodable metadata should become {}, got %v", entry.Metadata)
	}
}

func TestGetAuditLog_NotFound(t *testing.T) {
	repo, mock := newAuditRepo(t, AuditTierAdvanced, UserDirectoryFull)
	mock.ExpectQuery("FROM audit_logs al").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(withUserCols(advancedCols)))

	entry, err := repo.GetAuditLog(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry != nil {
		t.Errorf("entry = %+v, want nil", entry)
	}
}

func TestGetAuditLog_DBError(t *testing.T) {
	repo, mock := newAuditRepo(t, AuditTierAdvanced, UserDirectoryFull)
	mock.ExpectQuery("FROM audit_logs al").WillReturnError(errDB)

	if _, err := repo.GetAuditLog(context.Background(), "1"); !errors.Is(err, errDB) {
		t.Errorf("err = %v, want wrapped errDB", err)
	}
}

// ---------------------------------------------------------------------------
// InvalidateSchema
// ---------------------------------------------------------------------------

func TestInvalidateSchema_FixedSchemaIsNoop(t *testing.T) {
	repo, _ := newAuditRepo(t, AuditTierAdvanced, UserDirectoryFull)
	if repo.InvalidateSchema() {
		t.Error("fixed schema should not report invalidation")
	}
}

func TestFullName(t *testing.T) {
	tests := []struct {
		first, last, want string
	}{
		{"Jane", "Doe", "Jane Doe"},
		{" Jane ", "", "Jane"},
		{"", "Doe", "Doe"},
		{"", "", UnknownUserFullName},
		{"  ", "  ", UnknownUserFullName},
	}
	for _, tt := range tests {
		if got := fullName(tt.first, tt.last); got != tt.want {
			t.Errorf("fullName(%q, %q) = %q, want %q", tt.first, tt.last, got, tt.want)
		}
	}
}
