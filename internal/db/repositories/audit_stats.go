package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/idrisalani/school-management-system-sub002/internal/db/models"
)

// Statistics window sizes
const (
	topActionsLimit    = 10
	dailyActivityLimit = 30
)

// GetAuditStatistics computes dashboard counters over the filtered slice of the trail.
// The independent aggregates run concurrently and any failure fails the whole call.
// allActions and allResourceTypes ignore the filters so a UI can offer every option.
func (r *AuditRepository) GetAuditStatistics(ctx context.Context, filters AuditStatsFilters) (*models.AuditStatistics, error) {
	schema := r.schema.AuditSchema(ctx)
	pred := buildAuditPredicate(schema, AuditFilters{
		UserID:       filters.UserID,
		StartDate:    filters.StartDate,
		EndDate:      filters.EndDate,
		EndExclusive: filters.EndExclusive,
	})

	now := r.now()
	dayAgo := now.Add(-24 * time.Hour)
	weekAgo := now.Add(-7 * 24 * time.Hour)

	next := pred.nextPlaceholder()
	overviewCols := fmt.Sprintf(`COUNT(*) AS total_logs,
		COUNT(DISTINCT al.user_id) AS unique_users,
		COUNT(DISTINCT al.action) AS unique_actions,
		COUNT(*) FILTER (WHERE al.created_at >= $%d) AS last_24_hours,
		COUNT(*) FILTER (WHERE al.created_at >= $%d) AS last_7_days`, next, next+1)
	if schema.SupportsResources() {
		overviewCols += `,
		COUNT(DISTINCT al.resource_type) AS unique_resource_types`
	}
	overviewQuery := `SELECT ` + overviewCols + ` FROM audit_logs al` + pred.where()

	topActionsQuery := fmt.Sprintf(`SELECT al.action, COUNT(*) AS count FROM audit_logs al%s
		GROUP BY al.action ORDER BY count DESC, al.action ASC LIMIT %d`, pred.where(), topActionsLimit)

	dailyQuery := fmt.Sprintf(`SELECT TO_CHAR(DATE(al.created_at), 'YYYY-MM-DD') AS date, COUNT(*) AS count
		FROM audit_logs al%s
		GROUP BY DATE(al.created_at) ORDER BY DATE(al.created_at) DESC LIMIT %d`, pred.where(), dailyActivityLimit)

	var (
		overview struct {
			TotalLogs           int64 `db:"total_logs"`
			UniqueUsers         int64 `db:"unique_users"`
			UniqueActions       int64 `db:"unique_actions"`
			Last24Hours         int64 `db:"last_24_hours"`
			Last7Days           int64 `db:"last_7_days"`
			UniqueResourceTypes int64 `db:"unique_resource_types"`
		}
		topActions    []models.ActionCount
		dailyActivity []models.DailyCount
		allActions    []string
		allResources  []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sqlx.GetContext(gctx, r.db, &overview, overviewQuery, pred.argsWith(dayAgo, weekAgo)...); err != nil {
			return fmt.Errorf("failed to get audit overview: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := sqlx.SelectContext(gctx, r.db, &topActions, topActionsQuery, pred.argsWith()...); err != nil {
			return fmt.Errorf("failed to get top audit actions: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := sqlx.SelectContext(gctx, r.db, &dailyActivity, dailyQuery, pred.argsWith()...); err != nil {
			return fmt.Errorf("failed to get daily audit activity: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := sqlx.SelectContext(gctx, r.db, &allActions, `SELECT DISTINCT action FROM audit_logs ORDER BY action`); err != nil {
			return fmt.Errorf("failed to list audit actions: %w", err)
		}
		return nil
	})
	if schema.SupportsResources() {
		g.Go(func() error {
			query := `SELECT DISTINCT resource_type FROM audit_logs WHERE resource_type IS NOT NULL ORDER BY resource_type`
			if err := sqlx.SelectContext(gctx, r.db, &allResources, query); err != nil {
				return fmt.Errorf("failed to list audit resource types: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats := &models.AuditStatistics{
		Overview: models.AuditOverview{
			TotalLogs:     overview.TotalLogs,
			UniqueUsers:   overview.UniqueUsers,
			UniqueActions: overview.UniqueActions,
			Last24Hours:   overview.Last24Hours,
			Last7Days:     overview.Last7Days,
		},
		TopActions:    nonNil(topActions),
		DailyActivity: nonNil(dailyActivity),
		AllActions:    nonNil(allActions),
	}
	if schema.SupportsResources() {
		n := overview.UniqueResourceTypes
		stats.Overview.UniqueResourceTypes = &n
		stats.AllResourceTypes = nonNil(allResources)
	}
	return stats, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
