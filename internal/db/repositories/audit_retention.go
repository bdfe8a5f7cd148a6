package repositories

import (
	"context"
	"fmt"
	"log/slog"
)

// DefaultAuditRetentionDays is used when no positive retention period is supplied
const DefaultAuditRetentionDays = 365

// CleanupAuditLogs deletes every entry created strictly before now minus daysToKeep days
// and returns the number of rows removed. daysToKeep <= 0 means the default period.
func (r *AuditRepository) CleanupAuditLogs(ctx context.Context, daysToKeep int) (int64, error) {
	if daysToKeep <= 0 {
		daysToKeep = DefaultAuditRetentionDays
	}
	cutoff := r.now().AddDate(0, 0, -daysToKeep)

	result, err := r.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up audit logs: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read cleanup row count: %w", err)
	}

	slog.Info("audit logs cleaned up",
		"days_to_keep", daysToKeep,
		"cutoff", cutoff,
		"deleted", deleted)
	return deleted, nil
}
