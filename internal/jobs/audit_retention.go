// audit_retention.go implements the AuditRetentionJob background job, which periodically
// deletes audit entries older than the configured retention window.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/idrisalani/school-management-system-sub002/internal/audit"
	"github.com/idrisalani/school-management-system-sub002/internal/db/repositories"
	"github.com/idrisalani/school-management-system-sub002/internal/telemetry"
)

// AuditSweeper deletes audit entries older than daysToKeep days
type AuditSweeper interface {
	CleanupAuditLogs(ctx context.Context, daysToKeep int) (int64, error)
}

// AuditRetentionJob runs the retention sweep on a fixed interval
type AuditRetentionJob struct {
	sweeper    AuditSweeper
	emitter    *audit.Emitter
	daysToKeep int
	interval   time.Duration
	stopChan   chan struct{}
	stopOnce   sync.Once
}

// NewAuditRetentionJob creates a retention job. emitter may be nil.
func NewAuditRetentionJob(sweeper AuditSweeper, emitter *audit.Emitter, daysToKeep, intervalHours int) *AuditRetentionJob {
	if intervalHours <= 0 {
		intervalHours = 24
	}
	if daysToKeep <= 0 {
		daysToKeep = repositories.DefaultAuditRetentionDays
	}

	return &AuditRetentionJob{
		sweeper:    sweeper,
		emitter:    emitter,
		daysToKeep: daysToKeep,
		interval:   time.Duration(intervalHours) * time.Hour,
		stopChan:   make(chan struct{}),
	}
}

// Start runs one sweep immediately and then one per interval until ctx is done or Stop is called
func (j *AuditRetentionJob) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	slog.Info("audit retention job started", "interval", j.interval, "days_to_keep", j.daysToKeep)

	j.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			j.RunOnce(ctx)
		case <-j.stopChan:
			slog.Info("audit retention job stopped")
			return
		case <-ctx.Done():
			slog.Info("audit retention job context cancelled")
			return
		}
	}
}

// Stop stops the job. Safe to call more than once.
func (j *AuditRetentionJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopChan) })
}

// RunOnce performs a single sweep and returns the number of deleted entries
func (j *AuditRetentionJob) RunOnce(ctx context.Context) int64 {
	if j.sweeper == nil {
		slog.Warn("audit retention: sweeper not configured, skipping")
		return 0
	}

	deleted, err := j.sweeper.CleanupAuditLogs(ctx, j.daysToKeep)
	if err != nil {
		slog.Error("audit retention sweep failed", "days_to_keep", j.daysToKeep, "error", err)
		return 0
	}

	telemetry.AuditRetentionDeletedTotal.Add(float64(deleted))
	if j.emitter != nil {
		j.emitter.LogSystem(ctx, audit.ActionAuditCleanup, "", map[string]interface{}{
			"daysToKeep":   j.daysToKeep,
			"deletedCount": deleted,
		})
	}
	return deleted
}
