// audit.go implements the admin handlers for browsing, summarising, and pruning the audit trail.
package admin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/idrisalani/school-management-system-sub002/internal/audit"
	"github.com/idrisalani/school-management-system-sub002/internal/db/models"
	"github.com/idrisalani/school-management-system-sub002/internal/db/repositories"
	"github.com/idrisalani/school-management-system-sub002/internal/middleware"
	"github.com/idrisalani/school-management-system-sub002/internal/telemetry"
)

// AuditStore is the slice of the audit repository the handlers use
type AuditStore interface {
	ListAuditLogs(ctx context.Context, filters repositories.AuditFilters) (*models.AuditPage, error)
	GetAuditLog(ctx context.Context, id string) (*models.AuditEntry, error)
	GetAuditStatistics(ctx context.Context, filters repositories.AuditStatsFilters) (*models.AuditStatistics, error)
	CleanupAuditLogs(ctx context.Context, daysToKeep int) (int64, error)
	Schema(ctx context.Context) repositories.AuditSchema
	InvalidateSchema() bool
}

// AuditHandler handles audit-log API requests
type AuditHandler struct {
	store   AuditStore
	emitter *audit.Emitter
}

// NewAuditHandler creates a new audit handler. emitter may be nil.
func NewAuditHandler(store AuditStore, emitter *audit.Emitter) *AuditHandler {
	return &AuditHandler{store: store, emitter: emitter}
}

// SchemaResponse describes the detected audit_logs layout
type SchemaResponse struct {
	Tier                string `json:"tier"`
	UserDirectory       string `json:"userDirectory"`
	SupportsResources   bool   `json:"supportsResources"`
	SupportsResourceURL bool   `json:"supportsResourceUrl"`
}

// CleanupRequest is the optional body of the cleanup endpoint
type CleanupRequest struct {
	DaysToKeep int `json:"days_to_keep"`
}

func observe(operation string, start time.Time) {
	telemetry.AuditQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// @Summary      List audit logs
// @Description  Filtered, paginated audit trail, newest first by default.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        page          query  int     false  "Page number (default 1)"
// @Param        limit         query  int     false  "Page size (default 50, max 500)"
// @Param        userId        query  string  false  "Filter by user"
// @Param        action        query  string  false  "Filter by action"
// @Param        resourceType  query  string  false  "Filter by resource type"
// @Param        startDate     query  string  false  "RFC 3339 or YYYY-MM-DD"
// @Param        endDate       query  string  false  "RFC 3339 or YYYY-MM-DD (inclusive)"
// @Param        sortBy        query  string  false  "createdAt, action, userId, id, resourceType"
// @Param        sortOrder     query  string  false  "asc or desc"
// @Success      200  {object}  models.AuditPage
// @Failure      500  {object}  map[string]interface{}
// @Router       /api/v1/admin/audit-logs [get]
func (h *AuditHandler) ListAuditLogs(c *gin.Context) {
	defer observe("list", time.Now())

	page, err := h.store.ListAuditLogs(c.Request.Context(), repositories.AuditFiltersFromQuery(c.Request.URL.Query()))
	if err != nil {
		slog.Error("failed to list audit logs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve audit logs"})
		return
	}
	c.JSON(http.StatusOK, page)
}

// @Summary      Get audit log
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Audit log ID"
// @Success      200  {object}  models.AuditEntry
// @Failure      404  {object}  map[string]interface{}
// @Failure      500  {object}  map[string]interface{}
// @Router       /api/v1/admin/audit-logs/{id} [get]
func (h *AuditHandler) GetAuditLog(c *gin.Context) {
	defer observe("get", time.Now())

	entry, err := h.store.GetAuditLog(c.Request.Context(), c.Param("id"))
	if err != nil {
		slog.Error("failed to get audit log", "id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve audit logs"})
		return
	}
	if entry == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Audit log not found"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// @Summary      Audit statistics
// @Description  Totals, recent activity, top actions, and daily counts.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        userId     query  string  false  "Filter by user"
// @Param        startDate  query  string  false  "RFC 3339 or YYYY-MM-DD"
// @Param        endDate    query  string  false  "RFC 3339 or YYYY-MM-DD (inclusive)"
// @Success      200  {object}  models.AuditStatistics
// @Failure      500  {object}  map[string]interface{}
// @Router       /api/v1/admin/audit-logs/stats [get]
func (h *AuditHandler) GetAuditStatistics(c *gin.Context) {
	defer observe("stats", time.Now())

	stats, err := h.store.GetAuditStatistics(c.Request.Context(), repositories.AuditStatsFiltersFromQuery(c.Request.URL.Query()))
	if err != nil {
		slog.Error("failed to compute audit statistics", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve audit statistics"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// @Summary      Prune audit logs
// @Description  Deletes entries older than days_to_keep days (default 365).
// @Tags         Audit
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  CleanupRequest  false  "Retention window"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}
// @Failure      500  {object}  map[string]interface{}
// @Router       /api/v1/admin/audit-logs/cleanup [post]
func (h *AuditHandler) CleanupAuditLogs(c *gin.Context) {
	defer observe("cleanup", time.Now())

	var req CleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	days := req.DaysToKeep
	if days <= 0 {
		days = repositories.DefaultAuditRetentionDays
	}

	deleted, err := h.store.CleanupAuditLogs(c.Request.Context(), days)
	if err != nil {
		slog.Error("failed to clean up audit logs", "days_to_keep", days, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clean up audit logs"})
		return
	}
	telemetry.AuditRetentionDeletedTotal.Add(float64(deleted))

	if h.emitter != nil {
		middleware.MarkAudited(c)
		h.emitter.LogSystem(c.Request.Context(), audit.ActionAuditCleanup, "", map[string]interface{}{
			"daysToKeep":   days,
			"deletedCount": deleted,
			"triggeredBy":  middleware.CurrentUserID(c),
		})
	}

	c.JSON(http.StatusOK, gin.H{"deletedCount": deleted, "daysToKeep": days})
}

// @Summary      Audit schema
// @Description  The audit_logs layout the service detected.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  SchemaResponse
// @Router       /api/v1/admin/audit-logs/schema [get]
func (h *AuditHandler) GetSchema(c *gin.Context) {
	c.JSON(http.StatusOK, schemaResponse(h.store.Schema(c.Request.Context())))
}

// @Summary      Re-detect audit schema
// @Description  Drops the cached layout and probes again, e.g. after a migration.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  SchemaResponse
// @Failure      409  {object}  map[string]interface{}
// @Router       /api/v1/admin/audit-logs/schema/refresh [post]
func (h *AuditHandler) RefreshSchema(c *gin.Context) {
	if !h.store.InvalidateSchema() {
		c.JSON(http.StatusConflict, gin.H{"error": "Audit schema is fixed and cannot be refreshed"})
		return
	}
	schema := h.store.Schema(c.Request.Context())
	telemetry.SetAuditSchemaTier(schema.Tier().String(), repositories.AuditSchemaTierNames())
	slog.Info("audit schema re-detected", "tier", schema.Tier(), "users", schema.Users())

	if h.emitter != nil {
		middleware.MarkAudited(c)
		h.emitter.LogSystem(c.Request.Context(), audit.ActionConfigChanged, "Audit schema re-detected", map[string]interface{}{
			"tier":          schema.Tier().String(),
			"userDirectory": schema.Users().String(),
			"triggeredBy":   middleware.CurrentUserID(c),
		})
	}

	c.JSON(http.StatusOK, schemaResponse(schema))
}

func schemaResponse(s repositories.AuditSchema) SchemaResponse {
	return SchemaResponse{
		Tier:                s.Tier().String(),
		UserDirectory:       s.Users().String(),
		SupportsResources:   s.SupportsResources(),
		SupportsResourceURL: s.SupportsResourceURL(),
	}
}
