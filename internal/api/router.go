// Package api wires together the HTTP routes of the audit service.
//
// Route grouping:
//   - /health, /ready and /version are unauthenticated so orchestrators can probe them.
//   - /api/v1/admin/audit-logs requires a bearer token whose role is one of
//     auth.admin_roles. Requests there pass rate limiting (keyed by user when the token
//     is valid), authentication, role checks and the audit middleware in that order,
//     and every rejection along the way is itself recorded as an access event.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/idrisalani/school-management-system-sub002/internal/api/admin"
	"github.com/idrisalani/school-management-system-sub002/internal/audit"
	"github.com/idrisalani/school-management-system-sub002/internal/config"
	"github.com/idrisalani/school-management-system-sub002/internal/jobs"
	"github.com/idrisalani/school-management-system-sub002/internal/middleware"
)

// Version is stamped at build time with -ldflags "-X .../internal/api.Version=..."
var Version = "dev"

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	retentionJob *jobs.AuditRetentionJob
	rateLimiters []*middleware.RateLimiter
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.retentionJob != nil {
		bg.retentionJob.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router. emitter may be nil when auditing is
// disabled; the handlers and middleware then skip event recording.
func NewRouter(cfg *config.Config, db *sql.DB, store admin.AuditStore, emitter *audit.Emitter) (*gin.Engine, *BackgroundServices) {
	router := gin.New()
	bg := &BackgroundServices{}

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware())
	router.Use(middleware.CORSMiddleware(cfg.Security.CORS))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	router.GET("/health", healthCheckHandler(db))
	router.GET("/ready", readinessHandler(db, store))
	router.GET("/version", versionHandler(cfg.Telemetry.ServiceName))

	auditHandler := admin.NewAuditHandler(store, emitter)

	adminGroup := router.Group("/api/v1/admin")
	if cfg.Security.RateLimiting.Enabled {
		// identify callers early so buckets are keyed per user rather than per IP
		adminGroup.Use(middleware.OptionalAuthMiddleware())
		limiter := middleware.NewRateLimiter(middleware.RateLimitConfigFrom(cfg.Security.RateLimiting))
		bg.rateLimiters = append(bg.rateLimiters, limiter)
		adminGroup.Use(middleware.RateLimitMiddleware(limiter, emitter))
	}
	adminGroup.Use(middleware.AuthMiddleware(emitter))
	adminGroup.Use(middleware.RequireRole(emitter, cfg.Auth.AdminRoles...))
	adminGroup.Use(middleware.AuditMiddleware(emitter, &cfg.Audit))
	{
		logs := adminGroup.Group("/audit-logs")
		logs.GET("", auditHandler.ListAuditLogs)
		logs.GET("/stats", auditHandler.GetAuditStatistics)
		logs.GET("/schema", auditHandler.GetSchema)
		logs.POST("/schema/refresh", auditHandler.RefreshSchema)
		logs.POST("/cleanup", auditHandler.CleanupAuditLogs)
		logs.GET("/:id", auditHandler.GetAuditLog)
	}

	if cfg.Audit.Retention.Enabled {
		job := jobs.NewAuditRetentionJob(store, emitter, cfg.Audit.Retention.DaysToKeep, cfg.Audit.Retention.IntervalHours)
		go job.Start(context.Background())
		bg.retentionJob = job
	}

	return router, bg
}

// @Summary      Health check
// @Description  Liveness probe. Pings the database.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy"
// @Router       /health [get]
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Pings the database and reports the detected audit schema tier.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks: {database, audit_schema}"
// @Failure      503  {object}  map[string]interface{}  "ready: false, error: database not ready"
// @Router       /ready [get]
func readinessHandler(db *sql.DB, store admin.AuditStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		// detection never fails; an unreadable table reports the basic tier uncached
		checks["audit_schema"] = store.Schema(c.Request.Context()).Tier().String()

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "service, version, api_version"
// @Router       /version [get]
func versionHandler(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service":     service,
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware logs one structured record per request. The output format follows
// the global slog handler configured by telemetry.SetupLogger.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.LogAttrs(
			c.Request.Context(),
			level,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", c.GetString(middleware.RequestIDKey)),
			slog.String("user_id", middleware.CurrentUserID(c)),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}
