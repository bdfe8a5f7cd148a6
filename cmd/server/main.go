// @title           School Management Audit API
// @version         1.0.0
// @description     Audit trail of security- and compliance-relevant actions: browse, summarise and prune.
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                        Authorization
// @description                 "JWT bearer token: 'Bearer {token}'"
//
// @tag.name         System
// @tag.description  Health, readiness and version endpoints.
//
// @tag.name         Audit
// @tag.description  Admin-only access to the audit trail. Prometheus metrics are served on a separate port configured with SMS_TELEMETRY_METRICS_PROMETHEUS_PORT.

// Package main is the entry point for the audit service binary.
// Subcommands are dispatched with a switch on os.Args:
//
//	serve             run the HTTP API and the retention job (default)
//	cleanup [days]    delete entries older than days (default 365) and exit
//	schema            print the detected audit_logs layout and exit
//	token <id> [role] mint a bearer token for the admin API
//	version           print the build version
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cast"

	"github.com/idrisalani/school-management-system-sub002/internal/api"
	"github.com/idrisalani/school-management-system-sub002/internal/audit"
	"github.com/idrisalani/school-management-system-sub002/internal/auth"
	"github.com/idrisalani/school-management-system-sub002/internal/config"
	"github.com/idrisalani/school-management-system-sub002/internal/db"
	"github.com/idrisalani/school-management-system-sub002/internal/db/repositories"
	"github.com/idrisalani/school-management-system-sub002/internal/telemetry"
)

const usage = "Available commands: serve, cleanup [days], schema, token <user-id> [role], version"

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run(args []string) error {
	command := "serve"
	if len(args) > 0 {
		command = args[0]
		args = args[1:]
	}

	if command == "version" {
		fmt.Printf("audit service %s\n", api.Version)
		return nil
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)
	auth.Configure(cfg.Auth.JWTSecret)

	switch command {
	case "serve":
		return serve(cfg)
	case "cleanup":
		days := repositories.DefaultAuditRetentionDays
		if len(args) > 0 {
			n, err := cast.ToIntE(args[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("days must be a positive integer, got %q", args[0])
			}
			days = n
		}
		return cleanup(cfg, days)
	case "schema":
		return printSchema(cfg)
	case "token":
		if len(args) < 1 {
			return fmt.Errorf("usage: token <user-id> [role]")
		}
		role := "admin"
		if len(args) > 1 {
			role = args[1]
		}
		return printToken(cfg, args[0], role)
	default:
		return fmt.Errorf("unknown command: %s\n%s", command, usage)
	}
}

// openRepository connects to the database and builds the schema-probing repository
func openRepository(cfg *config.Config) (*sql.DB, *repositories.AuditRepository, error) {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("connected to database",
		"host", cfg.Database.Host, "port", cfg.Database.Port, "name", cfg.Database.Name)
	return database, repositories.NewAuditRepository(db.Wrap(database)), nil
}

// newEmitter builds the writer/emitter pair. Both are nil when auditing is disabled.
func newEmitter(cfg *config.Config, repo *repositories.AuditRepository) (*audit.Writer, *audit.Emitter, error) {
	if !cfg.Audit.Enabled {
		slog.Warn("audit logging disabled by configuration")
		return nil, nil, nil
	}

	var shipper audit.Shipper
	ms, err := audit.NewMultiShipper(cfg.Audit.Shippers)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to configure audit shippers: %w", err)
	}
	if ms != nil {
		shipper = ms
		slog.Info("audit shipping enabled", "shippers", ms.Len())
	}

	writer := audit.NewWriter(repo, shipper)
	emitter := audit.NewEmitter(writer).WithSentinelIDs(cfg.Audit.SystemUserID, cfg.Audit.AnonymousUserID)
	return writer, emitter, nil
}

func serve(cfg *config.Config) error {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := auth.ValidateJWTSecret(); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	database, repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	telemetry.StartDBStatsCollector(database)

	schema := repo.Schema(context.Background())
	telemetry.SetAuditSchemaTier(schema.Tier().String(), repositories.AuditSchemaTierNames())
	slog.Info("audit schema in use", "tier", schema.Tier().String(), "user_directory", schema.Users().String())

	writer, emitter, err := newEmitter(cfg, repo)
	if err != nil {
		return err
	}

	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	router, bgServices := api.NewRouter(cfg, database, repo, emitter)

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if emitter != nil {
		emitter.LogSystem(context.Background(), audit.ActionSystemStartup, "", map[string]interface{}{
			"version": api.Version,
			"tier":    schema.Tier().String(),
		})
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", cfg.Server.GetAddress(), "version", api.Version)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		slog.Info("shutting down server", "signal", sig.String())
	case err := <-serverErr:
		bgServices.Shutdown()
		return fmt.Errorf("failed to start server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	bgServices.Shutdown()

	if emitter != nil {
		emitter.LogSystem(ctx, audit.ActionSystemShutdown, "", nil)
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			slog.Warn("closing audit shippers", "error", err)
		}
	}

	slog.Info("server stopped gracefully")
	return nil
}

func cleanup(cfg *config.Config, days int) error {
	database, repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	deleted, err := repo.CleanupAuditLogs(ctx, days)
	if err != nil {
		return fmt.Errorf("failed to clean up audit logs: %w", err)
	}

	writer, emitter, err := newEmitter(cfg, repo)
	if err != nil {
		return err
	}
	if emitter != nil {
		emitter.LogSystem(ctx, audit.ActionAuditCleanup, "", map[string]interface{}{
			"daysToKeep":   days,
			"deletedCount": deleted,
			"triggeredBy":  "cli",
		})
		_ = writer.Close()
	}

	fmt.Printf("deleted %d audit log entries older than %d days\n", deleted, days)
	return nil
}

func printSchema(cfg *config.Config) error {
	database, repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	schema := repo.Schema(context.Background())
	out, err := json.MarshalIndent(map[string]interface{}{
		"tier":                schema.Tier().String(),
		"userDirectory":       schema.Users().String(),
		"supportsResources":   schema.SupportsResources(),
		"supportsResourceUrl": schema.SupportsResourceURL(),
		"insertColumns":       schema.InsertColumns(),
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func printToken(cfg *config.Config, userID, role string) error {
	if err := auth.ValidateJWTSecret(); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}
	token, err := auth.GenerateJWT(userID, "", role, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Println(token)
	return nil
}
