// Package api wires together the HTTP routes of the audit read API.
//
// Probe routes (/health, /ready, /version) are unauthenticated. Everything
// under /api/v1 requires a bearer credential whenever JWT or API key
// authentication is enabled, and is rate limited per actor.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/changetrail/changetrail/internal/api/records"
	"github.com/changetrail/changetrail/internal/auth"
	"github.com/changetrail/changetrail/internal/db/repositories"
	"github.com/changetrail/changetrail/internal/middleware"
	"github.com/changetrail/changetrail/internal/storage"
)

// Version is reported by /version and the version command.
var Version = "dev"

const probeTimeout = 3 * time.Second

// Options carries the optional collaborators of the router. Nil fields
// disable the feature they provide.
type Options struct {
	Tokens  *auth.Validator
	Keys    *auth.KeyStore
	Limiter middleware.Limiter
	// Archive is probed by /ready when archiving is enabled
	Archive storage.Storage
}

// NewRouter creates and configures the Gin router
func NewRouter(db *sqlx.DB, opts Options) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.AccessLogMiddleware())

	router.GET("/health", healthCheckHandler(db))
	router.GET("/ready", readinessHandler(db, opts.Archive))
	router.GET("/version", versionHandler())

	v1 := router.Group("/api/v1")
	if opts.Tokens != nil || opts.Keys != nil {
		v1.Use(middleware.AuthMiddleware(opts.Tokens, opts.Keys))
	} else {
		slog.Warn("audit read API is unauthenticated (auth.jwt and auth.api_keys disabled)")
	}
	if opts.Limiter != nil {
		v1.Use(middleware.RateLimitMiddleware(opts.Limiter))
	}

	h := records.NewHandlers(repositories.NewAuditRepository(db))
	v1.GET("/audit-records", h.ListHandler())
	v1.GET("/audit-records/:id", h.GetHandler())
	v1.GET("/entities/:name/:id/history", h.HistoryHandler())

	return router
}

// @Summary      Health check
// @Description  Liveness probe. Pings the database.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy"
// @Router       /health [get]
func healthCheckHandler(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
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
// @Description  Checks database connectivity and, when archiving is enabled, the archive backend.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks"
// @Failure      503  {object}  map[string]interface{}  "ready: false, checks, error"
// @Router       /ready [get]
func readinessHandler(db *sqlx.DB, archive storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
		defer cancel()

		checks := gin.H{}

		if err := db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		if archive != nil {
			// Exists on a sentinel key exercises credentials and connectivity
			// without creating state.
			if _, err := archive.Exists(ctx, ".readiness-probe"); err != nil {
				checks["archive"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "archive backend not ready",
				})
				return
			}
			checks["archive"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}
