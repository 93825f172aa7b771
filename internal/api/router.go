// Package api wires the HTTP routes of the group registry.
//
// Route groups:
//   - Creation and reads accept anonymous callers. A bearer token, when sent,
//     is still verified so the caller is known to the audit trail and the
//     rate limiter.
//   - Metadata updates and document uploads require a bearer token; the
//     registry itself decides whether the caller is the owner.
//   - /api/v1/audit is mounted only when audit events are persisted in
//     PostgreSQL, and only the owner can read it.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"

	"github.com/group-allocator/group-registry/internal/api/admin"
	"github.com/group-allocator/group-registry/internal/api/groups"
	"github.com/group-allocator/group-registry/internal/audit"
	"github.com/group-allocator/group-registry/internal/config"
	"github.com/group-allocator/group-registry/internal/documents"
	"github.com/group-allocator/group-registry/internal/middleware"
	"github.com/group-allocator/group-registry/internal/registry"
)

// Version is reported by /version. cmd/server overrides it at link time.
var Version = "dev"

// Dependencies are the services the router dispatches to. Documents,
// Redis, Audit and AuditEvents may be nil.
type Dependencies struct {
	Registry  *registry.Registry
	Documents *documents.Service
	Resolver  middleware.IdentityResolver
	// Redis backs the shared rate limiter when security.rate_limiting.backend is redis
	Redis       *goredis.Client
	Audit       *audit.Recorder
	AuditEvents admin.AuditLister
}

// BackgroundServices holds resources with goroutines that must be stopped
// after the HTTP server has drained.
type BackgroundServices struct {
	limiter middleware.Limiter
	audit   *audit.Recorder
}

// Shutdown stops the rate limiter and flushes audit shippers.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.limiter != nil {
		bg.limiter.Stop()
	}
	if err := bg.audit.Close(); err != nil {
		slog.Warn("failed to close audit shippers", "error", err)
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, deps Dependencies) (*gin.Engine, *BackgroundServices, error) {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware())
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))

	bg := &BackgroundServices{audit: deps.Audit}

	var rateLimit gin.HandlerFunc = func(c *gin.Context) { c.Next() }
	if cfg.Security.RateLimiting.Enabled {
		limiter, err := middleware.NewLimiter(cfg.Security.RateLimiting, deps.Redis)
		if err != nil {
			return nil, nil, err
		}
		bg.limiter = limiter
		rateLimit = middleware.RateLimitMiddleware(limiter)
	}

	router.GET("/health", healthCheckHandler(deps.Registry))
	router.GET("/ready", readinessHandler(deps.Registry, deps.Documents))
	router.GET("/version", versionHandler())

	groupHandler := groups.NewHandler(deps.Registry)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.AuditMiddleware(deps.Audit))

	public := v1.Group("")
	public.Use(middleware.OptionalIdentity(deps.Resolver))
	public.Use(rateLimit)
	{
		public.POST("/groups", groupHandler.CreateGroupHandler())
		public.GET("/groups/:id", groupHandler.GetGroupHandler())
		public.GET("/groups/:id/members", groupHandler.GetMembersHandler())
		public.GET("/groups/:id/metadata", groupHandler.GetMetadataHandler())
		public.GET("/stats", groupHandler.StatsHandler())

		// Wire names used by the allocator frontend.
		public.POST("/contract/create_group", groupHandler.CreateGroupHandler())
	}

	authenticated := v1.Group("")
	authenticated.Use(middleware.RequireIdentity(deps.Resolver))
	authenticated.Use(rateLimit)
	{
		authenticated.PUT("/groups/:id/metadata", groupHandler.UpdateMetadataHandler())
		authenticated.POST("/contract/update_metadata", groupHandler.ContractUpdateMetadataHandler())
	}

	if deps.Documents != nil {
		docHandler := groups.NewDocumentHandler(deps.Registry, deps.Documents, cfg.Documents.MaxSizeBytes)
		public.GET("/documents/:ref", docHandler.GetHandler())
		authenticated.POST("/groups/:id/documents", docHandler.UploadHandler())
	}

	if deps.AuditEvents != nil {
		auditHandler := admin.NewAuditHandler(deps.AuditEvents, deps.Registry.Owner())
		auditGroup := authenticated.Group("/audit")
		auditGroup.Use(admin.RequireOwner(deps.Registry.Owner()))
		auditGroup.GET("", auditHandler.ListHandler())
		auditGroup.GET("/:id", auditHandler.GetHandler())
	}

	return router, bg, nil
}

// healthCheckHandler reports liveness: the registry store answers a ping.
func healthCheckHandler(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		if err := reg.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "store unreachable",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler additionally probes the document storage backend so a
// readiness gate fails while uploads would error.
func readinessHandler(reg *registry.Registry, docs *documents.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		checks := gin.H{}

		if err := reg.Ping(ctx); err != nil {
			checks["store"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "store not ready",
			})
			return
		}
		checks["store"] = "healthy"

		if docs != nil {
			if err := docs.Ping(ctx); err != nil {
				checks["documents"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "document storage not ready",
				})
				return
			}
			checks["documents"] = "healthy"
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

// LoggerMiddleware emits one structured record per request
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.LogAttrs(
			c.Request.Context(),
			level,
			"http request",
			slog.String("request_id", c.GetString(middleware.RequestIDKey)),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("principal", middleware.Principal(c)),
		)
	}
}

// CORSMiddleware answers preflight requests and sets CORS headers for
// allowed origins.
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	if methods == "" {
		methods = "GET, POST, PUT, OPTIONS"
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		wildcard := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" {
				allowed, wildcard = true, true
				break
			}
			if allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed && origin != "" {
			if wildcard {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID, "+groups.SignatureHeader)
			c.Header("Access-Control-Expose-Headers", "X-Request-ID, X-Content-SHA256, X-Content-CID")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
