// @title           Group Registry API
// @version         1.0.0
// @description     Registry of student groups: immutable member lists and owner-maintained metadata hashes, with content-addressed metadata documents.
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                         Authorization
// @description                  "JWT, OIDC ID token or API key: 'Bearer {token}'"
//
// @tag.name         Groups
// @tag.description  Group creation, metadata updates and reads.
//
// @tag.name         Documents
// @tag.description  Content-addressed metadata documents.
//
// @tag.name         Observability
// @tag.description  Prometheus metrics are served on a separate port (GRP_TELEMETRY_METRICS_PROMETHEUS_PORT, default 9090) at GET /metrics.

// Package main is the entry point for the group registry server binary.
// It dispatches serve, migrate and version with a switch on os.Args.
package main

import (
	"context"
	"errors"
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
	"golang.org/x/sync/errgroup"

	"github.com/group-allocator/group-registry/internal/api"
	"github.com/group-allocator/group-registry/internal/audit"
	"github.com/group-allocator/group-registry/internal/auth"
	"github.com/group-allocator/group-registry/internal/auth/oidc"
	"github.com/group-allocator/group-registry/internal/config"
	"github.com/group-allocator/group-registry/internal/db"
	"github.com/group-allocator/group-registry/internal/db/repositories"
	"github.com/group-allocator/group-registry/internal/documents"
	"github.com/group-allocator/group-registry/internal/kvstore"
	"github.com/group-allocator/group-registry/internal/kvstore/postgres"
	"github.com/group-allocator/group-registry/internal/kvstore/redis"
	"github.com/group-allocator/group-registry/internal/registry"
	"github.com/group-allocator/group-registry/internal/storage"
	"github.com/group-allocator/group-registry/internal/telemetry"

	_ "github.com/group-allocator/group-registry/internal/kvstore/memory"
	_ "github.com/group-allocator/group-registry/internal/kvstore/sqlite"
	_ "github.com/group-allocator/group-registry/internal/storage/azure"
	_ "github.com/group-allocator/group-registry/internal/storage/gcs"
	_ "github.com/group-allocator/group-registry/internal/storage/local"
	_ "github.com/group-allocator/group-registry/internal/storage/s3"
)

// version is set with -ldflags "-X main.version=..."
var version = "0.1.0"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	if command == "version" {
		fmt.Printf("Group Registry v%s\n", version)
		return nil
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func serve(cfg *config.Config) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := auth.ValidateJWTSecret(); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := kvstore.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}
	defer store.Close()
	slog.Info("registry store opened", "backend", cfg.Store.Backend)

	reg, err := registry.New(ctx, store, registry.Principal(cfg.Registry.Owner),
		registry.WithMemberCache(cfg.Registry.MemberCacheSize),
		registry.WithLogger(slog.Default().With("component", "registry")),
	)
	if err != nil {
		return fmt.Errorf("failed to initialise registry: %w", err)
	}

	deps := api.Dependencies{Registry: reg}

	pg, onPostgres := store.(*postgres.Store)
	if onPostgres {
		telemetry.StartDBStatsCollector(ctx, pg.DB())
	}

	if cfg.Documents.Enabled {
		docs, err := openDocuments(ctx, cfg)
		if err != nil {
			return err
		}
		deps.Documents = docs
	}

	resolver, err := buildResolver(ctx, cfg)
	if err != nil {
		return err
	}
	deps.Resolver = resolver

	if cfg.Security.RateLimiting.Enabled && cfg.Security.RateLimiting.Backend == "redis" {
		rdb := redis.NewClient(cfg.Redis)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis for rate limiting: %w", err)
		}
		deps.Redis = rdb
	}

	if cfg.Audit.Enabled {
		shippers, err := audit.NewMultiShipper(cfg.Audit.Shippers)
		if err != nil {
			return fmt.Errorf("failed to configure audit shippers: %w", err)
		}
		if onPostgres {
			events := repositories.NewAuditRepository(pg.DB())
			shippers.Add(audit.NewDatabaseShipper(events))
			deps.AuditEvents = events
		}
		if shippers.Len() == 0 {
			slog.Warn("audit logging is enabled but no shipper is configured")
		}
		deps.Audit = audit.NewRecorder(shippers, cfg.Audit.LogRejected)
	}

	api.Version = version
	router, bg, err := api.NewRouter(cfg, deps)
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}
	defer bg.Shutdown()

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	servers := []*http.Server{server}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server",
			"addr", server.Addr,
			"owner", cfg.Registry.Owner,
			"documents", cfg.Documents.Enabled,
			"tls", cfg.Security.TLS.Enabled,
		)
		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	// Metrics stay off the public listener.
	if cfg.Telemetry.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metrics := &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		servers = append(servers, metrics)
		g.Go(func() error {
			slog.Info("starting Prometheus metrics server", "addr", metrics.Addr)
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, s := range servers {
			if err := s.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	slog.Info("server stopped gracefully")
	return nil
}

// openDocuments builds the configured blob backend and the document service
// over it.
func openDocuments(ctx context.Context, cfg *config.Config) (*documents.Service, error) {
	blobs, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise document storage: %w", err)
	}
	if ensurer, ok := blobs.(interface{ EnsureContainer(context.Context) error }); ok {
		if err := ensurer.EnsureContainer(ctx); err != nil {
			return nil, fmt.Errorf("failed to prepare document container: %w", err)
		}
	}
	docs, err := documents.NewService(blobs, cfg.Documents)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise documents: %w", err)
	}
	slog.Info("metadata documents enabled",
		"backend", docs.Backend(),
		"require_signature", cfg.Documents.RequireSignature,
	)
	return docs, nil
}

// buildResolver assembles the bearer token verifiers: service JWTs always,
// OIDC ID tokens and keyring API keys when configured.
func buildResolver(ctx context.Context, cfg *config.Config) (*auth.Resolver, error) {
	resolver := &auth.Resolver{Issuer: cfg.Auth.JWT.Issuer, JWT: true}

	if cfg.Auth.OIDC.Enabled {
		verifier, err := oidc.NewVerifier(ctx, &cfg.Auth.OIDC)
		if err != nil {
			return nil, fmt.Errorf("failed to initialise OIDC: %w", err)
		}
		resolver.OIDC = verifier
		resolver.OIDCPrefix = cfg.Auth.OIDC.PrincipalPrefix
		slog.Info("OIDC authentication enabled", "issuer", cfg.Auth.OIDC.IssuerURL, "principal_prefix", cfg.Auth.OIDC.PrincipalPrefix)
	}

	if cfg.Auth.APIKeys.Enabled {
		keyring, err := auth.NewKeyring(cfg.Auth.APIKeys.Prefix, cfg.Auth.APIKeys.CacheSize)
		if err != nil {
			return nil, err
		}
		if cfg.Auth.APIKeys.KeyringFile != "" {
			if err := config.WatchKeyring(cfg.Auth.APIKeys.KeyringFile, keyring.Replace); err != nil {
				return nil, fmt.Errorf("failed to load API keyring: %w", err)
			}
		}
		resolver.Keyring = keyring
		slog.Info("API key authentication enabled", "keys", keyring.Len())
	}

	return resolver, nil
}

func runMigrations(cfg *config.Config, direction string) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Store.Backend != "postgres" {
		slog.Info("store backend has no schema migrations", "backend", cfg.Store.Backend)
		return nil
	}

	database, err := db.Connect(context.Background(), cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	slog.Info("running migrations", "direction", direction)
	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	v, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	slog.Info("migration completed", "version", v, "dirty", dirty)
	return nil
}
