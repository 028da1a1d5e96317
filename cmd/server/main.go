// @title           Changetrail Audit API
// @version         1.0.0
// @description     Read API over the audit trail recorded for entity mutations.
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                         Authorization
// @description                  "JWT or API key: 'Bearer {credential}'"
//
// @tag.name         System
// @tag.description  Health, readiness and version endpoints.
//
// @tag.name         Audit
// @tag.description  Audit records with rendered change descriptions.

// Package main is the entry point for the changetrail server binary. It
// dispatches its subcommands via a switch on os.Args: serve, migrate, token,
// apikey and version. serve runs migrations on startup.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/changetrail/changetrail/internal/api"
	"github.com/changetrail/changetrail/internal/audit"
	"github.com/changetrail/changetrail/internal/auth"
	"github.com/changetrail/changetrail/internal/config"
	"github.com/changetrail/changetrail/internal/db"
	"github.com/changetrail/changetrail/internal/db/repositories"
	"github.com/changetrail/changetrail/internal/jobs"
	"github.com/changetrail/changetrail/internal/middleware"
	redisclient "github.com/changetrail/changetrail/internal/redis"
	"github.com/changetrail/changetrail/internal/safego"
	"github.com/changetrail/changetrail/internal/storage"
	_ "github.com/changetrail/changetrail/internal/storage/azure"
	_ "github.com/changetrail/changetrail/internal/storage/gcs"
	_ "github.com/changetrail/changetrail/internal/storage/local"
	_ "github.com/changetrail/changetrail/internal/storage/s3"
	"github.com/changetrail/changetrail/internal/telemetry"
)

const usage = "Available commands: serve, migrate <up|down>, token <actor> [ttl], apikey [name], version"

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
		fmt.Printf("changetrail %s\n", api.Version)
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
	case "token":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s token <actor> [ttl]", os.Args[0])
		}
		return issueToken(cfg, os.Args[2], os.Args[3:])
	case "apikey":
		name := "service"
		if len(os.Args) > 2 {
			name = os.Args[2]
		}
		return issueAPIKey(cfg, name)
	default:
		return fmt.Errorf("unknown command: %s\n%s", command, usage)
	}
}

func serve(cfg *config.Config) error {
	closeLog, err := setupLogging(&cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	database, err := db.Connect(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	slog.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)

	if cfg.Telemetry.Metrics.Enabled {
		telemetry.StartDBStatsCollector(ctx, database.DB, cfg.Telemetry.Metrics.DBStatsPeriod)
	}

	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if v, dirty, err := db.GetMigrationVersion(database); err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", v, "dirty", dirty)
	}

	pipeline, err := audit.NewPipeline(database, &cfg.Audit)
	if err != nil {
		return err
	}
	defer func() {
		if err := pipeline.Close(); err != nil {
			slog.Warn("failed to close audit shippers", "error", err)
		}
	}()
	slog.Info("audit pipeline ready",
		"enabled", pipeline.Enabled(), "write_mode", cfg.Audit.WriteMode, "shippers", pipeline.Shippers())

	if cfg.Telemetry.Metrics.Enabled {
		startMetricsServer(cfg.GetMetricsAddress())
	}

	opts, cleanup, err := routerOptions(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	var archiver *jobs.AuditArchiver
	if cfg.Archive.Enabled {
		archiver = jobs.NewAuditArchiver(repositories.NewAuditRepository(database), opts.Archive, &cfg.Archive)
		safego.Go("audit-archiver", func() { archiver.Start(ctx) })
	}

	server := &http.Server{
		Addr:              cfg.Server.GetAddress(),
		Handler:           api.NewRouter(database, opts),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", server.Addr, "version", api.Version)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	}

	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if archiver != nil {
		archiver.Stop()
	}

	slog.Info("server stopped gracefully")
	return nil
}

// setupLogging installs the slog default. output is stdout, stderr or a file path.
func setupLogging(cfg *config.LoggingConfig) (func(), error) {
	var w io.Writer
	closeFn := func() {}
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		telemetry.SetupLogger(cfg.Format, cfg.Level)
		return closeFn, nil
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log output: %w", err)
		}
		w = f
		closeFn = func() { _ = f.Close() }
	}
	slog.SetDefault(telemetry.NewLogger(w, cfg.Format, cfg.Level))
	slog.Info("logger initialised", "format", cfg.Format, "level", telemetry.ParseLevel(cfg.Level).String(), "output", cfg.Output)
	return closeFn, nil
}

// startMetricsServer serves /metrics on a dedicated port so the scrape path
// stays off the public listener.
func startMetricsServer(addr string) {
	safego.Go("metrics-server", func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		slog.Info("starting Prometheus metrics server", "addr", addr)
		srv := &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	})
}

// routerOptions builds the authenticators, rate limiter and archive backend.
// The returned cleanup releases the limiter and redis connection.
func routerOptions(ctx context.Context, cfg *config.Config) (api.Options, func(), error) {
	var opts api.Options
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Auth.JWT.Enabled {
		v, err := auth.NewValidator(&cfg.Auth.JWT)
		if err != nil {
			return opts, cleanup, fmt.Errorf("security configuration error: %w", err)
		}
		opts.Tokens = v
	}
	if cfg.Auth.APIKeys.Enabled {
		opts.Keys = auth.NewKeyStore(&cfg.Auth.APIKeys)
		slog.Info("API key authentication enabled", "keys", len(cfg.Auth.APIKeys.Keys))
	}

	if rl := cfg.Security.RateLimiting; rl.Enabled {
		limitCfg := middleware.RateLimitConfigFrom(&rl)
		if rl.Backend == "redis" {
			client, err := redisclient.New(ctx, &cfg.Redis)
			if err != nil {
				cleanup()
				return opts, func() {}, fmt.Errorf("failed to connect to redis: %w", err)
			}
			if client == nil {
				cleanup()
				return opts, func() {}, fmt.Errorf("redis.url is required for the redis rate limiting backend")
			}
			closers = append(closers, func() { _ = client.Close() })
			opts.Limiter = middleware.NewRedisRateLimiter(client.Client, limitCfg)
		} else {
			limiter := middleware.NewRateLimiter(limitCfg)
			closers = append(closers, limiter.Stop)
			opts.Limiter = limiter
		}
		slog.Info("rate limiting enabled", "backend", rl.Backend, "rpm", rl.RequestsPerMinute)
	}

	if cfg.Archive.Enabled {
		store, err := storage.NewStorage(&cfg.Archive)
		if err != nil {
			cleanup()
			return opts, func() {}, fmt.Errorf("failed to initialize archive storage: %w", err)
		}
		opts.Archive = store
	}

	return opts, cleanup, nil
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	log.Printf("Running migrations: %s", direction)

	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	v, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	log.Printf("Migration completed successfully. Current version: %d (dirty: %v)", v, dirty)
	return nil
}

// issueToken prints a bearer token for actor. ttl defaults to auth.jwt.token_ttl.
func issueToken(cfg *config.Config, actor string, args []string) error {
	v, err := auth.NewValidator(&cfg.Auth.JWT)
	if err != nil {
		return err
	}

	ttl := cfg.Auth.JWT.TokenTTL
	if len(args) > 0 {
		if ttl, err = time.ParseDuration(args[0]); err != nil {
			return fmt.Errorf("invalid ttl %q: %w", args[0], err)
		}
	}

	token, err := v.Generate(actor, "", ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// issueAPIKey prints a new key and the config entry that accepts it. Only the
// hash belongs in configuration; the key is shown once.
func issueAPIKey(cfg *config.Config, name string) error {
	key, hash, displayPrefix, err := auth.GenerateAPIKey(cfg.Auth.APIKeys.Prefix)
	if err != nil {
		return err
	}

	fmt.Printf("API key (%s...): %s\n\n", displayPrefix, key)
	fmt.Println("Add to auth.api_keys.keys:")
	fmt.Printf("  - name: %s\n    hash: %q\n", name, hash)
	return nil
}
