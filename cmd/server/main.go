package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/JonMunkholm/fieldexport/internal/config"
	"github.com/JonMunkholm/fieldexport/internal/database"
	"github.com/JonMunkholm/fieldexport/internal/export"
	"github.com/JonMunkholm/fieldexport/internal/logging"
	"github.com/JonMunkholm/fieldexport/internal/storage"
	"github.com/JonMunkholm/fieldexport/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"export_max_concurrent", cfg.Export.MaxConcurrent,
		"export_failure_policy", cfg.Export.FailurePolicy,
		"storage_backend", cfg.Storage.Backend,
	)
	slog.Debug("effective configuration", "config", cfg.String())

	// Parse and configure connection pool
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		slog.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}

	// Background jobs stop when shutdown begins.
	jobCtx, cancelJobs := context.WithCancel(logging.NewContext(context.Background(), logger))
	defer cancelJobs()

	deps := web.Deps{
		Logger:    logger,
		Security:  cfg.Security,
		Export:    cfg.Export,
		RateLimit: cfg.Server.RateLimit,
	}

	// Object storage
	var store storage.ObjectStorage
	switch cfg.Storage.Backend {
	case "s3":
		s3, err := storage.NewS3(storage.S3Config{
			Endpoint:  cfg.Storage.S3Endpoint,
			Region:    cfg.Storage.S3Region,
			Bucket:    cfg.Storage.S3Bucket,
			AccessKey: cfg.Storage.S3AccessKey,
			SecretKey: cfg.Storage.S3SecretKey,
			UseSSL:    cfg.Storage.S3UseSSL,
			LinkTTL:   cfg.Storage.LinkTTL,
			PartSize:  cfg.Storage.S3PartSize,
		})
		if err != nil {
			slog.Error("failed to create s3 client", "error", err)
			os.Exit(1)
		}
		store = s3
	default:
		signer := storage.NewSigner(cfg.Storage.SigningSecret, cfg.Storage.PublicBaseURL, cfg.Storage.LinkTTL)
		badger, err := storage.OpenBadger(storage.BadgerConfig{
			Path:       cfg.Storage.BadgerPath,
			ChunkSize:  cfg.Storage.BadgerChunkSize,
			Retention:  cfg.Storage.BadgerRetention,
			GCSchedule: cfg.Storage.BadgerGCSchedule,
		}, signer)
		if err != nil {
			slog.Error("failed to open object store", "path", cfg.Storage.BadgerPath, "error", err)
			os.Exit(1)
		}
		defer badger.Close()

		if err := badger.StartGC(jobCtx); err != nil {
			slog.Error("failed to schedule object store GC", "error", err)
			os.Exit(1)
		}
		store = badger
		deps.Objects = badger
		deps.Signer = signer
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps.Gatherer = registry

	policy := export.PolicySwallow
	if cfg.Export.FailurePolicy == "surface" {
		policy = export.PolicySurface
	}

	db := database.NewPool(pool)
	clients := export.ClientProviderFunc(func(ctx context.Context) (export.DBClient, error) {
		client, err := db.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return client, nil
	})

	limiter := export.NewLimiter(cfg.Export.MaxConcurrent, cfg.Export.MaxWaitTime)
	deps.Limiter = limiter
	deps.Exporter = export.NewExporter(clients, store,
		export.WithPolicy(policy),
		export.WithFetchSize(cfg.Export.FetchSize),
		export.WithLimiter(limiter),
		export.WithMetrics(export.NewMetrics(registry)),
	)

	server := web.NewServer(deps)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Wait for running exports to finish uploading (with timeout)
		if status := limiter.Status(); status.Active > 0 {
			slog.Info("waiting for exports to complete", "active", status.Active)
			if err := limiter.WaitForDrain(shutdownCtx); err != nil {
				slog.Warn("exports did not complete in time", "error", err)
			} else {
				slog.Info("all exports completed")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	if err := server.Start(cfg.Server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
