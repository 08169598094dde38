package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/polidocs/ingest-engine/pkg/audit"
	"github.com/polidocs/ingest-engine/pkg/config"
	"github.com/polidocs/ingest-engine/pkg/crawler"
	"github.com/polidocs/ingest-engine/pkg/crypto"
	"github.com/polidocs/ingest-engine/pkg/database"
	"github.com/polidocs/ingest-engine/pkg/fingerprint"
	"github.com/polidocs/ingest-engine/pkg/handlers"
	"github.com/polidocs/ingest-engine/pkg/middleware"
	"github.com/polidocs/ingest-engine/pkg/repositories"
	"github.com/polidocs/ingest-engine/pkg/services"

	// Registered datasource connectors.
	_ "github.com/polidocs/ingest-engine/pkg/adapters/datasource/mssql"
	_ "github.com/polidocs/ingest-engine/pkg/adapters/datasource/postgres"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var logger *zap.Logger
	if cfg.Env == "local" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("database", cfg.Database.Database),
		zap.String("db_host", cfg.Database.Host),
		zap.Int("max_concurrent_jobs", cfg.Jobs.MaxConcurrent))

	ctx := context.Background()

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	stdDB := stdlib.OpenDBFromPool(db.Pool)
	if err := database.RunMigrations(stdDB, cfg.Database.MigrationsPath, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	encryptor, err := crypto.NewCredentialEncryptor(cfg.CredentialsKey)
	if err != nil {
		logger.Fatal("Failed to initialize credential encryptor", zap.Error(err))
	}

	sourceRepo := repositories.NewSourceRepository(db)
	familyRepo := repositories.NewFamilyRepository(db)
	requestRepo := repositories.NewDataSourceRequestRepository(db)
	jobRepo := repositories.NewJobRepository(db)

	auditor := audit.NewApprovalAuditor(logger)
	jobs := services.NewJobManager(jobRepo, cfg.Jobs.MaxConcurrent, cfg.Jobs.LeaseTTL(), logger)
	ingest := services.NewIngestService(familyRepo, fingerprint.DefaultSimilarityThreshold, logger)

	sources := services.NewSourceService(sourceRepo, jobs, ingest, crawler.New(cfg.Crawler, logger), logger)
	families := services.NewFamilyService(familyRepo, ingest, auditor, logger)
	datasources := services.NewDataSourceService(requestRepo, jobs, ingest, encryptor, auditor, cfg.Sync, logger)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg.Version, logger).RegisterRoutes(mux)
	handlers.NewSourcesHandler(sources, jobs, logger).RegisterRoutes(mux)
	handlers.NewFamiliesHandler(families, logger).RegisterRoutes(mux)
	handlers.NewDataSourcesHandler(datasources, logger).RegisterRoutes(mux)
	handlers.NewJobsHandler(jobs, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.BindAddr + ":" + cfg.Port,
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Starting ingest-engine",
		zap.String("addr", server.Addr),
		zap.String("version", cfg.Version))
	if err := server.ListenAndServe(); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}
