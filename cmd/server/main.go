package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/gene-curation-server/internal/api"
	"github.com/gene-curation-server/internal/audit"
	"github.com/gene-curation-server/internal/cache"
	"github.com/gene-curation-server/internal/config"
	"github.com/gene-curation-server/internal/database"
	"github.com/gene-curation-server/internal/repository"
	"github.com/gene-curation-server/internal/service"
	"github.com/gene-curation-server/pkg/external"
)

func main() {
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	cfg := configManager.GetConfig()

	logger := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database + migrations.
	db, err := database.NewConnection(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		Database:    cfg.Database.Database,
		Username:    cfg.Database.Username,
		Password:    cfg.Database.Password,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnLife: cfg.Database.ConnMaxLifetime,
		MaxConnIdle: cfg.Database.ConnMaxIdleTime,
		SSLMode:     cfg.Database.SSLMode,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	migrator, err := database.NewMigrationRunner(configManager.DatabaseURL(), cfg.Database.MigrationsPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create migration runner")
	}
	if err := migrator.Up(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to run migrations")
	}
	if err := migrator.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close migration runner")
	}

	// Stores.
	geneRepo := repository.NewGeneRepository(db.Pool, logger)
	evidenceRepo := repository.NewEvidenceRepository(db.Pool, logger)
	stagingRepo := repository.NewStagingRepository(db.Pool, logger)
	sourceRepo := repository.NewSourceConfigRepository(db.Pool, logger)

	auditStore, err := audit.NewPostgresStoreFromURL(configManager.DatabaseURL())
	if err != nil {
		logger.WithError(err).Fatal("Failed to open audit store")
	}
	defer auditStore.Close()

	// External rename feed.
	renameFeed, err := external.NewRenameFeedClient(external.RenameFeedConfig{
		BaseURL:   cfg.RenameFeed.BaseURL,
		Timeout:   cfg.RenameFeed.Timeout,
		RateLimit: cfg.RenameFeed.RateLimit,
		CacheSize: cfg.RenameFeed.CacheSize,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create rename feed client")
	}

	// Services.
	resolver, err := service.NewResolverService(geneRepo, stagingRepo, renameFeed, auditStore, cfg.Resolver.CacheSize, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create resolver")
	}

	inTx := service.PgxTxFunc(db.Pool, resolver, geneRepo, stagingRepo, evidenceRepo)
	ingest := service.NewIngestService(inTx, evidenceRepo, sourceRepo, logger)

	scoreCache := cache.NewScoreViewCache(cache.ScoreViewConfig{
		RedisClient: newRedisClient(cfg, logger),
		TTL:         cfg.Cache.TTL,
		Enabled:     cfg.Cache.Enabled,
	}, logger)
	scoring := service.NewScoringService(evidenceRepo, geneRepo, sourceRepo, scoreCache, logger)

	review := service.NewReviewService(stagingRepo, geneRepo, evidenceRepo, logger)

	server := api.NewServer(cfg, api.Deps{
		DB:       db,
		Genes:    geneRepo,
		Evidence: evidenceRepo,
		Staging:  stagingRepo,
		Sources:  sourceRepo,
		AuditLog: auditStore,
		Ingest:   ingest,
		Scoring:  scoring,
		Review:   review,
	}, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down")
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}
	logger.Info("Server stopped")
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(strings.ToLower(cfg.Logging.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func newRedisClient(cfg *config.Config, logger *logrus.Logger) *redis.Client {
	if !cfg.Cache.Enabled {
		return nil
	}
	opts, err := redis.ParseURL(cfg.Cache.RedisURL)
	if err != nil {
		logger.WithError(err).Warn("Invalid redis URL, score cache disabled")
		return nil
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.WithError(err).Warn("Redis unreachable, score cache will miss")
	}
	return client
}
