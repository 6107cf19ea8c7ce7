package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/gene-curation-server/internal/config"
	"github.com/gene-curation-server/internal/database"
	"github.com/gene-curation-server/internal/domain"
	"github.com/gene-curation-server/internal/service"
)

// Server represents the HTTP server
type Server struct {
	cfg    *config.Config
	router *gin.Engine
	server *http.Server
	logger *logrus.Logger

	db       *database.DB
	genes    domain.GeneRegistry
	evidence domain.EvidenceStore
	staging  domain.StagingQueue
	sources  domain.SourceConfigStore
	auditLog domain.AuditLog

	ingest  *service.IngestService
	scoring *service.ScoringService
	review  *service.ReviewService

	hub *ProgressHub
}

// Deps bundles the stores and services the server exposes.
type Deps struct {
	DB       *database.DB
	Genes    domain.GeneRegistry
	Evidence domain.EvidenceStore
	Staging  domain.StagingQueue
	Sources  domain.SourceConfigStore
	AuditLog domain.AuditLog
	Ingest   *service.IngestService
	Scoring  *service.ScoringService
	Review   *service.ReviewService
}

// NewServer creates a new HTTP server instance
func NewServer(cfg *config.Config, deps Deps, logger *logrus.Logger) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestIDMiddleware())

	server := &Server{
		cfg:      cfg,
		router:   router,
		logger:   logger,
		db:       deps.DB,
		genes:    deps.Genes,
		evidence: deps.Evidence,
		staging:  deps.Staging,
		sources:  deps.Sources,
		auditLog: deps.AuditLog,
		ingest:   deps.Ingest,
		scoring:  deps.Scoring,
		review:   deps.Review,
		hub:      NewProgressHub(),
	}

	server.setupRoutes()
	return server
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithFields(logrus.Fields{
				"addr":  addr,
				"error": err,
			}).Fatal("Failed to start server")
		}
	}()

	s.logger.WithFields(logrus.Fields{
		"addr": addr,
	}).Info("HTTP server started")

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/sources", s.handleListSources)
		v1.PUT("/sources/:name", s.handleSaveSource)
		v1.POST("/sources/:name/ingest", s.handleIngest)

		v1.GET("/staging", s.handleListStaging)
		v1.POST("/staging/:id/decision", s.handleDecision)

		v1.GET("/genes", s.handleFindGene)
		v1.GET("/genes/:id", s.handleGetGene)
		v1.GET("/genes/:id/evidence", s.handleGeneEvidence)

		v1.GET("/scores", s.handleScores)
		v1.GET("/scores/:gene", s.handleScoreForGene)
		v1.POST("/scores/recompute", s.handleRecompute)

		v1.GET("/audit", s.handleAudit)
	}

	s.router.GET("/ws/ingestion/:name", s.handleIngestionSocket)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	if s.db != nil {
		if err := s.db.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"version":   "1.0.0",
	})
}

// corsMiddleware adds CORS headers to responses
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-API-Key")
		c.Header("Access-Control-Expose-Headers", "Content-Length")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestIDMiddleware adds a unique request ID to each request
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = fmt.Sprintf("%d", time.Now().UnixNano())
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}
