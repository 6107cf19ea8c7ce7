package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/gene-curation-server/internal/domain"
	"github.com/gene-curation-server/internal/service"
)

type ingestRequest struct {
	Records []domain.SourceRecord `json:"records" binding:"required"`
}

func (s *Server) handleIngest(c *gin.Context) {
	sourceName := c.Param("name")

	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	result, err := s.ingest.Run(c.Request.Context(), sourceName, req.Records, func(snapshot domain.BatchResult) {
		s.hub.Broadcast(sourceName, snapshot)
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown source: " + sourceName})
		case errors.Is(err, domain.ErrSourceDisabled):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	response := gin.H{"result": result}
	if !result.VerificationOK {
		verr := &domain.VerificationError{
			SourceName: sourceName,
			Expected:   result.DistinctResolved,
			Actual:     result.DistinctPersisted,
		}
		response["warning"] = verr.Error()
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleListSources(c *gin.Context) {
	configs, err := s.sources.ListAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	type sourceStatus struct {
		*domain.SourceConfig
		ResolutionsSucceeded int64 `json:"resolutions_succeeded"`
		ResolutionsFailed    int64 `json:"resolutions_failed"`
	}

	statuses := make([]sourceStatus, 0, len(configs))
	for _, cfg := range configs {
		succeeded, failed, err := s.auditLog.CountBySource(c.Request.Context(), cfg.Name)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		statuses = append(statuses, sourceStatus{
			SourceConfig:         cfg,
			ResolutionsSucceeded: succeeded,
			ResolutionsFailed:    failed,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sources": statuses})
}

func (s *Server) handleSaveSource(c *gin.Context) {
	var cfg domain.SourceConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	cfg.Name = c.Param("name")

	if err := s.sources.Save(c.Request.Context(), &cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": cfg})
}

func (s *Server) handleListStaging(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	pending, err := s.staging.ListPending(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"staging_requests": pending})
}

type decisionRequest struct {
	Action     string     `json:"action" binding:"required"`
	Reviewer   string     `json:"reviewer" binding:"required"`
	GeneID     *uuid.UUID `json:"gene_id,omitempty"`
	NewSymbol  string     `json:"new_symbol,omitempty"`
	ExternalID string     `json:"external_id,omitempty"`
}

func (s *Server) handleDecision(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid staging id"})
		return
	}

	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	switch req.Action {
	case "approve":
		result, err := s.review.Approve(c.Request.Context(), id, req.Reviewer, service.ApprovalTarget{
			GeneID:     req.GeneID,
			NewSymbol:  req.NewSymbol,
			ExternalID: req.ExternalID,
		})
		if err != nil {
			s.decisionError(c, err)
			return
		}
		response := gin.H{
			"status":            "approved",
			"gene":              result.Gene,
			"payloads_replayed": result.PayloadsReplayed,
			"payloads_skipped":  result.PayloadsSkipped,
		}
		if result.PayloadsSkipped > 0 {
			response["warning"] = "some staged payloads could not be replayed"
		}
		c.JSON(http.StatusOK, response)
	case "reject":
		if err := s.review.Reject(c.Request.Context(), id, req.Reviewer); err != nil {
			s.decisionError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "rejected"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "action must be approve or reject"})
	}
}

func (s *Server) decisionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleFindGene(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		genes, err := s.genes.ListAll(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"genes": genes})
		return
	}

	gene, err := s.genes.FindBySymbol(c.Request.Context(), symbol)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "gene not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"gene": gene})
}

func (s *Server) handleGetGene(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid gene id"})
		return
	}

	gene, err := s.genes.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "gene not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"gene": gene})
}

func (s *Server) handleGeneEvidence(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid gene id"})
		return
	}

	records, err := s.evidence.ListByGene(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"evidence": records})
}

func (s *Server) handleScores(c *gin.Context) {
	scores, err := s.scoring.Scores(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scores": scores})
}

func (s *Server) handleScoreForGene(c *gin.Context) {
	id, err := uuid.Parse(c.Param("gene"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid gene id"})
		return
	}

	score, err := s.scoring.ScoreForGene(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no score for gene"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"score": score})
}

func (s *Server) handleRecompute(c *gin.Context) {
	scores, err := s.scoring.Recompute(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"recomputed": len(scores)})
}

func (s *Server) handleAudit(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	var entries []*domain.NormalizationLogEntry
	var err error
	if rawText := c.Query("raw_text"); rawText != "" {
		entries, err = s.auditLog.ListByText(c.Request.Context(), rawText, limit)
	} else {
		entries, err = s.auditLog.ListRecent(c.Request.Context(), limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
