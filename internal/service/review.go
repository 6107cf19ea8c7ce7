package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gene-curation-server/internal/domain"
)

// ApprovalTarget names the gene a staging approval binds to: an existing
// registry gene, or a new one created from the given symbol.
type ApprovalTarget struct {
	GeneID     *uuid.UUID `json:"gene_id,omitempty"`
	NewSymbol  string     `json:"new_symbol,omitempty"`
	ExternalID string     `json:"external_id,omitempty"`
}

// ApprovalResult reports what an approval did: the gene the text was bound
// to and how many staged payloads made it into the evidence store.
type ApprovalResult struct {
	Gene             *domain.Gene `json:"gene"`
	PayloadsReplayed int          `json:"payloads_replayed"`
	PayloadsSkipped  int          `json:"payloads_skipped"`
}

// ReviewService applies human decisions to staged resolution failures. An
// approval binds the raw text to a gene and replays the evidence payloads
// that were blocked while the text sat in the queue.
type ReviewService struct {
	staging  domain.StagingQueue
	genes    domain.GeneRegistry
	evidence domain.EvidenceStore
	logger   *logrus.Logger
}

// NewReviewService creates a new review service
func NewReviewService(
	staging domain.StagingQueue,
	genes domain.GeneRegistry,
	evidence domain.EvidenceStore,
	logger *logrus.Logger,
) *ReviewService {
	return &ReviewService{
		staging:  staging,
		genes:    genes,
		evidence: evidence,
		logger:   logger,
	}
}

// Approve binds a pending staging request to a gene and replays its staged
// payloads through the evidence store. The raw text becomes an alias of the
// gene so future submissions resolve directly. The result carries the replay
// counts so the reviewer sees payloads that could not be applied.
func (s *ReviewService) Approve(ctx context.Context, stagingID uuid.UUID, reviewer string, target ApprovalTarget) (*ApprovalResult, error) {
	req, err := s.staging.GetByID(ctx, stagingID)
	if err != nil {
		return nil, err
	}
	if req.Status != domain.StagingPending {
		return nil, fmt.Errorf("staging request already %s: %w", req.Status, domain.ErrConflict)
	}

	gene, err := s.targetGene(ctx, req, target)
	if err != nil {
		return nil, err
	}

	if err := s.staging.Decide(ctx, stagingID, domain.StagingApproved, reviewer, &gene.ID); err != nil {
		return nil, err
	}

	if !strings.EqualFold(req.RawText, gene.Symbol) && !gene.HasAlias(req.RawText) {
		if err := s.genes.AddAliases(ctx, gene.ID, []string{req.RawText}); err != nil {
			return nil, fmt.Errorf("recording approved alias: %w", err)
		}
	}

	replayed, skipped := s.replay(ctx, req, gene.ID)

	s.logger.WithFields(logrus.Fields{
		"staging_id": stagingID,
		"raw_text":   req.RawText,
		"gene_id":    gene.ID,
		"symbol":     gene.Symbol,
		"reviewer":   reviewer,
		"replayed":   replayed,
		"skipped":    skipped,
	}).Info("Staging request approved")

	return &ApprovalResult{
		Gene:             gene,
		PayloadsReplayed: replayed,
		PayloadsSkipped:  skipped,
	}, nil
}

// Reject marks the text as not a valid gene reference. Future identical
// submissions are fast-rejected against this row instead of re-staging.
func (s *ReviewService) Reject(ctx context.Context, stagingID uuid.UUID, reviewer string) error {
	if err := s.staging.Decide(ctx, stagingID, domain.StagingRejected, reviewer, nil); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"staging_id": stagingID,
		"reviewer":   reviewer,
	}).Info("Staging request rejected")
	return nil
}

func (s *ReviewService) targetGene(ctx context.Context, req *domain.StagingRequest, target ApprovalTarget) (*domain.Gene, error) {
	if target.GeneID != nil {
		gene, err := s.genes.GetByID(ctx, *target.GeneID)
		if err != nil {
			return nil, fmt.Errorf("loading target gene: %w", err)
		}
		return gene, nil
	}

	symbol := strings.ToUpper(strings.TrimSpace(target.NewSymbol))
	if symbol == "" {
		symbol = req.RawText
	}
	gene := &domain.Gene{
		ExternalID: target.ExternalID,
		Symbol:     symbol,
		Aliases:    []string{},
	}
	if err := s.genes.Create(ctx, gene); err != nil {
		return nil, fmt.Errorf("creating gene for approval: %w", err)
	}
	return gene, nil
}

// replay pushes each staged payload through the evidence merge. Payloads a
// reviewer approved are never discarded; ones that cannot be decoded are
// counted and logged.
func (s *ReviewService) replay(ctx context.Context, req *domain.StagingRequest, geneID uuid.UUID) (replayed, skipped int) {
	for _, payload := range req.Payloads {
		attrs, ok := payload["attributes"].(map[string]any)
		if !ok || attrs == nil {
			skipped++
			s.logger.WithFields(logrus.Fields{
				"staging_id":  req.ID,
				"source_name": req.SourceName,
			}).Warn("Staged payload missing attribute map, skipped during replay")
			continue
		}

		detail, _ := payload["source_detail"].(string)
		var score *float64
		if v, ok := payload["source_score"].(float64); ok {
			score = &v
		}

		err := s.evidence.UpsertMerge(ctx, &domain.EvidenceRecord{
			GeneID:       geneID,
			SourceName:   req.SourceName,
			SourceDetail: detail,
			Attributes:   attrs,
			SourceScore:  score,
		})
		if err != nil {
			skipped++
			s.logger.WithFields(logrus.Fields{
				"staging_id":  req.ID,
				"source_name": req.SourceName,
				"error":       err,
			}).Error("Failed to replay staged payload")
			continue
		}
		replayed++
	}
	return replayed, skipped
}
