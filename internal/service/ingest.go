package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/gene-curation-server/internal/domain"
	"github.com/gene-curation-server/internal/repository"
)

// TxFunc runs fn with a resolver and evidence store bound to one transaction.
// The resolution writes and the evidence merge commit or roll back together.
type TxFunc func(ctx context.Context, fn func(res RecordResolver, ev domain.EvidenceStore) error) error

// ProgressFunc receives a counter snapshot after every processed record.
type ProgressFunc func(snapshot domain.BatchResult)

// IngestService runs per-source batch ingestion: resolve each record, merge
// its evidence, and verify afterwards that nothing was silently lost.
type IngestService struct {
	inTx     TxFunc
	evidence domain.EvidenceStore
	sources  domain.SourceConfigStore
	logger   *logrus.Logger
}

// NewIngestService creates a new ingestion service
func NewIngestService(inTx TxFunc, evidence domain.EvidenceStore, sources domain.SourceConfigStore, logger *logrus.Logger) *IngestService {
	return &IngestService{
		inTx:     inTx,
		evidence: evidence,
		sources:  sources,
		logger:   logger,
	}
}

// PgxTxFunc builds the production TxFunc: each invocation opens a pgx
// transaction and hands fn a resolver and evidence store bound to it.
func PgxTxFunc(
	pool *pgxpool.Pool,
	resolver *ResolverService,
	genes *repository.GeneRepository,
	staging *repository.StagingRepository,
	evidence *repository.EvidenceRepository,
) TxFunc {
	return func(ctx context.Context, fn func(res RecordResolver, ev domain.EvidenceStore) error) error {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}

		txResolver := resolver.WithStores(genes.WithTx(tx), staging.WithTx(tx))
		if err := fn(txResolver, evidence.WithTx(tx)); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("committing transaction: %w", err)
		}
		return nil
	}
}

// Run ingests one batch for a named source. Records are processed
// independently: one record's failure never aborts the batch. Re-running the
// same batch is idempotent thanks to the merge semantics. Returns an error
// only for infrastructure-level failures; per-record outcomes live in the
// BatchResult.
func (s *IngestService) Run(ctx context.Context, sourceName string, records []domain.SourceRecord, progress ProgressFunc) (*domain.BatchResult, error) {
	cfg, err := s.sources.Get(ctx, sourceName)
	if err != nil {
		return nil, fmt.Errorf("loading source config: %w", err)
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("source %s: %w", sourceName, domain.ErrSourceDisabled)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	limiter := rate.NewLimiter(limit, 1)

	result := &domain.BatchResult{
		SourceName: sourceName,
		Total:      len(records),
		StartedAt:  time.Now().UTC(),
	}
	resolved := make(map[uuid.UUID]struct{})

	s.logger.WithFields(logrus.Fields{
		"source_name": sourceName,
		"records":     len(records),
		"rate_limit":  cfg.RateLimit,
	}).Info("Ingestion batch started")

	for i := range records {
		if err := limiter.Wait(ctx); err != nil {
			return result, fmt.Errorf("batch aborted: %w", err)
		}

		s.processRecord(ctx, &records[i], cfg, result, resolved)

		if progress != nil {
			progress(*result)
		}
	}

	result.DistinctResolved = len(resolved)
	result.FinishedAt = time.Now().UTC()

	if err := s.verify(ctx, result); err != nil {
		return result, err
	}

	s.logger.WithFields(logrus.Fields{
		"source_name":        sourceName,
		"total":              result.Total,
		"succeeded":          result.Succeeded,
		"staged":             result.Staged,
		"failed":             result.Failed,
		"distinct_resolved":  result.DistinctResolved,
		"distinct_persisted": result.DistinctPersisted,
		"verification_ok":    result.VerificationOK,
	}).Info("Ingestion batch finished")

	return result, nil
}

func (s *IngestService) processRecord(ctx context.Context, rec *domain.SourceRecord, cfg *domain.SourceConfig, result *domain.BatchResult, resolved map[uuid.UUID]struct{}) {
	if rec.Attributes == nil {
		s.recordFailure(result, rec.RawText, "missing attribute map")
		return
	}

	var res *domain.ResolutionResult
	err := s.inTx(ctx, func(r RecordResolver, ev domain.EvidenceStore) error {
		rr, err := r.Resolve(ctx, rec, result.SourceName, cfg)
		if err != nil {
			return err
		}
		res = rr

		if !rr.Resolved() {
			return nil
		}
		return ev.UpsertMerge(ctx, &domain.EvidenceRecord{
			GeneID:       *rr.GeneID,
			SourceName:   result.SourceName,
			SourceDetail: rec.SourceDetail,
			Attributes:   rec.Attributes,
			SourceScore:  rec.SourceScore,
		})
	})
	if err != nil {
		var malformed *domain.MalformedRecordError
		if errors.As(err, &malformed) {
			s.recordFailure(result, rec.RawText, malformed.Reason)
			return
		}
		s.recordFailure(result, rec.RawText, err.Error())
		s.logger.WithFields(logrus.Fields{
			"source_name": result.SourceName,
			"raw_text":    rec.RawText,
			"error":       err,
		}).Error("Record transaction rolled back")
		return
	}

	switch res.Disposition {
	case domain.DispositionStaged, domain.DispositionDuplicate:
		result.Staged++
	case domain.DispositionFastRejected:
		s.recordFailure(result, rec.RawText, "text previously rejected by reviewer")
	default:
		result.Succeeded++
		resolved[*res.GeneID] = struct{}{}
	}
}

func (s *IngestService) recordFailure(result *domain.BatchResult, rawText, reason string) {
	result.Failed++
	result.Failures = append(result.Failures, domain.RecordFailure{
		RawText: rawText,
		Reason:  reason,
	})
}

// verify compares the distinct genes holding evidence for this source against
// the distinct identifiers the batch resolved. Fewer rows than resolutions
// means evidence went missing; that is surfaced, never swallowed.
func (s *IngestService) verify(ctx context.Context, result *domain.BatchResult) error {
	persisted, err := s.evidence.CountDistinctGenes(ctx, result.SourceName)
	if err != nil {
		return fmt.Errorf("post-batch verification failed: %w", err)
	}
	result.DistinctPersisted = persisted
	result.VerificationOK = persisted >= result.DistinctResolved

	if !result.VerificationOK {
		s.logger.WithFields(logrus.Fields{
			"source_name":        result.SourceName,
			"distinct_resolved":  result.DistinctResolved,
			"distinct_persisted": persisted,
		}).Error("Evidence shortfall detected after ingestion batch")
	}
	return nil
}
