package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/gene-curation-server/internal/domain"
)

// StagingRepository handles human-review requests for unresolved identifiers
type StagingRepository struct {
	db  Querier
	log *logrus.Logger
}

// NewStagingRepository creates a new staging repository
func NewStagingRepository(db Querier, logger *logrus.Logger) *StagingRepository {
	return &StagingRepository{
		db:  db,
		log: logger,
	}
}

// WithTx returns a copy of the repository bound to the given transaction
func (r *StagingRepository) WithTx(tx pgx.Tx) *StagingRepository {
	return &StagingRepository{db: tx, log: r.log}
}

const stagingColumns = `id, raw_text, source_name, payloads, attempt_log, status, priority,
	submission_count, seen_sources, reviewed_by, reviewed_at, gene_id, created_at, updated_at`

// Submit records an unresolved identifier for review. It is idempotent on
// (raw_text, source_name): a pending row is bumped +1, not duplicated. When a
// source submits a text that other sources already have pending, the new row
// starts at 1 + 2 per corroborating source and the pending sibling rows are
// each boosted +2, once per corroborating source. Terminal rows are returned
// untouched so the caller can fast-reject or reuse an approved binding.
func (r *StagingRepository) Submit(ctx context.Context, req *domain.StagingRequest) (bool, *domain.StagingRequest, error) {
	existing, err := r.GetByKey(ctx, req.RawText, req.SourceName)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return false, nil, err
	}

	if existing != nil {
		if existing.Status != domain.StagingPending {
			return false, existing, nil
		}
		bumped, err := r.bump(ctx, existing, req)
		return false, bumped, err
	}

	siblings, err := r.pendingSiblingSources(ctx, req.RawText, req.SourceName)
	if err != nil {
		return false, nil, err
	}

	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.Status == "" {
		req.Status = domain.StagingPending
	}
	if req.Priority == 0 {
		req.Priority = 1
	}
	req.Priority += 2 * len(siblings)
	req.SubmissionCount = 1
	req.SeenSources = append([]string{req.SourceName}, siblings...)

	payloadsJSON, err := json.Marshal(req.Payloads)
	if err != nil {
		return false, nil, fmt.Errorf("encoding payloads: %w", err)
	}
	attemptJSON, err := json.Marshal(req.AttemptLog)
	if err != nil {
		return false, nil, fmt.Errorf("encoding attempt log: %w", err)
	}

	insert := `
		INSERT INTO staging_requests (id, raw_text, source_name, payloads, attempt_log, status, priority, submission_count, seen_sources)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (raw_text, source_name) DO NOTHING
		RETURNING created_at, updated_at`

	err = r.db.QueryRow(ctx, insert,
		req.ID, req.RawText, req.SourceName, payloadsJSON, attemptJSON,
		req.Status, req.Priority, req.SubmissionCount, req.SeenSources,
	).Scan(&req.CreatedAt, &req.UpdatedAt)

	if err == pgx.ErrNoRows {
		// Lost a race with a concurrent submit; bump the winner's row.
		winner, gerr := r.GetByKey(ctx, req.RawText, req.SourceName)
		if gerr != nil {
			return false, nil, gerr
		}
		if winner.Status != domain.StagingPending {
			return false, winner, nil
		}
		bumped, berr := r.bump(ctx, winner, req)
		return false, bumped, berr
	}
	if err != nil {
		return false, nil, fmt.Errorf("inserting staging request: %w", err)
	}

	if len(siblings) > 0 {
		if err := r.corroborate(ctx, req.RawText, req.SourceName); err != nil {
			return false, nil, err
		}
	}

	r.log.WithFields(logrus.Fields{
		"staging_id":    req.ID,
		"raw_text":      req.RawText,
		"source_name":   req.SourceName,
		"priority":      req.Priority,
		"corroborators": siblings,
	}).Info("Staging request created")

	return true, req, nil
}

// pendingSiblingSources lists the other sources with a pending request for
// the same raw text.
func (r *StagingRepository) pendingSiblingSources(ctx context.Context, rawText, sourceName string) ([]string, error) {
	query := `
		SELECT source_name FROM staging_requests
		WHERE raw_text = $1 AND source_name <> $2 AND status = 'PENDING'
		ORDER BY source_name`

	rows, err := r.db.Query(ctx, query, rawText, sourceName)
	if err != nil {
		return nil, fmt.Errorf("listing corroborating sources: %w", err)
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// corroborate boosts the pending sibling rows for a raw text when a new
// source reports it. The seen_sources guard keeps the boost to once per
// corroborating source.
func (r *StagingRepository) corroborate(ctx context.Context, rawText, sourceName string) error {
	query := `
		UPDATE staging_requests
		SET priority = priority + 2,
			seen_sources = array_append(seen_sources, $2),
			updated_at = NOW()
		WHERE raw_text = $1 AND source_name <> $2 AND status = 'PENDING'
			AND NOT ($2 = ANY(seen_sources))`

	result, err := r.db.Exec(ctx, query, rawText, sourceName)
	if err != nil {
		return fmt.Errorf("boosting corroborated staging requests: %w", err)
	}

	if result.RowsAffected() > 0 {
		r.log.WithFields(logrus.Fields{
			"raw_text":    rawText,
			"source_name": sourceName,
			"rows":        result.RowsAffected(),
		}).Info("Pending staging requests corroborated by new source")
	}
	return nil
}

// bump folds a repeat submission from the same source into its pending row,
// raising priority by one and appending the new payloads.
func (r *StagingRepository) bump(ctx context.Context, existing *domain.StagingRequest, incoming *domain.StagingRequest) (*domain.StagingRequest, error) {
	payloads := append(existing.Payloads, incoming.Payloads...)
	payloadsJSON, err := json.Marshal(payloads)
	if err != nil {
		return nil, fmt.Errorf("encoding payloads: %w", err)
	}

	update := `
		UPDATE staging_requests
		SET priority = priority + 1,
			submission_count = submission_count + 1,
			payloads = $2,
			updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
		RETURNING ` + stagingColumns

	row := r.db.QueryRow(ctx, update, existing.ID, payloadsJSON)
	updated, err := r.scanRequest(row)
	if err != nil {
		return nil, fmt.Errorf("bumping staging request: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"staging_id":       updated.ID,
		"raw_text":         updated.RawText,
		"priority":         updated.Priority,
		"submission_count": updated.SubmissionCount,
	}).Info("Duplicate staging submission folded into pending request")

	return updated, nil
}

// GetByID retrieves a staging request by ID
func (r *StagingRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.StagingRequest, error) {
	query := `SELECT ` + stagingColumns + ` FROM staging_requests WHERE id = $1`
	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("staging request not found: %w", domain.ErrNotFound)
		}
		return nil, err
	}
	return req, nil
}

// GetByKey retrieves a staging request by its (raw_text, source_name) key
func (r *StagingRepository) GetByKey(ctx context.Context, rawText, sourceName string) (*domain.StagingRequest, error) {
	query := `SELECT ` + stagingColumns + ` FROM staging_requests WHERE raw_text = $1 AND source_name = $2`
	req, err := r.scanRequest(r.db.QueryRow(ctx, query, rawText, sourceName))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("staging request not found: %w", domain.ErrNotFound)
		}
		return nil, err
	}
	return req, nil
}

// ListPending returns pending requests ordered by priority, highest first
func (r *StagingRepository) ListPending(ctx context.Context, limit int) ([]*domain.StagingRequest, error) {
	query := `
		SELECT ` + stagingColumns + `
		FROM staging_requests
		WHERE status = 'PENDING'
		ORDER BY priority DESC, created_at ASC
		LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending staging requests: %w", err)
	}
	defer rows.Close()

	var requests []*domain.StagingRequest
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// Decide transitions a pending request to a terminal state. Only explicit
// reviewer action mutates a staging request past PENDING.
func (r *StagingRepository) Decide(ctx context.Context, id uuid.UUID, status domain.StagingStatus, reviewer string, geneID *uuid.UUID) error {
	if status != domain.StagingApproved && status != domain.StagingRejected {
		return fmt.Errorf("invalid decision status %q: %w", status, domain.ErrConflict)
	}

	query := `
		UPDATE staging_requests
		SET status = $2, reviewed_by = $3, reviewed_at = NOW(), gene_id = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'`

	result, err := r.db.Exec(ctx, query, id, status, reviewer, geneID)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"staging_id": id,
			"status":     status,
			"error":      err,
		}).Error("Failed to record staging decision")
		return fmt.Errorf("recording staging decision: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("staging request not pending: %w", domain.ErrConflict)
	}

	r.log.WithFields(logrus.Fields{
		"staging_id": id,
		"status":     status,
		"reviewer":   reviewer,
	}).Info("Staging decision recorded")

	return nil
}

func (r *StagingRepository) scanRequest(row rowScanner) (*domain.StagingRequest, error) {
	var req domain.StagingRequest
	var payloadsRaw, attemptRaw []byte
	var reviewedAt *time.Time

	err := row.Scan(
		&req.ID,
		&req.RawText,
		&req.SourceName,
		&payloadsRaw,
		&attemptRaw,
		&req.Status,
		&req.Priority,
		&req.SubmissionCount,
		&req.SeenSources,
		&req.ReviewedBy,
		&reviewedAt,
		&req.GeneID,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	req.ReviewedAt = reviewedAt
	if err := json.Unmarshal(payloadsRaw, &req.Payloads); err != nil {
		return nil, fmt.Errorf("decoding staging payloads: %w", err)
	}
	if err := json.Unmarshal(attemptRaw, &req.AttemptLog); err != nil {
		return nil, fmt.Errorf("decoding attempt log: %w", err)
	}
	return &req, nil
}
