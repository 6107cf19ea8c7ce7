package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/gene-curation-server/internal/domain"
)

// EvidenceRepository handles evidence record persistence with
// merge-on-conflict semantics
type EvidenceRepository struct {
	db  Querier
	log *logrus.Logger
}

// NewEvidenceRepository creates a new evidence repository
func NewEvidenceRepository(db Querier, logger *logrus.Logger) *EvidenceRepository {
	return &EvidenceRepository{
		db:  db,
		log: logger,
	}
}

// WithTx returns a copy of the repository bound to the given transaction
func (r *EvidenceRepository) WithTx(tx pgx.Tx) *EvidenceRepository {
	return &EvidenceRepository{db: tx, log: r.log}
}

// UpsertMerge inserts the record, or merges its attribute map field by field
// into the existing row for the same (gene, source, detail) triple. The
// stored map is never replaced wholesale. Callers run this inside the same
// transaction as the resolution that produced the gene id; the row lock taken
// here serializes concurrent merges on one triple.
func (r *EvidenceRepository) UpsertMerge(ctx context.Context, rec *domain.EvidenceRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.Attributes = domain.NormalizeAttributes(rec.Attributes)

	attrsJSON, err := json.Marshal(rec.Attributes)
	if err != nil {
		return fmt.Errorf("encoding attributes: %w", err)
	}
	historyJSON, err := json.Marshal(initialHistory(rec))
	if err != nil {
		return fmt.Errorf("encoding merge history: %w", err)
	}

	insert := `
		INSERT INTO evidence_records (id, gene_id, source_name, source_detail, attributes, source_score, merge_history)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (gene_id, source_name, source_detail) DO NOTHING
		RETURNING created_at, updated_at`

	err = r.db.QueryRow(ctx, insert,
		rec.ID,
		rec.GeneID,
		rec.SourceName,
		rec.SourceDetail,
		attrsJSON,
		rec.SourceScore,
		historyJSON,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)

	if err == nil {
		r.log.WithFields(logrus.Fields{
			"gene_id":       rec.GeneID,
			"source_name":   rec.SourceName,
			"source_detail": rec.SourceDetail,
		}).Info("Evidence record created")
		return nil
	}
	if err != pgx.ErrNoRows {
		r.log.WithFields(logrus.Fields{
			"gene_id":     rec.GeneID,
			"source_name": rec.SourceName,
			"error":       err,
		}).Error("Failed to insert evidence record")
		return fmt.Errorf("inserting evidence record: %w", err)
	}

	// Row exists: lock it, merge in Go, write back.
	return r.mergeExisting(ctx, rec)
}

func (r *EvidenceRepository) mergeExisting(ctx context.Context, rec *domain.EvidenceRecord) error {
	query := `
		SELECT id, attributes, source_score, merge_history, created_at
		FROM evidence_records
		WHERE gene_id = $1 AND source_name = $2 AND source_detail = $3
		FOR UPDATE`

	var (
		existingID    uuid.UUID
		attrsRaw      []byte
		existingScore *float64
		historyRaw    []byte
		createdAt     time.Time
	)
	err := r.db.QueryRow(ctx, query, rec.GeneID, rec.SourceName, rec.SourceDetail).Scan(
		&existingID, &attrsRaw, &existingScore, &historyRaw, &createdAt,
	)
	if err != nil {
		return fmt.Errorf("locking evidence record for merge: %w", err)
	}

	var existingAttrs map[string]any
	if err := json.Unmarshal(attrsRaw, &existingAttrs); err != nil {
		return fmt.Errorf("decoding stored attributes: %w", err)
	}
	var history []domain.MergeEvent
	if err := json.Unmarshal(historyRaw, &history); err != nil {
		return fmt.Errorf("decoding merge history: %w", err)
	}

	merged, conflicts, changed := domain.MergeAttributes(existingAttrs, rec.Attributes)
	for _, c := range conflicts {
		r.log.WithFields(logrus.Fields{
			"gene_id":       rec.GeneID,
			"source_name":   rec.SourceName,
			"source_detail": rec.SourceDetail,
			"field":         c.Field,
			"existing_kind": c.Existing,
			"incoming_kind": c.Incoming,
		}).Warn("Rejected structurally incompatible field during evidence merge")
	}

	// The source-supplied relevance score keeps the higher value.
	score := existingScore
	if rec.SourceScore != nil && (score == nil || *rec.SourceScore > *score) {
		score = rec.SourceScore
	}

	history = append(history, domain.MergeEvent{
		Timestamp: time.Now().UTC(),
		Fields:    incomingFieldNames(rec.Attributes),
	})

	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encoding merged attributes: %w", err)
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encoding merge history: %w", err)
	}

	update := `
		UPDATE evidence_records
		SET attributes = $2, source_score = $3, merge_history = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`

	if err := r.db.QueryRow(ctx, update, existingID, mergedJSON, score, historyJSON).Scan(&rec.UpdatedAt); err != nil {
		return fmt.Errorf("updating merged evidence record: %w", err)
	}

	rec.ID = existingID
	rec.Attributes = merged
	rec.SourceScore = score
	rec.MergeHistory = history
	rec.CreatedAt = createdAt

	r.log.WithFields(logrus.Fields{
		"gene_id":        rec.GeneID,
		"source_name":    rec.SourceName,
		"source_detail":  rec.SourceDetail,
		"changed_fields": changed,
		"conflicts":      len(conflicts),
	}).Info("Evidence record merged")

	return nil
}

// Get retrieves one evidence record by its natural key
func (r *EvidenceRepository) Get(ctx context.Context, geneID uuid.UUID, sourceName, sourceDetail string) (*domain.EvidenceRecord, error) {
	query := `
		SELECT id, gene_id, source_name, source_detail, attributes, source_score, merge_history, created_at, updated_at
		FROM evidence_records
		WHERE gene_id = $1 AND source_name = $2 AND source_detail = $3`

	return r.scanRecord(r.db.QueryRow(ctx, query, geneID, sourceName, sourceDetail))
}

// ListByGene retrieves all evidence records for a gene
func (r *EvidenceRepository) ListByGene(ctx context.Context, geneID uuid.UUID) ([]*domain.EvidenceRecord, error) {
	query := `
		SELECT id, gene_id, source_name, source_detail, attributes, source_score, merge_history, created_at, updated_at
		FROM evidence_records
		WHERE gene_id = $1
		ORDER BY source_name, source_detail`

	return r.queryRecords(ctx, query, geneID)
}

// ListBySource retrieves all evidence records contributed by a source
func (r *EvidenceRepository) ListBySource(ctx context.Context, sourceName string) ([]*domain.EvidenceRecord, error) {
	query := `
		SELECT id, gene_id, source_name, source_detail, attributes, source_score, merge_history, created_at, updated_at
		FROM evidence_records
		WHERE source_name = $1
		ORDER BY gene_id, source_detail`

	return r.queryRecords(ctx, query, sourceName)
}

// CountDistinctGenes returns how many distinct genes have evidence from a
// source. Used by the post-ingestion verification step.
func (r *EvidenceRepository) CountDistinctGenes(ctx context.Context, sourceName string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(DISTINCT gene_id) FROM evidence_records WHERE source_name = $1`,
		sourceName,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting distinct genes for source %s: %w", sourceName, err)
	}
	return count, nil
}

func (r *EvidenceRepository) queryRecords(ctx context.Context, query string, args ...any) ([]*domain.EvidenceRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying evidence records: %w", err)
	}
	defer rows.Close()

	var records []*domain.EvidenceRecord
	for rows.Next() {
		rec, err := r.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *EvidenceRepository) scanRecord(row rowScanner) (*domain.EvidenceRecord, error) {
	var rec domain.EvidenceRecord
	var attrsRaw, historyRaw []byte

	err := row.Scan(
		&rec.ID,
		&rec.GeneID,
		&rec.SourceName,
		&rec.SourceDetail,
		&attrsRaw,
		&rec.SourceScore,
		&historyRaw,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("evidence record not found: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("scanning evidence row: %w", err)
	}

	if err := json.Unmarshal(attrsRaw, &rec.Attributes); err != nil {
		return nil, fmt.Errorf("decoding attributes: %w", err)
	}
	if err := json.Unmarshal(historyRaw, &rec.MergeHistory); err != nil {
		return nil, fmt.Errorf("decoding merge history: %w", err)
	}
	return &rec, nil
}

func initialHistory(rec *domain.EvidenceRecord) []domain.MergeEvent {
	return []domain.MergeEvent{{
		Timestamp: time.Now().UTC(),
		Fields:    incomingFieldNames(rec.Attributes),
	}}
}

func incomingFieldNames(attrs map[string]any) []string {
	names := make([]string, 0, len(attrs))
	for k := range attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
