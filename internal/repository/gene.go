package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/gene-curation-server/internal/domain"
)

// GeneRepository handles canonical gene persistence
type GeneRepository struct {
	db  Querier
	log *logrus.Logger
}

// NewGeneRepository creates a new gene repository
func NewGeneRepository(db Querier, logger *logrus.Logger) *GeneRepository {
	return &GeneRepository{
		db:  db,
		log: logger,
	}
}

// WithTx returns a copy of the repository bound to the given transaction
func (r *GeneRepository) WithTx(tx pgx.Tx) *GeneRepository {
	return &GeneRepository{db: tx, log: r.log}
}

const geneColumns = `id, COALESCE(external_id, ''), symbol, aliases, created_at, updated_at`

// Create inserts a new gene into the registry
func (r *GeneRepository) Create(ctx context.Context, gene *domain.Gene) error {
	if gene.ID == uuid.Nil {
		gene.ID = uuid.New()
	}
	query := `
		INSERT INTO genes (id, external_id, symbol, aliases)
		VALUES ($1, NULLIF($2, ''), $3, $4)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		gene.ID,
		gene.ExternalID,
		gene.Symbol,
		gene.Aliases,
	).Scan(&gene.CreatedAt, &gene.UpdatedAt)

	if err != nil {
		r.log.WithFields(logrus.Fields{
			"symbol": gene.Symbol,
			"error":  err,
		}).Error("Failed to create gene")
		return fmt.Errorf("creating gene: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"gene_id":     gene.ID,
		"symbol":      gene.Symbol,
		"external_id": gene.ExternalID,
	}).Info("Gene created")

	return nil
}

// GetByID retrieves a gene by its ID
func (r *GeneRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Gene, error) {
	query := `SELECT ` + geneColumns + ` FROM genes WHERE id = $1`
	return r.scanGene(r.db.QueryRow(ctx, query, id))
}

// GetByExternalID retrieves a gene by its stable external identifier
func (r *GeneRepository) GetByExternalID(ctx context.Context, externalID string) (*domain.Gene, error) {
	query := `SELECT ` + geneColumns + ` FROM genes WHERE external_id = $1`
	return r.scanGene(r.db.QueryRow(ctx, query, externalID))
}

// FindBySymbol retrieves a gene by approved symbol, case-insensitively
func (r *GeneRepository) FindBySymbol(ctx context.Context, symbol string) (*domain.Gene, error) {
	query := `SELECT ` + geneColumns + ` FROM genes WHERE UPPER(symbol) = UPPER($1)`
	return r.scanGene(r.db.QueryRow(ctx, query, symbol))
}

// FindByAlias retrieves a gene carrying the given alias. Aliases are stored
// upper-cased; callers pass normalized text.
func (r *GeneRepository) FindByAlias(ctx context.Context, alias string) (*domain.Gene, error) {
	query := `SELECT ` + geneColumns + ` FROM genes WHERE $1 = ANY(aliases) LIMIT 1`
	return r.scanGene(r.db.QueryRow(ctx, query, alias))
}

// Rename updates the approved symbol in place and demotes the previous symbol
// to an alias. The row identity is preserved; a rename never duplicates.
func (r *GeneRepository) Rename(ctx context.Context, id uuid.UUID, newSymbol string) error {
	query := `
		UPDATE genes
		SET aliases = CASE
				WHEN UPPER(symbol) = ANY(aliases) OR UPPER(symbol) = UPPER($2) THEN aliases
				ELSE array_append(aliases, UPPER(symbol))
			END,
			symbol = $2,
			updated_at = NOW()
		WHERE id = $1`

	result, err := r.db.Exec(ctx, query, id, newSymbol)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"gene_id":    id,
			"new_symbol": newSymbol,
			"error":      err,
		}).Error("Failed to rename gene")
		return fmt.Errorf("renaming gene: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("gene not found: %w", domain.ErrNotFound)
	}

	r.log.WithFields(logrus.Fields{
		"gene_id":    id,
		"new_symbol": newSymbol,
	}).Info("Gene symbol updated")

	return nil
}

// AddAliases appends aliases not already present on the gene
func (r *GeneRepository) AddAliases(ctx context.Context, id uuid.UUID, aliases []string) error {
	if len(aliases) == 0 {
		return nil
	}
	query := `
		UPDATE genes
		SET aliases = (
			SELECT array_agg(DISTINCT a) FROM unnest(aliases || $2::text[]) AS a
		),
		updated_at = NOW()
		WHERE id = $1`

	result, err := r.db.Exec(ctx, query, id, aliases)
	if err != nil {
		return fmt.Errorf("adding aliases: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("gene not found: %w", domain.ErrNotFound)
	}
	return nil
}

// ListAll retrieves every gene in the registry
func (r *GeneRepository) ListAll(ctx context.Context) ([]*domain.Gene, error) {
	query := `SELECT ` + geneColumns + ` FROM genes ORDER BY symbol`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing genes: %w", err)
	}
	defer rows.Close()

	var genes []*domain.Gene
	for rows.Next() {
		gene, err := r.scanGene(rows)
		if err != nil {
			return nil, err
		}
		genes = append(genes, gene)
	}
	return genes, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *GeneRepository) scanGene(row rowScanner) (*domain.Gene, error) {
	var gene domain.Gene
	var createdAt, updatedAt time.Time

	err := row.Scan(
		&gene.ID,
		&gene.ExternalID,
		&gene.Symbol,
		&gene.Aliases,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("gene not found: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("scanning gene row: %w", err)
	}
	gene.CreatedAt = createdAt
	gene.UpdatedAt = updatedAt
	return &gene, nil
}
