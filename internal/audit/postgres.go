package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/gene-curation-server/internal/domain"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL audit store.
// It expects the schema to already exist (created via migrations).
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL creates a new PostgreSQL audit store from a connection URL.
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Append records one resolution attempt.
func (s *PostgresStore) Append(ctx context.Context, entry *domain.NormalizationLogEntry) error {
	stepsJSON, err := json.Marshal(entry.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}

	query := `
		INSERT INTO normalization_log (
			raw_text, source_name, success, resolved_symbol,
			gene_id, staging_id, steps, lookup_count, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`

	err = s.db.QueryRowContext(ctx, query,
		entry.RawText,
		entry.SourceName,
		entry.Success,
		entry.ResolvedSymbol,
		entry.GeneID,
		entry.StagingID,
		stepsJSON,
		entry.LookupCount,
		entry.Duration.Milliseconds(),
	).Scan(&entry.ID, &entry.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

// ListByText returns attempts for a raw identifier text, newest first.
func (s *PostgresStore) ListByText(ctx context.Context, rawText string, limit int) ([]*domain.NormalizationLogEntry, error) {
	query := auditSelectColumns + `
		WHERE raw_text = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	return s.query(ctx, query, rawText, limit)
}

// ListRecent returns the most recent attempts across all sources.
func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*domain.NormalizationLogEntry, error) {
	query := auditSelectColumns + `
		ORDER BY created_at DESC
		LIMIT $1
	`
	return s.query(ctx, query, limit)
}

// CountBySource returns succeeded/failed attempt counts for a source.
func (s *PostgresStore) CountBySource(ctx context.Context, sourceName string) (succeeded int64, failed int64, err error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE success),
			COUNT(*) FILTER (WHERE NOT success)
		FROM normalization_log
		WHERE source_name = $1
	`
	err = s.db.QueryRowContext(ctx, query, sourceName).Scan(&succeeded, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count log entries: %w", err)
	}
	return succeeded, failed, nil
}

// pgMaxExportLimit is the maximum number of entries to export at once.
const pgMaxExportLimit = 1000000

// ExportJSON exports the full log to a JSON writer.
func (s *PostgresStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	all, err := s.ListRecent(ctx, pgMaxExportLimit)
	if err != nil {
		return fmt.Errorf("failed to list log entries: %w", err)
	}

	export := &LogExport{
		Version:    "1.0",
		ExportedAt: time.Now(),
		Count:      len(all),
		Entries:    all,
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

// Close closes the store and releases resources.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

const auditSelectColumns = `
	SELECT id, raw_text, source_name, success, resolved_symbol,
		gene_id, staging_id, steps, lookup_count, duration_ms, created_at
	FROM normalization_log
`

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*domain.NormalizationLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query log entries: %w", err)
	}
	defer rows.Close()

	var result []*domain.NormalizationLogEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for shared scan logic.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*domain.NormalizationLogEntry, error) {
	entry := &domain.NormalizationLogEntry{}
	var stepsRaw []byte
	var geneID, stagingID sql.NullString
	var durationMs int64

	err := row.Scan(
		&entry.ID, &entry.RawText, &entry.SourceName, &entry.Success,
		&entry.ResolvedSymbol, &geneID, &stagingID, &stepsRaw,
		&entry.LookupCount, &durationMs, &entry.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}

	if geneID.Valid {
		id, err := uuid.Parse(geneID.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse gene id: %w", err)
		}
		entry.GeneID = &id
	}
	if stagingID.Valid {
		id, err := uuid.Parse(stagingID.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse staging id: %w", err)
		}
		entry.StagingID = &id
	}
	if err := json.Unmarshal(stepsRaw, &entry.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps: %w", err)
	}
	entry.Duration = time.Duration(durationMs) * time.Millisecond

	return entry, nil
}
