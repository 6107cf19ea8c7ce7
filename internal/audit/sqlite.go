package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/gene-curation-server/internal/domain"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore creates a new SQLite audit store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS normalization_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		raw_text TEXT NOT NULL,
		source_name TEXT NOT NULL,
		success INTEGER NOT NULL DEFAULT 0,
		resolved_symbol TEXT DEFAULT '',
		gene_id TEXT,
		staging_id TEXT,
		steps TEXT NOT NULL DEFAULT '[]',
		lookup_count INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_log_raw_text ON normalization_log(raw_text);
	CREATE INDEX IF NOT EXISTS idx_log_source_name ON normalization_log(source_name);
	CREATE INDEX IF NOT EXISTS idx_log_created_at ON normalization_log(created_at);
	`

	_, err := db.Exec(schema)
	return err
}

// Append records one resolution attempt.
func (s *SQLiteStore) Append(ctx context.Context, entry *domain.NormalizationLogEntry) error {
	stepsJSON, err := json.Marshal(entry.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}

	now := time.Now()
	var geneID, stagingID any
	if entry.GeneID != nil {
		geneID = entry.GeneID.String()
	}
	if entry.StagingID != nil {
		stagingID = entry.StagingID.String()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO normalization_log (
			raw_text, source_name, success, resolved_symbol,
			gene_id, staging_id, steps, lookup_count, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.RawText,
		entry.SourceName,
		entry.Success,
		entry.ResolvedSymbol,
		geneID,
		stagingID,
		string(stepsJSON),
		entry.LookupCount,
		entry.Duration.Milliseconds(),
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get entry ID: %w", err)
	}
	entry.ID = id
	entry.CreatedAt = now
	return nil
}

// ListByText returns attempts for a raw identifier text, newest first.
func (s *SQLiteStore) ListByText(ctx context.Context, rawText string, limit int) ([]*domain.NormalizationLogEntry, error) {
	query := sqliteSelectColumns + `
		WHERE raw_text = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	return s.query(ctx, query, rawText, limit)
}

// ListRecent returns the most recent attempts across all sources.
func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]*domain.NormalizationLogEntry, error) {
	query := sqliteSelectColumns + `
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	return s.query(ctx, query, limit)
}

// CountBySource returns succeeded/failed attempt counts for a source.
func (s *SQLiteStore) CountBySource(ctx context.Context, sourceName string) (succeeded int64, failed int64, err error) {
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0)
		FROM normalization_log
		WHERE source_name = ?
	`
	err = s.db.QueryRowContext(ctx, query, sourceName).Scan(&succeeded, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count log entries: %w", err)
	}
	return succeeded, failed, nil
}

// maxExportLimit is the maximum number of entries to export at once.
const maxExportLimit = 1000000

// ExportJSON exports the full log to a JSON writer.
func (s *SQLiteStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	all, err := s.ListRecent(ctx, maxExportLimit)
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
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteSelectColumns = `
	SELECT id, raw_text, source_name, success, resolved_symbol,
		gene_id, staging_id, steps, lookup_count, duration_ms, created_at
	FROM normalization_log
`

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]*domain.NormalizationLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query log entries: %w", err)
	}
	defer rows.Close()

	var result []*domain.NormalizationLogEntry
	for rows.Next() {
		entry, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

func scanSQLiteEntry(row scanner) (*domain.NormalizationLogEntry, error) {
	entry := &domain.NormalizationLogEntry{}
	var stepsRaw string
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
	if err := json.Unmarshal([]byte(stepsRaw), &entry.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps: %w", err)
	}
	entry.Duration = time.Duration(durationMs) * time.Millisecond

	return entry, nil
}
