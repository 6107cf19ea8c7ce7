// Package audit provides append-only storage for normalization attempt logs.
// Every identity resolution attempt, successful or not, leaves exactly one
// row here; rows are never updated or deleted.
package audit

import (
	"context"
	"io"
	"time"

	"github.com/gene-curation-server/internal/domain"
)

// Store defines the interface for normalization log storage.
type Store interface {
	// Append records one resolution attempt. Entries are immutable.
	Append(ctx context.Context, entry *domain.NormalizationLogEntry) error

	// ListByText returns attempts for a raw identifier text, newest first.
	ListByText(ctx context.Context, rawText string, limit int) ([]*domain.NormalizationLogEntry, error)

	// ListRecent returns the most recent attempts across all sources.
	ListRecent(ctx context.Context, limit int) ([]*domain.NormalizationLogEntry, error)

	// CountBySource returns succeeded/failed attempt counts for a source.
	CountBySource(ctx context.Context, sourceName string) (succeeded int64, failed int64, err error)

	// ExportJSON exports the full log to a JSON writer.
	ExportJSON(ctx context.Context, writer io.Writer) error

	// Close closes the store and releases resources.
	Close() error
}

// LogExport represents the JSON export format.
type LogExport struct {
	Version    string                          `json:"version"`
	ExportedAt time.Time                       `json:"exported_at"`
	Count      int                             `json:"count"`
	Entries    []*domain.NormalizationLogEntry `json:"entries"`
}
