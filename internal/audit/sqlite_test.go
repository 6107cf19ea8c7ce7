package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gene-curation-server/internal/domain"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_AppendAndList(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	geneID := uuid.New()
	first := &domain.NormalizationLogEntry{
		RawText:        "BRCA1",
		SourceName:     "panel_a",
		Success:        true,
		ResolvedSymbol: "BRCA1",
		GeneID:         &geneID,
		Steps:          []string{"exact_symbol_match"},
		LookupCount:    1,
		Duration:       12 * time.Millisecond,
	}
	require.NoError(t, store.Append(ctx, first))
	assert.NotZero(t, first.ID)

	stagingID := uuid.New()
	second := &domain.NormalizationLogEntry{
		RawText:     "NOTAGENE",
		SourceName:  "panel_a",
		Success:     false,
		StagingID:   &stagingID,
		Steps:       []string{"exact_symbol_match", "alias_match", "rename_feed", "staged"},
		LookupCount: 3,
	}
	require.NoError(t, store.Append(ctx, second))
	assert.Greater(t, second.ID, first.ID)

	entries, err := store.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	assert.Equal(t, "NOTAGENE", entries[0].RawText)
	assert.Equal(t, "BRCA1", entries[1].RawText)

	require.NotNil(t, entries[1].GeneID)
	assert.Equal(t, geneID, *entries[1].GeneID)
	assert.Equal(t, 12*time.Millisecond, entries[1].Duration)
	require.NotNil(t, entries[0].StagingID)
	assert.Equal(t, stagingID, *entries[0].StagingID)
}

func TestSQLiteStore_ListByText(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, raw := range []string{"OLDSYM", "OLDSYM", "OTHER"} {
		require.NoError(t, store.Append(ctx, &domain.NormalizationLogEntry{
			RawText:    raw,
			SourceName: "panel_a",
			Steps:      []string{"exact_symbol_match"},
		}))
	}

	entries, err := store.ListByText(ctx, "OLDSYM", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "OLDSYM", e.RawText)
	}
}

func TestSQLiteStore_CountBySource(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	outcomes := []bool{true, true, true, false}
	for _, ok := range outcomes {
		require.NoError(t, store.Append(ctx, &domain.NormalizationLogEntry{
			RawText:    "TP53",
			SourceName: "panel_a",
			Success:    ok,
			Steps:      []string{"exact_symbol_match"},
		}))
	}
	require.NoError(t, store.Append(ctx, &domain.NormalizationLogEntry{
		RawText:    "TP53",
		SourceName: "panel_b",
		Success:    true,
		Steps:      []string{"exact_symbol_match"},
	}))

	succeeded, failed, err := store.CountBySource(ctx, "panel_a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), succeeded)
	assert.Equal(t, int64(1), failed)
}

func TestSQLiteStore_ExportJSON(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, &domain.NormalizationLogEntry{
		RawText:        "BRCA2",
		SourceName:     "panel_a",
		Success:        true,
		ResolvedSymbol: "BRCA2",
		Steps:          []string{"exact_symbol_match"},
	}))

	var buf bytes.Buffer
	require.NoError(t, store.ExportJSON(ctx, &buf))

	var export LogExport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &export))
	assert.Equal(t, "1.0", export.Version)
	assert.Equal(t, 1, export.Count)
	require.Len(t, export.Entries, 1)
	assert.Equal(t, "BRCA2", export.Entries[0].RawText)
}
