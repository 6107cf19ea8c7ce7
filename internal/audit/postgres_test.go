package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gene-curation-server/internal/domain"
)

func setupMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	mock.ExpectPing()
	store, err := NewPostgresStore(db)
	require.NoError(t, err)

	return store, mock, db
}

func TestPostgresStore_Append(t *testing.T) {
	store, mock, db := setupMockStore(t)
	defer db.Close()

	geneID := uuid.New()
	entry := &domain.NormalizationLogEntry{
		RawText:        "BRCA1",
		SourceName:     "panel_a",
		Success:        true,
		ResolvedSymbol: "BRCA1",
		GeneID:         &geneID,
		Steps:          []string{"exact_symbol_match"},
		LookupCount:    1,
		Duration:       15 * time.Millisecond,
	}

	mock.ExpectQuery("INSERT INTO normalization_log").
		WithArgs(
			"BRCA1", "panel_a", true, "BRCA1",
			geneID, nil, []byte(`["exact_symbol_match"]`), 1, int64(15),
		).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).
			AddRow(int64(42), time.Now()))

	err := store.Append(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, int64(42), entry.ID)
	assert.NotZero(t, entry.CreatedAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendFailedAttempt(t *testing.T) {
	store, mock, db := setupMockStore(t)
	defer db.Close()

	stagingID := uuid.New()
	entry := &domain.NormalizationLogEntry{
		RawText:     "NOTAGENE",
		SourceName:  "panel_b",
		Success:     false,
		StagingID:   &stagingID,
		Steps:       []string{"exact_symbol_match", "alias_match", "rename_feed", "staged"},
		LookupCount: 3,
	}

	mock.ExpectQuery("INSERT INTO normalization_log").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).
			AddRow(int64(43), time.Now()))

	err := store.Append(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, int64(43), entry.ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListByText(t *testing.T) {
	store, mock, db := setupMockStore(t)
	defer db.Close()

	geneID := uuid.New()
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "raw_text", "source_name", "success", "resolved_symbol",
		"gene_id", "staging_id", "steps", "lookup_count", "duration_ms", "created_at",
	}).
		AddRow(int64(2), "OLDSYM", "panel_a", true, "NEWSYM",
			geneID.String(), nil, []byte(`["exact_symbol_match","alias_match","rename_feed"]`), 3, int64(120), now).
		AddRow(int64(1), "OLDSYM", "panel_a", false, "",
			nil, nil, []byte(`["exact_symbol_match","alias_match"]`), 2, int64(40), now.Add(-time.Hour))

	mock.ExpectQuery("SELECT (.+) FROM normalization_log").
		WithArgs("OLDSYM", 10).
		WillReturnRows(rows)

	entries, err := store.ListByText(context.Background(), "OLDSYM", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.True(t, entries[0].Success)
	assert.Equal(t, "NEWSYM", entries[0].ResolvedSymbol)
	require.NotNil(t, entries[0].GeneID)
	assert.Equal(t, geneID, *entries[0].GeneID)
	assert.Equal(t, 120*time.Millisecond, entries[0].Duration)

	assert.False(t, entries[1].Success)
	assert.Nil(t, entries[1].GeneID)
	assert.Equal(t, []string{"exact_symbol_match", "alias_match"}, entries[1].Steps)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountBySource(t *testing.T) {
	store, mock, db := setupMockStore(t)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM normalization_log").
		WithArgs("panel_a").
		WillReturnRows(sqlmock.NewRows([]string{"succeeded", "failed"}).AddRow(int64(95), int64(5)))

	succeeded, failed, err := store.CountBySource(context.Background(), "panel_a")
	require.NoError(t, err)
	assert.Equal(t, int64(95), succeeded)
	assert.Equal(t, int64(5), failed)

	assert.NoError(t, mock.ExpectationsWereMet())
}
