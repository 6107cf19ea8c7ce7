package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gene-curation-server/internal/domain"
)

type reviewFixture struct {
	genes    *fakeGeneRegistry
	staging  *fakeStagingQueue
	evidence *fakeEvidenceStore
	review   *ReviewService
}

func newReviewFixture() *reviewFixture {
	f := &reviewFixture{
		genes:    &fakeGeneRegistry{},
		staging:  &fakeStagingQueue{},
		evidence: newFakeEvidenceStore(),
	}
	f.review = NewReviewService(f.staging, f.genes, f.evidence, testLogger())
	return f
}

func (f *reviewFixture) stage(t *testing.T, rawText, sourceName string, payloads ...map[string]any) *domain.StagingRequest {
	t.Helper()
	created, row, err := f.staging.Submit(context.Background(), &domain.StagingRequest{
		RawText:    rawText,
		SourceName: sourceName,
		Payloads:   payloads,
	})
	require.NoError(t, err)
	require.True(t, created)
	return row
}

func stagedPayload(attrs map[string]any) map[string]any {
	return map[string]any{
		"source_detail": "panel-1",
		"attributes":    attrs,
	}
}

func TestApproveCreatesGeneAndReplaysPayloads(t *testing.T) {
	f := newReviewFixture()
	row := f.stage(t, "NOVEL SYMBOL", "clingen",
		stagedPayload(map[string]any{"publications": []any{"PMID:1"}}),
		stagedPayload(map[string]any{"publications": []any{"PMID:2"}}),
	)

	result, err := f.review.Approve(context.Background(), row.ID, "curator", ApprovalTarget{
		NewSymbol:  "nsym1",
		ExternalID: "HGNC:9999",
	})
	require.NoError(t, err)

	gene := result.Gene
	assert.Equal(t, "NSYM1", gene.Symbol)
	assert.Equal(t, "HGNC:9999", gene.ExternalID)
	assert.True(t, gene.HasAlias("NOVEL SYMBOL"))
	assert.Equal(t, 2, result.PayloadsReplayed)
	assert.Zero(t, result.PayloadsSkipped)

	assert.Equal(t, domain.StagingApproved, row.Status)
	assert.Equal(t, "curator", row.ReviewedBy)
	require.NotNil(t, row.GeneID)
	assert.Equal(t, gene.ID, *row.GeneID)

	// Both blocked payloads merged into one evidence row.
	rec, err := f.evidence.Get(context.Background(), gene.ID, "clingen", "panel-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{"PMID:1", "PMID:2"}, rec.Attributes["publications"])
}

func TestApproveBindsExistingGene(t *testing.T) {
	f := newReviewFixture()
	gene := f.genes.mustAdd("SHANK3", "HGNC:14294")
	row := f.stage(t, "PROSAP2", "clingen", stagedPayload(map[string]any{"panel": "autism"}))

	got, err := f.review.Approve(context.Background(), row.ID, "curator", ApprovalTarget{GeneID: &gene.ID})
	require.NoError(t, err)

	assert.Equal(t, gene.ID, got.Gene.ID)
	assert.True(t, gene.HasAlias("PROSAP2"))
	require.Len(t, f.genes.genes, 1)
}

func TestApproveDefaultsSymbolToRawText(t *testing.T) {
	f := newReviewFixture()
	row := f.stage(t, "ORPHAN1", "clingen", stagedPayload(map[string]any{"note": "x"}))

	result, err := f.review.Approve(context.Background(), row.ID, "curator", ApprovalTarget{})
	require.NoError(t, err)

	assert.Equal(t, "ORPHAN1", result.Gene.Symbol)
	// Raw text equals the symbol, so no redundant alias.
	assert.False(t, result.Gene.HasAlias("ORPHAN1"))
}

func TestApproveNonPendingConflicts(t *testing.T) {
	f := newReviewFixture()
	row := f.stage(t, "DECIDED", "clingen", stagedPayload(map[string]any{"note": "x"}))
	require.NoError(t, f.staging.Decide(context.Background(), row.ID, domain.StagingRejected, "curator", nil))

	_, err := f.review.Approve(context.Background(), row.ID, "curator", ApprovalTarget{NewSymbol: "SYM"})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestApproveUnknownStaging(t *testing.T) {
	f := newReviewFixture()

	_, err := f.review.Approve(context.Background(), uuid.New(), "curator", ApprovalTarget{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApproveSkipsUndecodablePayload(t *testing.T) {
	f := newReviewFixture()
	row := f.stage(t, "PARTIAL", "clingen",
		map[string]any{"source_detail": "panel-1"}, // no attribute map
		stagedPayload(map[string]any{"publications": []any{"PMID:3"}}),
	)

	result, err := f.review.Approve(context.Background(), row.ID, "curator", ApprovalTarget{NewSymbol: "PART1"})
	require.NoError(t, err)

	// The skipped payload is surfaced to the reviewer, not just logged.
	assert.Equal(t, 1, result.PayloadsReplayed)
	assert.Equal(t, 1, result.PayloadsSkipped)

	require.Len(t, f.evidence.records, 1)
	rec, err := f.evidence.Get(context.Background(), result.Gene.ID, "clingen", "panel-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{"PMID:3"}, rec.Attributes["publications"])
}

func TestReject(t *testing.T) {
	f := newReviewFixture()
	row := f.stage(t, "NOISE", "clingen", stagedPayload(map[string]any{"note": "x"}))

	require.NoError(t, f.review.Reject(context.Background(), row.ID, "curator"))

	assert.Equal(t, domain.StagingRejected, row.Status)
	assert.Equal(t, "curator", row.ReviewedBy)
	assert.Nil(t, row.GeneID)
	assert.Empty(t, f.evidence.records)
}
