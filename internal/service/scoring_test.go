package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gene-curation-server/internal/domain"
)

type scoringFixture struct {
	genes    *fakeGeneRegistry
	evidence *fakeEvidenceStore
	sources  *fakeSourceConfigStore
	cache    *fakeScoreCache
	scoring  *ScoringService
}

func newScoringFixture(configs ...*domain.SourceConfig) *scoringFixture {
	f := &scoringFixture{
		genes:    &fakeGeneRegistry{},
		evidence: newFakeEvidenceStore(),
		sources:  newFakeSourceConfigStore(configs...),
		cache:    &fakeScoreCache{},
	}
	f.scoring = NewScoringService(f.evidence, f.genes, f.sources, f.cache, testLogger())
	return f
}

func (f *scoringFixture) addEvidence(t *testing.T, gene *domain.Gene, sourceName string, attrs map[string]any) {
	t.Helper()
	require.NoError(t, f.evidence.UpsertMerge(context.Background(), &domain.EvidenceRecord{
		GeneID:     gene.ID,
		SourceName: sourceName,
		Attributes: attrs,
	}))
}

func countSource(name string) *domain.SourceConfig {
	return &domain.SourceConfig{
		Name:    name,
		Enabled: true,
		Policy: domain.ScoringPolicy{
			Kind:       domain.PolicyCountField,
			CountField: "publications",
		},
	}
}

func scoreFor(scores []*domain.CombinedScore, geneID uuid.UUID) *domain.CombinedScore {
	for _, sc := range scores {
		if sc.GeneID == geneID {
			return sc
		}
	}
	return nil
}

func pubs(ids ...string) map[string]any {
	list := make([]any, len(ids))
	for i, id := range ids {
		list[i] = id
	}
	return map[string]any{"publications": list}
}

func TestRecomputeMidrankPercentiles(t *testing.T) {
	f := newScoringFixture(countSource("clingen"))
	g1 := f.genes.mustAdd("G1", "HGNC:1")
	g2 := f.genes.mustAdd("G2", "HGNC:2")
	g3 := f.genes.mustAdd("G3", "HGNC:3")
	g4 := f.genes.mustAdd("G4", "HGNC:4")

	f.addEvidence(t, g1, "clingen", pubs("P1"))
	f.addEvidence(t, g2, "clingen", pubs("P1", "P2"))
	f.addEvidence(t, g3, "clingen", pubs("P3", "P4"))
	f.addEvidence(t, g4, "clingen", pubs("P1", "P2", "P3", "P4"))

	scores, err := f.scoring.Recompute(context.Background())
	require.NoError(t, err)
	require.Len(t, scores, 4)

	// n=4: unique min -> 0, tied middle pair -> 0.5, unique max -> 1.
	assert.InDelta(t, 0.0, scoreFor(scores, g1.ID).Breakdown["clingen"], 1e-9)
	assert.InDelta(t, 0.5, scoreFor(scores, g2.ID).Breakdown["clingen"], 1e-9)
	assert.InDelta(t, 0.5, scoreFor(scores, g3.ID).Breakdown["clingen"], 1e-9)
	assert.InDelta(t, 1.0, scoreFor(scores, g4.ID).Breakdown["clingen"], 1e-9)
}

func TestRecomputeAllTiedShareMidrank(t *testing.T) {
	f := newScoringFixture(countSource("clingen"))
	g1 := f.genes.mustAdd("G1", "HGNC:1")
	g2 := f.genes.mustAdd("G2", "HGNC:2")
	g3 := f.genes.mustAdd("G3", "HGNC:3")

	for _, g := range []*domain.Gene{g1, g2, g3} {
		f.addEvidence(t, g, "clingen", pubs("P1", "P2"))
	}

	scores, err := f.scoring.Recompute(context.Background())
	require.NoError(t, err)
	require.Len(t, scores, 3)
	for _, sc := range scores {
		assert.InDelta(t, 0.5, sc.Breakdown["clingen"], 1e-9)
	}
}

func TestRecomputeSingletonScoresFull(t *testing.T) {
	f := newScoringFixture(countSource("clingen"))
	g1 := f.genes.mustAdd("G1", "HGNC:1")
	f.addEvidence(t, g1, "clingen", pubs("P1"))

	scores, err := f.scoring.Recompute(context.Background())
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.InDelta(t, 1.0, scores[0].Breakdown["clingen"], 1e-9)
	assert.InDelta(t, 100.0, scores[0].Percentage, 1e-9)
}

func TestRecomputeContributorFieldCountsDistinct(t *testing.T) {
	src := &domain.SourceConfig{
		Name:    "panelapp",
		Enabled: true,
		Policy: domain.ScoringPolicy{
			Kind:             domain.PolicyCountField,
			ContributorField: "submitters",
		},
	}
	f := newScoringFixture(src)
	g1 := f.genes.mustAdd("G1", "HGNC:1")
	g2 := f.genes.mustAdd("G2", "HGNC:2")

	// Overlapping submitter lists merge into two distinct contributors.
	f.addEvidence(t, g1, "panelapp", map[string]any{"submitters": []any{"lab-a", "lab-b"}})
	f.addEvidence(t, g2, "panelapp", map[string]any{"submitters": []any{"lab-a", "lab-a"}})

	scores, err := f.scoring.Recompute(context.Background())
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.InDelta(t, 1.0, scoreFor(scores, g1.ID).Breakdown["panelapp"], 1e-9)
	assert.InDelta(t, 0.0, scoreFor(scores, g2.ID).Breakdown["panelapp"], 1e-9)
}

func TestRecomputeClassificationOrdering(t *testing.T) {
	src := &domain.SourceConfig{
		Name:    "gencc",
		Enabled: true,
		Policy: domain.ScoringPolicy{
			Kind:                domain.PolicyClassification,
			ClassificationField: "classifications",
		},
	}
	f := newScoringFixture(src)
	single := f.genes.mustAdd("SINGLE", "HGNC:1")
	mixed := f.genes.mustAdd("MIXED", "HGNC:2")
	many := f.genes.mustAdd("MANY", "HGNC:3")

	f.addEvidence(t, single, "gencc", map[string]any{
		"classifications": []any{domain.LabelDefinitive},
	})
	f.addEvidence(t, mixed, "gencc", map[string]any{
		"classifications": []any{domain.LabelDefinitive, domain.LabelStrong, domain.LabelLimited},
	})
	f.addEvidence(t, many, "gencc", map[string]any{
		"classifications": []any{
			domain.LabelDefinitive, domain.LabelDefinitive, domain.LabelDefinitive,
			domain.LabelDefinitive, domain.LabelDefinitive,
		},
	})

	scores, err := f.scoring.Recompute(context.Background())
	require.NoError(t, err)

	singleScore := scoreFor(scores, single.ID).Breakdown["gencc"]
	mixedScore := scoreFor(scores, mixed.ID).Breakdown["gencc"]
	manyScore := scoreFor(scores, many.ID).Breakdown["gencc"]

	// Corroborating entries outrank a lone assertion, even a definitive one.
	assert.Greater(t, mixedScore, singleScore)
	assert.Greater(t, manyScore, mixedScore)
	assert.InDelta(t, 1.0, manyScore, 1e-9)

	for _, sc := range scores {
		assert.GreaterOrEqual(t, sc.Breakdown["gencc"], 0.0)
		assert.LessOrEqual(t, sc.Breakdown["gencc"], 1.0)
	}
}

func TestRecomputeClassificationCustomWeights(t *testing.T) {
	src := &domain.SourceConfig{
		Name:    "gencc",
		Enabled: true,
		Policy: domain.ScoringPolicy{
			Kind:                domain.PolicyClassification,
			ClassificationField: "classifications",
			Weights:             map[string]float64{"Green": 1.0},
			DefaultWeight:       0.5,
		},
	}
	f := newScoringFixture(src)
	g1 := f.genes.mustAdd("G1", "HGNC:1")
	f.addEvidence(t, g1, "gencc", map[string]any{"classifications": []any{"Amber"}})

	scores, err := f.scoring.Recompute(context.Background())
	require.NoError(t, err)
	require.Len(t, scores, 1)

	// Unmapped label with default weight 0.5: strength 0.5, no volume, no
	// high-confidence fraction.
	assert.InDelta(t, 0.25, scores[0].Breakdown["gencc"], 1e-9)
}

func TestRecomputeFixedScorePolicy(t *testing.T) {
	src := &domain.SourceConfig{
		Name:    "manual",
		Enabled: true,
		Policy:  domain.ScoringPolicy{Kind: domain.PolicyFixedScore, FixedScore: 0.8},
	}
	f := newScoringFixture(src)
	g1 := f.genes.mustAdd("G1", "HGNC:1")
	f.addEvidence(t, g1, "manual", map[string]any{"curated": true})

	scores, err := f.scoring.Recompute(context.Background())
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.InDelta(t, 0.8, scores[0].Breakdown["manual"], 1e-9)
	assert.InDelta(t, 80.0, scores[0].Percentage, 1e-9)
}

func TestRecomputePercentageDenominatorIsActiveSources(t *testing.T) {
	f := newScoringFixture(countSource("clingen"), countSource("panelapp"))
	g1 := f.genes.mustAdd("G1", "HGNC:1")
	f.addEvidence(t, g1, "clingen", pubs("P1"))

	scores, err := f.scoring.Recompute(context.Background())
	require.NoError(t, err)
	require.Len(t, scores, 1)

	// Sole participant in one of two active sources: 1.0 / 2 = 50%.
	assert.Equal(t, 2, scores[0].ActiveSources)
	assert.InDelta(t, 50.0, scores[0].Percentage, 1e-9)
}

func TestRecomputeFullMarksAcrossAllSources(t *testing.T) {
	f := newScoringFixture(countSource("clingen"), countSource("panelapp"))
	g1 := f.genes.mustAdd("G1", "HGNC:1")
	f.addEvidence(t, g1, "clingen", pubs("P1"))
	f.addEvidence(t, g1, "panelapp", pubs("P2"))

	scores, err := f.scoring.Recompute(context.Background())
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.InDelta(t, 100.0, scores[0].Percentage, 1e-9)
}

func TestRecomputeDisabledSourceExcluded(t *testing.T) {
	disabled := countSource("panelapp")
	disabled.Enabled = false
	f := newScoringFixture(countSource("clingen"), disabled)
	g1 := f.genes.mustAdd("G1", "HGNC:1")
	f.addEvidence(t, g1, "clingen", pubs("P1"))
	f.addEvidence(t, g1, "panelapp", pubs("P2"))

	scores, err := f.scoring.Recompute(context.Background())
	require.NoError(t, err)
	require.Len(t, scores, 1)

	assert.Equal(t, 1, scores[0].ActiveSources)
	assert.NotContains(t, scores[0].Breakdown, "panelapp")
	assert.InDelta(t, 100.0, scores[0].Percentage, 1e-9)
}

func TestRecomputeNoEnabledSources(t *testing.T) {
	f := newScoringFixture()

	scores, err := f.scoring.Recompute(context.Background())
	require.NoError(t, err)
	assert.Nil(t, scores)
}

func TestRecomputeSortsByPercentageThenSymbol(t *testing.T) {
	f := newScoringFixture(countSource("clingen"))
	ga := f.genes.mustAdd("AAA", "HGNC:1")
	gb := f.genes.mustAdd("BBB", "HGNC:2")
	gc := f.genes.mustAdd("CCC", "HGNC:3")

	f.addEvidence(t, ga, "clingen", pubs("P1", "P2"))
	f.addEvidence(t, gb, "clingen", pubs("P3", "P4"))
	f.addEvidence(t, gc, "clingen", pubs("P1", "P2", "P3", "P4", "P5"))

	scores, err := f.scoring.Recompute(context.Background())
	require.NoError(t, err)
	require.Len(t, scores, 3)

	assert.Equal(t, "CCC", scores[0].Symbol)
	assert.Equal(t, "AAA", scores[1].Symbol)
	assert.Equal(t, "BBB", scores[2].Symbol)
}

func TestScoresServedFromCache(t *testing.T) {
	f := newScoringFixture(countSource("clingen"))
	cached := []*domain.CombinedScore{{GeneID: uuid.New(), Symbol: "CACHED"}}
	f.cache.Set(context.Background(), cached)

	scores, err := f.scoring.Scores(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cached, scores)
}

func TestRecomputeRepopulatesCache(t *testing.T) {
	f := newScoringFixture(countSource("clingen"))
	g1 := f.genes.mustAdd("G1", "HGNC:1")
	f.addEvidence(t, g1, "clingen", pubs("P1"))

	_, err := f.scoring.Recompute(context.Background())
	require.NoError(t, err)

	assert.True(t, f.cache.warm)
	assert.Equal(t, 1, f.cache.sets)
	require.Len(t, f.cache.scores, 1)
}

func TestScoreForGene(t *testing.T) {
	f := newScoringFixture(countSource("clingen"))
	g1 := f.genes.mustAdd("G1", "HGNC:1")
	f.addEvidence(t, g1, "clingen", pubs("P1"))

	score, err := f.scoring.ScoreForGene(context.Background(), g1.ID)
	require.NoError(t, err)
	assert.Equal(t, g1.ID, score.GeneID)

	_, err = f.scoring.ScoreForGene(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
