package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gene-curation-server/internal/domain"
)

// ScoreCache is the disposable cache in front of the recomputed score view.
type ScoreCache interface {
	Get(ctx context.Context) ([]*domain.CombinedScore, bool)
	Set(ctx context.Context, scores []*domain.CombinedScore)
	Invalidate(ctx context.Context) error
}

// defaultClassificationWeights maps expert validity labels to [0,1] weights
// when a source config does not carry its own map.
var defaultClassificationWeights = map[string]float64{
	domain.LabelDefinitive: 1.0,
	domain.LabelStrong:     0.9,
	domain.LabelModerate:   0.7,
	domain.LabelLimited:    0.4,
	domain.LabelDisputed:   0.2,
	domain.LabelRefuted:    0.1,
}

// fallbackLabelWeight is the conservative weight for unmapped labels.
const fallbackLabelWeight = 0.3

// ScoringService recomputes the per-gene score view: per-source normalized
// scores in [0,1] and one combined percentage per gene. The output is a pure
// projection over committed evidence, safe to recompute at any time.
type ScoringService struct {
	evidence domain.EvidenceStore
	genes    domain.GeneRegistry
	sources  domain.SourceConfigStore
	cache    ScoreCache
	logger   *logrus.Logger
}

// NewScoringService creates a new scoring service. cache may be nil.
func NewScoringService(
	evidence domain.EvidenceStore,
	genes domain.GeneRegistry,
	sources domain.SourceConfigStore,
	cache ScoreCache,
	logger *logrus.Logger,
) *ScoringService {
	return &ScoringService{
		evidence: evidence,
		genes:    genes,
		sources:  sources,
		cache:    cache,
		logger:   logger,
	}
}

// Scores returns the current score view, from cache when warm.
func (s *ScoringService) Scores(ctx context.Context) ([]*domain.CombinedScore, error) {
	if s.cache != nil {
		if scores, ok := s.cache.Get(ctx); ok {
			return scores, nil
		}
	}
	return s.Recompute(ctx)
}

// ScoreForGene returns one gene's combined score, or ErrNotFound when the
// gene has no evidence from any active source.
func (s *ScoringService) ScoreForGene(ctx context.Context, geneID uuid.UUID) (*domain.CombinedScore, error) {
	scores, err := s.Scores(ctx)
	if err != nil {
		return nil, err
	}
	for _, sc := range scores {
		if sc.GeneID == geneID {
			return sc, nil
		}
	}
	return nil, fmt.Errorf("no score for gene %s: %w", geneID, domain.ErrNotFound)
}

// Recompute rebuilds the whole score view from evidence. The denominator of
// the percentage is the count of currently enabled sources, so disabling a
// source changes every gene's percentage but no gene's per-source score.
func (s *ScoringService) Recompute(ctx context.Context) ([]*domain.CombinedScore, error) {
	enabled, err := s.sources.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing enabled sources: %w", err)
	}
	active := len(enabled)
	if active == 0 {
		return nil, nil
	}

	breakdowns := make(map[uuid.UUID]map[string]float64)
	for _, src := range enabled {
		normalized, err := s.normalizeSource(ctx, src)
		if err != nil {
			return nil, err
		}
		for geneID, score := range normalized {
			if breakdowns[geneID] == nil {
				breakdowns[geneID] = make(map[string]float64)
			}
			breakdowns[geneID][src.Name] = score
		}
	}

	symbols, err := s.symbolIndex(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	scores := make([]*domain.CombinedScore, 0, len(breakdowns))
	for geneID, breakdown := range breakdowns {
		var sum float64
		for _, v := range breakdown {
			sum += v
		}
		scores = append(scores, &domain.CombinedScore{
			GeneID:        geneID,
			Symbol:        symbols[geneID],
			SourceCount:   len(breakdown),
			ScoreSum:      sum,
			Percentage:    sum / float64(active) * 100,
			Breakdown:     breakdown,
			ActiveSources: active,
			ComputedAt:    now,
		})
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Percentage != scores[j].Percentage {
			return scores[i].Percentage > scores[j].Percentage
		}
		return scores[i].Symbol < scores[j].Symbol
	})

	if s.cache != nil {
		s.cache.Set(ctx, scores)
	}

	s.logger.WithFields(logrus.Fields{
		"genes":          len(scores),
		"active_sources": active,
	}).Info("Score view recomputed")

	return scores, nil
}

// normalizeSource produces the per-gene [0,1] score for one source.
func (s *ScoringService) normalizeSource(ctx context.Context, src *domain.SourceConfig) (map[uuid.UUID]float64, error) {
	records, err := s.evidence.ListBySource(ctx, src.Name)
	if err != nil {
		return nil, fmt.Errorf("listing evidence for source %s: %w", src.Name, err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	byGene := make(map[uuid.UUID][]*domain.EvidenceRecord)
	for _, rec := range records {
		byGene[rec.GeneID] = append(byGene[rec.GeneID], rec)
	}

	switch src.Policy.Kind {
	case domain.PolicyCountField:
		return s.normalizeCounts(src, byGene), nil
	case domain.PolicyClassification:
		return s.normalizeClassifications(src, byGene), nil
	case domain.PolicyFixedScore:
		return s.normalizeFixed(src, byGene), nil
	default:
		s.logger.WithFields(logrus.Fields{
			"source_name": src.Name,
			"policy_kind": src.Policy.Kind,
		}).Warn("Unknown scoring policy kind, source contributes no scores")
		return nil, nil
	}
}

// normalizeCounts extracts a non-negative count per gene and converts it to a
// midrank percentile among the genes that have one. Ties share the average of
// their ranks; a singleton participant scores 1.0. Zero counts do not
// participate.
func (s *ScoringService) normalizeCounts(src *domain.SourceConfig, byGene map[uuid.UUID][]*domain.EvidenceRecord) map[uuid.UUID]float64 {
	metrics := make(map[uuid.UUID]float64)
	for geneID, recs := range byGene {
		metric, ok := s.countMetric(src, recs)
		if !ok {
			s.logger.WithFields(logrus.Fields{
				"source_name": src.Name,
				"gene_id":     geneID,
				"count_field": src.Policy.CountField,
			}).Warn("Uninterpretable count evidence, treated as no evidence")
			continue
		}
		if metric > 0 {
			metrics[geneID] = metric
		}
	}

	n := len(metrics)
	scores := make(map[uuid.UUID]float64, n)
	if n == 0 {
		return scores
	}
	if n == 1 {
		for geneID := range metrics {
			scores[geneID] = 1.0
		}
		return scores
	}

	for geneID, m := range metrics {
		lower, ties := 0, 0
		for other, om := range metrics {
			if other == geneID {
				continue
			}
			switch {
			case om < m:
				lower++
			case om == m:
				ties++
			}
		}
		scores[geneID] = (float64(lower) + float64(ties)/2) / float64(n-1)
	}
	return scores
}

// countMetric aggregates one gene's raw count across its records for a
// source: distinct contributors when a contributor field is configured,
// otherwise the union size of a list field or the sum of a numeric field.
func (s *ScoringService) countMetric(src *domain.SourceConfig, recs []*domain.EvidenceRecord) (float64, bool) {
	if src.Policy.ContributorField != "" {
		contributors := make(map[string]struct{})
		for _, rec := range recs {
			for _, v := range stringValues(rec.Attributes[src.Policy.ContributorField]) {
				contributors[v] = struct{}{}
			}
		}
		if len(contributors) == 0 {
			return 0, false
		}
		return float64(len(contributors)), true
	}

	field := src.Policy.CountField
	if field == "" {
		return 0, false
	}

	elements := make(map[string]struct{})
	var numeric float64
	sawList, sawNumber := false, false
	for _, rec := range recs {
		switch v := rec.Attributes[field].(type) {
		case []any:
			sawList = true
			for _, e := range v {
				elements[fmt.Sprint(e)] = struct{}{}
			}
		case float64:
			sawNumber = true
			numeric += v
		case int:
			sawNumber = true
			numeric += float64(v)
		}
	}

	switch {
	case sawList:
		return float64(len(elements)), true
	case sawNumber:
		return numeric, true
	default:
		return 0, false
	}
}

// normalizeClassifications blends a gene's expert labels into an absolute
// [0,1] weight: 50% root-mean-square of the per-label weights, 30% a
// saturating volume term, 20% the fraction of high-confidence labels.
// Categorical labels are an absolute judgment, so there is no re-ranking.
func (s *ScoringService) normalizeClassifications(src *domain.SourceConfig, byGene map[uuid.UUID][]*domain.EvidenceRecord) map[uuid.UUID]float64 {
	scores := make(map[uuid.UUID]float64)
	for geneID, recs := range byGene {
		labels := make([]string, 0, len(recs))
		for _, rec := range recs {
			labels = append(labels, stringValues(rec.Attributes[src.Policy.ClassificationField])...)
		}
		if len(labels) == 0 {
			s.logger.WithFields(logrus.Fields{
				"source_name":          src.Name,
				"gene_id":              geneID,
				"classification_field": src.Policy.ClassificationField,
			}).Warn("Uninterpretable classification evidence, treated as no evidence")
			continue
		}
		scores[geneID] = s.blendLabels(src.Policy, labels)
	}
	return scores
}

func (s *ScoringService) blendLabels(policy domain.ScoringPolicy, labels []string) float64 {
	n := float64(len(labels))

	var sumSquares float64
	high := 0
	for _, label := range labels {
		w := s.labelWeight(policy, label)
		sumSquares += w * w
		if label == domain.LabelDefinitive || label == domain.LabelStrong {
			high++
		}
	}

	strength := math.Sqrt(sumSquares / n)
	// Zero for a single entry, saturates at five: corroboration is what the
	// volume term pays for, so a lone assertion earns none of it.
	volume := math.Min(1, math.Sqrt((n-1)/4))
	highFraction := float64(high) / n

	return 0.5*strength + 0.3*volume + 0.2*highFraction
}

func (s *ScoringService) labelWeight(policy domain.ScoringPolicy, label string) float64 {
	weights := policy.Weights
	if len(weights) == 0 {
		weights = defaultClassificationWeights
	}
	if w, ok := weights[label]; ok {
		return w
	}
	if policy.DefaultWeight > 0 {
		return policy.DefaultWeight
	}
	return fallbackLabelWeight
}

// normalizeFixed gives every gene holding evidence the configured score.
func (s *ScoringService) normalizeFixed(src *domain.SourceConfig, byGene map[uuid.UUID][]*domain.EvidenceRecord) map[uuid.UUID]float64 {
	score := math.Max(0, math.Min(1, src.Policy.FixedScore))
	scores := make(map[uuid.UUID]float64, len(byGene))
	for geneID := range byGene {
		scores[geneID] = score
	}
	return scores
}

func (s *ScoringService) symbolIndex(ctx context.Context) (map[uuid.UUID]string, error) {
	genes, err := s.genes.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing genes: %w", err)
	}
	index := make(map[uuid.UUID]string, len(genes))
	for _, g := range genes {
		index[g.ID] = g.Symbol
	}
	return index, nil
}

// stringValues extracts the string forms of a field that may hold a single
// string or a list of them.
func stringValues(v any) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, e := range val {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return val
	default:
		return nil
	}
}
