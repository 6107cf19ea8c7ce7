package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gene-curation-server/internal/domain"
)

// In-memory store fakes shared by the service tests.

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeGeneRegistry struct {
	genes []*domain.Gene
}

func (f *fakeGeneRegistry) Create(_ context.Context, gene *domain.Gene) error {
	gene.ID = uuid.New()
	gene.Symbol = strings.ToUpper(gene.Symbol)
	if gene.Aliases == nil {
		gene.Aliases = []string{}
	}
	gene.CreatedAt = time.Now().UTC()
	gene.UpdatedAt = gene.CreatedAt
	f.genes = append(f.genes, gene)
	return nil
}

func (f *fakeGeneRegistry) GetByID(_ context.Context, id uuid.UUID) (*domain.Gene, error) {
	for _, g := range f.genes {
		if g.ID == id {
			return g, nil
		}
	}
	return nil, fmt.Errorf("gene %s: %w", id, domain.ErrNotFound)
}

func (f *fakeGeneRegistry) GetByExternalID(_ context.Context, externalID string) (*domain.Gene, error) {
	for _, g := range f.genes {
		if g.ExternalID != "" && g.ExternalID == externalID {
			return g, nil
		}
	}
	return nil, fmt.Errorf("external id %s: %w", externalID, domain.ErrNotFound)
}

func (f *fakeGeneRegistry) FindBySymbol(_ context.Context, symbol string) (*domain.Gene, error) {
	for _, g := range f.genes {
		if strings.EqualFold(g.Symbol, symbol) {
			return g, nil
		}
	}
	return nil, fmt.Errorf("symbol %s: %w", symbol, domain.ErrNotFound)
}

func (f *fakeGeneRegistry) FindByAlias(_ context.Context, alias string) (*domain.Gene, error) {
	for _, g := range f.genes {
		for _, a := range g.Aliases {
			if strings.EqualFold(a, alias) {
				return g, nil
			}
		}
	}
	return nil, fmt.Errorf("alias %s: %w", alias, domain.ErrNotFound)
}

func (f *fakeGeneRegistry) Rename(ctx context.Context, id uuid.UUID, newSymbol string) error {
	gene, err := f.GetByID(ctx, id)
	if err != nil {
		return err
	}
	old := gene.Symbol
	gene.Symbol = strings.ToUpper(newSymbol)
	if !gene.HasAlias(old) {
		gene.Aliases = append(gene.Aliases, old)
	}
	gene.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeGeneRegistry) AddAliases(ctx context.Context, id uuid.UUID, aliases []string) error {
	gene, err := f.GetByID(ctx, id)
	if err != nil {
		return err
	}
	for _, a := range aliases {
		a = strings.ToUpper(a)
		if !gene.HasAlias(a) {
			gene.Aliases = append(gene.Aliases, a)
		}
	}
	gene.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeGeneRegistry) ListAll(_ context.Context) ([]*domain.Gene, error) {
	return f.genes, nil
}

func (f *fakeGeneRegistry) mustAdd(symbol, externalID string, aliases ...string) *domain.Gene {
	gene := &domain.Gene{
		ID:         uuid.New(),
		ExternalID: externalID,
		Symbol:     strings.ToUpper(symbol),
		Aliases:    []string{},
	}
	for _, a := range aliases {
		gene.Aliases = append(gene.Aliases, strings.ToUpper(a))
	}
	f.genes = append(f.genes, gene)
	return gene
}

type fakeStagingQueue struct {
	rows []*domain.StagingRequest
}

func (f *fakeStagingQueue) Submit(_ context.Context, req *domain.StagingRequest) (bool, *domain.StagingRequest, error) {
	for _, row := range f.rows {
		if row.RawText == req.RawText && row.SourceName == req.SourceName {
			if row.Status == domain.StagingPending {
				row.Priority++
				row.SubmissionCount++
				row.Payloads = append(row.Payloads, req.Payloads...)
				row.UpdatedAt = time.Now().UTC()
			}
			return false, row, nil
		}
	}

	var siblings []string
	for _, row := range f.rows {
		if row.RawText != req.RawText || row.Status != domain.StagingPending {
			continue
		}
		siblings = append(siblings, row.SourceName)
		seen := false
		for _, s := range row.SeenSources {
			if s == req.SourceName {
				seen = true
				break
			}
		}
		if !seen {
			row.Priority += 2
			row.SeenSources = append(row.SeenSources, req.SourceName)
			row.UpdatedAt = time.Now().UTC()
		}
	}

	row := &domain.StagingRequest{
		ID:              uuid.New(),
		RawText:         req.RawText,
		SourceName:      req.SourceName,
		Payloads:        req.Payloads,
		AttemptLog:      req.AttemptLog,
		Status:          domain.StagingPending,
		Priority:        1 + 2*len(siblings),
		SubmissionCount: 1,
		SeenSources:     append([]string{req.SourceName}, siblings...),
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	f.rows = append(f.rows, row)
	return true, row, nil
}

func (f *fakeStagingQueue) GetByID(_ context.Context, id uuid.UUID) (*domain.StagingRequest, error) {
	for _, row := range f.rows {
		if row.ID == id {
			return row, nil
		}
	}
	return nil, fmt.Errorf("staging request %s: %w", id, domain.ErrNotFound)
}

func (f *fakeStagingQueue) GetByKey(_ context.Context, rawText, sourceName string) (*domain.StagingRequest, error) {
	for _, row := range f.rows {
		if row.RawText == rawText && row.SourceName == sourceName {
			return row, nil
		}
	}
	return nil, fmt.Errorf("staging request for %q: %w", rawText, domain.ErrNotFound)
}

func (f *fakeStagingQueue) ListPending(_ context.Context, limit int) ([]*domain.StagingRequest, error) {
	var pending []*domain.StagingRequest
	for _, row := range f.rows {
		if row.Status == domain.StagingPending {
			pending = append(pending, row)
		}
		if len(pending) == limit {
			break
		}
	}
	return pending, nil
}

func (f *fakeStagingQueue) Decide(ctx context.Context, id uuid.UUID, status domain.StagingStatus, reviewer string, geneID *uuid.UUID) error {
	row, err := f.GetByID(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	row.Status = status
	row.ReviewedBy = reviewer
	row.ReviewedAt = &now
	row.GeneID = geneID
	row.UpdatedAt = now
	return nil
}

type fakeSymbolAuthority struct {
	mappings map[string]*domain.SymbolMapping
	err      error
	calls    int
}

func (f *fakeSymbolAuthority) Lookup(_ context.Context, symbol string) (*domain.SymbolMapping, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if m, ok := f.mappings[strings.ToUpper(symbol)]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("symbol %s: %w", symbol, domain.ErrNotFound)
}

type fakeAuditLog struct {
	entries []*domain.NormalizationLogEntry
	err     error
}

func (f *fakeAuditLog) Append(_ context.Context, entry *domain.NormalizationLogEntry) error {
	if f.err != nil {
		return f.err
	}
	entry.ID = int64(len(f.entries) + 1)
	entry.CreatedAt = time.Now().UTC()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAuditLog) ListByText(_ context.Context, rawText string, limit int) ([]*domain.NormalizationLogEntry, error) {
	var out []*domain.NormalizationLogEntry
	for i := len(f.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if f.entries[i].RawText == rawText {
			out = append(out, f.entries[i])
		}
	}
	return out, nil
}

func (f *fakeAuditLog) ListRecent(_ context.Context, limit int) ([]*domain.NormalizationLogEntry, error) {
	var out []*domain.NormalizationLogEntry
	for i := len(f.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, f.entries[i])
	}
	return out, nil
}

func (f *fakeAuditLog) CountBySource(_ context.Context, sourceName string) (int64, int64, error) {
	var succeeded, failed int64
	for _, e := range f.entries {
		if e.SourceName != sourceName {
			continue
		}
		if e.Success {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed, nil
}

type fakeEvidenceStore struct {
	records map[string]*domain.EvidenceRecord
	// When >= 0, CountDistinctGenes reports this instead of the true count.
	distinctOverride int
	upsertErr        error
}

func newFakeEvidenceStore() *fakeEvidenceStore {
	return &fakeEvidenceStore{
		records:          make(map[string]*domain.EvidenceRecord),
		distinctOverride: -1,
	}
}

func evidenceKey(geneID uuid.UUID, sourceName, sourceDetail string) string {
	return geneID.String() + "|" + sourceName + "|" + sourceDetail
}

func (f *fakeEvidenceStore) UpsertMerge(_ context.Context, rec *domain.EvidenceRecord) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}

	key := evidenceKey(rec.GeneID, rec.SourceName, rec.SourceDetail)
	incoming := domain.NormalizeAttributes(rec.Attributes)

	existing, ok := f.records[key]
	if !ok {
		f.records[key] = &domain.EvidenceRecord{
			ID:           uuid.New(),
			GeneID:       rec.GeneID,
			SourceName:   rec.SourceName,
			SourceDetail: rec.SourceDetail,
			Attributes:   incoming,
			SourceScore:  rec.SourceScore,
			CreatedAt:    time.Now().UTC(),
			UpdatedAt:    time.Now().UTC(),
		}
		return nil
	}

	merged, _, changed := domain.MergeAttributes(existing.Attributes, incoming)
	existing.Attributes = merged
	if len(changed) > 0 {
		existing.MergeHistory = append(existing.MergeHistory, domain.MergeEvent{
			Timestamp: time.Now().UTC(),
			Fields:    changed,
		})
	}
	if rec.SourceScore != nil && (existing.SourceScore == nil || *rec.SourceScore > *existing.SourceScore) {
		existing.SourceScore = rec.SourceScore
	}
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeEvidenceStore) Get(_ context.Context, geneID uuid.UUID, sourceName, sourceDetail string) (*domain.EvidenceRecord, error) {
	if rec, ok := f.records[evidenceKey(geneID, sourceName, sourceDetail)]; ok {
		return rec, nil
	}
	return nil, fmt.Errorf("evidence: %w", domain.ErrNotFound)
}

func (f *fakeEvidenceStore) ListByGene(_ context.Context, geneID uuid.UUID) ([]*domain.EvidenceRecord, error) {
	var out []*domain.EvidenceRecord
	for _, rec := range f.records {
		if rec.GeneID == geneID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeEvidenceStore) ListBySource(_ context.Context, sourceName string) ([]*domain.EvidenceRecord, error) {
	var out []*domain.EvidenceRecord
	for _, rec := range f.records {
		if rec.SourceName == sourceName {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeEvidenceStore) CountDistinctGenes(_ context.Context, sourceName string) (int, error) {
	if f.distinctOverride >= 0 {
		return f.distinctOverride, nil
	}
	distinct := make(map[uuid.UUID]struct{})
	for _, rec := range f.records {
		if rec.SourceName == sourceName {
			distinct[rec.GeneID] = struct{}{}
		}
	}
	return len(distinct), nil
}

type fakeSourceConfigStore struct {
	configs map[string]*domain.SourceConfig
}

func newFakeSourceConfigStore(configs ...*domain.SourceConfig) *fakeSourceConfigStore {
	f := &fakeSourceConfigStore{configs: make(map[string]*domain.SourceConfig)}
	for _, cfg := range configs {
		f.configs[cfg.Name] = cfg
	}
	return f
}

func (f *fakeSourceConfigStore) Get(_ context.Context, name string) (*domain.SourceConfig, error) {
	if cfg, ok := f.configs[name]; ok {
		return cfg, nil
	}
	return nil, fmt.Errorf("source %s: %w", name, domain.ErrNotFound)
}

func (f *fakeSourceConfigStore) ListEnabled(_ context.Context) ([]*domain.SourceConfig, error) {
	var out []*domain.SourceConfig
	for _, cfg := range f.configs {
		if cfg.Enabled {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (f *fakeSourceConfigStore) ListAll(_ context.Context) ([]*domain.SourceConfig, error) {
	var out []*domain.SourceConfig
	for _, cfg := range f.configs {
		out = append(out, cfg)
	}
	return out, nil
}

func (f *fakeSourceConfigStore) Save(_ context.Context, cfg *domain.SourceConfig) error {
	f.configs[cfg.Name] = cfg
	return nil
}

func (f *fakeSourceConfigStore) SetEnabled(ctx context.Context, name string, enabled bool) error {
	cfg, err := f.Get(ctx, name)
	if err != nil {
		return err
	}
	cfg.Enabled = enabled
	return nil
}

type fakeScoreCache struct {
	scores []*domain.CombinedScore
	warm   bool
	sets   int
}

func (f *fakeScoreCache) Get(_ context.Context) ([]*domain.CombinedScore, bool) {
	return f.scores, f.warm
}

func (f *fakeScoreCache) Set(_ context.Context, scores []*domain.CombinedScore) {
	f.scores = scores
	f.warm = true
	f.sets++
}

func (f *fakeScoreCache) Invalidate(_ context.Context) error {
	f.scores = nil
	f.warm = false
	return nil
}
