package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/gene-curation-server/internal/domain"
)

// RecordResolver is the per-record identity resolution contract consumed by
// the ingestion pipeline.
type RecordResolver interface {
	Resolve(ctx context.Context, rec *domain.SourceRecord, sourceName string, cfg *domain.SourceConfig) (*domain.ResolutionResult, error)
}

// ResolverService maps arbitrary incoming identifier text to a registry gene.
// The cascade is: exact symbol, alias, rename-feed self-heal, single-candidate
// fuzzy, staging. Every attempt appends exactly one audit entry.
type ResolverService struct {
	genes     domain.GeneRegistry
	staging   domain.StagingQueue
	authority domain.SymbolAuthority
	auditLog  domain.AuditLog

	// Hot symbol->gene lookups. Shared across transaction-bound copies.
	cache  *lru.Cache
	logger *logrus.Logger
}

// NewResolverService creates a new resolver service
func NewResolverService(
	genes domain.GeneRegistry,
	staging domain.StagingQueue,
	authority domain.SymbolAuthority,
	auditLog domain.AuditLog,
	cacheSize int,
	logger *logrus.Logger,
) (*ResolverService, error) {
	if cacheSize == 0 {
		cacheSize = 4096
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver cache: %w", err)
	}

	return &ResolverService{
		genes:     genes,
		staging:   staging,
		authority: authority,
		auditLog:  auditLog,
		cache:     cache,
		logger:    logger,
	}, nil
}

// WithStores returns a copy of the resolver bound to transaction-scoped
// registry and staging stores. The cache and audit log are shared: the audit
// log must keep entries for attempts whose transaction rolled back.
func (s *ResolverService) WithStores(genes domain.GeneRegistry, staging domain.StagingQueue) *ResolverService {
	return &ResolverService{
		genes:     genes,
		staging:   staging,
		authority: s.authority,
		auditLog:  s.auditLog,
		cache:     s.cache,
		logger:    s.logger,
	}
}

// NormalizeIdentifier canonicalizes raw identifier text: trims surrounding
// whitespace and decoration characters, collapses internal whitespace, and
// upper-cases. Empty results are malformed.
func NormalizeIdentifier(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, `"'().,;:*`)
	s = strings.Join(strings.Fields(s), " ")
	s = strings.ToUpper(s)
	if s == "" {
		return "", &domain.MalformedRecordError{RawText: raw, Reason: "empty identifier after normalization"}
	}
	return s, nil
}

// Resolve runs the resolution cascade for one source record. A staging
// disposition is an expected outcome, not an error; the returned error is
// reserved for malformed input and infrastructure failures.
func (s *ResolverService) Resolve(ctx context.Context, rec *domain.SourceRecord, sourceName string, cfg *domain.SourceConfig) (*domain.ResolutionResult, error) {
	start := time.Now()
	result := &domain.ResolutionResult{}
	lookups := 0

	normalized, err := NormalizeIdentifier(rec.RawText)
	if err != nil {
		result.Steps = append(result.Steps, "malformed_identifier")
		s.appendAudit(ctx, rec.RawText, sourceName, result, lookups, start)
		return nil, err
	}

	if cached, ok := s.cache.Get(normalized); ok {
		if gene, gerr := s.genes.GetByID(ctx, cached.(uuid.UUID)); gerr == nil {
			result.Steps = append(result.Steps, "cache_hit")
			s.bind(result, gene, domain.DispositionResolved)
			s.appendAudit(ctx, rec.RawText, sourceName, result, lookups, start)
			return result, nil
		}
		// Stale entry; fall through to the full cascade.
		s.cache.Remove(normalized)
	}

	// 1. Exact match against approved symbols.
	lookups++
	gene, err := s.genes.FindBySymbol(ctx, normalized)
	if err == nil {
		result.Steps = append(result.Steps, "exact_symbol_match")
		s.bind(result, gene, domain.DispositionResolved)
		s.cacheGene(normalized, gene)
		s.appendAudit(ctx, rec.RawText, sourceName, result, lookups, start)
		return result, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("symbol lookup failed: %w", err)
	}
	result.Steps = append(result.Steps, "exact_symbol_miss")

	// 2. Exact match against aliases.
	lookups++
	gene, err = s.genes.FindByAlias(ctx, normalized)
	if err == nil {
		result.Steps = append(result.Steps, "alias_match")
		s.bind(result, gene, domain.DispositionResolvedAlias)
		s.cacheGene(normalized, gene)
		s.appendAudit(ctx, rec.RawText, sourceName, result, lookups, start)
		return result, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("alias lookup failed: %w", err)
	}
	result.Steps = append(result.Steps, "alias_miss")

	// 3. Rename-feed self-heal: the authority may know this text as a
	// previous symbol or alias of a currently approved one.
	gene, healed, err := s.selfHeal(ctx, normalized, result, &lookups)
	if err != nil {
		return nil, err
	}
	if healed {
		s.bind(result, gene, domain.DispositionResolvedRename)
		s.cacheGene(normalized, gene)
		s.appendAudit(ctx, rec.RawText, sourceName, result, lookups, start)
		return result, nil
	}

	// 4. Single-candidate fuzzy match. Conservative by default: accepted only
	// when the source's config opts in, otherwise routed to staging.
	lookups++
	candidate, err := s.fuzzyCandidate(ctx, normalized, result)
	if err != nil {
		return nil, err
	}
	if candidate != nil {
		if cfg != nil && cfg.AllowLowConfidence {
			result.Steps = append(result.Steps, "low_confidence_accepted")
			s.bind(result, candidate, domain.DispositionLowConfidence)
			s.appendAudit(ctx, rec.RawText, sourceName, result, lookups, start)
			s.logger.WithFields(logrus.Fields{
				"raw_text":    rec.RawText,
				"symbol":      candidate.Symbol,
				"source_name": sourceName,
			}).Warn("Low-confidence auto-resolution accepted")
			return result, nil
		}
		result.Steps = append(result.Steps, "low_confidence_routed_to_staging")
	}

	// 5. Staging.
	if err := s.stage(ctx, rec, normalized, sourceName, result); err != nil {
		return nil, err
	}
	s.appendAudit(ctx, rec.RawText, sourceName, result, lookups, start)
	return result, nil
}

// selfHeal consults the rename feed and, on a hit, updates the registry in
// place: the row keeps its identity, the old symbol is demoted to an alias.
func (s *ResolverService) selfHeal(ctx context.Context, normalized string, result *domain.ResolutionResult, lookups *int) (*domain.Gene, bool, error) {
	*lookups++
	mapping, err := s.authority.Lookup(ctx, normalized)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			result.Steps = append(result.Steps, "rename_feed_miss")
			return nil, false, nil
		}
		// Feed unavailable: degrade to the rest of the cascade rather than
		// failing the record.
		result.Steps = append(result.Steps, "rename_feed_unavailable")
		s.logger.WithFields(logrus.Fields{
			"symbol": normalized,
			"error":  err,
		}).Warn("Rename feed lookup failed, continuing cascade")
		return nil, false, nil
	}
	result.Steps = append(result.Steps, "rename_feed_hit")

	gene, err := s.findMappedGene(ctx, mapping, lookups)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			result.Steps = append(result.Steps, "rename_feed_unregistered")
			return nil, false, nil
		}
		return nil, false, err
	}

	if !strings.EqualFold(gene.Symbol, mapping.CurrentSymbol) {
		if err := s.genes.Rename(ctx, gene.ID, mapping.CurrentSymbol); err != nil {
			return nil, false, fmt.Errorf("applying rename: %w", err)
		}
		result.Steps = append(result.Steps, "registry_symbol_updated")
		s.logger.WithFields(logrus.Fields{
			"gene_id":    gene.ID,
			"old_symbol": gene.Symbol,
			"new_symbol": mapping.CurrentSymbol,
		}).Info("Registry symbol self-healed from rename feed")
		gene.Symbol = mapping.CurrentSymbol
	}

	aliases := make([]string, 0, len(mapping.PreviousSymbols)+len(mapping.Aliases)+1)
	for _, a := range append(append([]string{normalized}, mapping.PreviousSymbols...), mapping.Aliases...) {
		if !strings.EqualFold(a, gene.Symbol) && !gene.HasAlias(a) {
			aliases = append(aliases, a)
		}
	}
	if len(aliases) > 0 {
		if err := s.genes.AddAliases(ctx, gene.ID, aliases); err != nil {
			return nil, false, fmt.Errorf("recording feed aliases: %w", err)
		}
	}

	return gene, true, nil
}

// findMappedGene locates the registry row the feed mapping points at: by
// stable external identifier first, then by the current approved symbol,
// then by the current symbol stored as an alias.
func (s *ResolverService) findMappedGene(ctx context.Context, mapping *domain.SymbolMapping, lookups *int) (*domain.Gene, error) {
	if mapping.ExternalID != "" {
		*lookups++
		gene, err := s.genes.GetByExternalID(ctx, mapping.ExternalID)
		if err == nil {
			return gene, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("external id lookup failed: %w", err)
		}
	}

	*lookups++
	gene, err := s.genes.FindBySymbol(ctx, mapping.CurrentSymbol)
	if err == nil {
		return gene, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("current symbol lookup failed: %w", err)
	}

	*lookups++
	return s.genes.FindByAlias(ctx, strings.ToUpper(mapping.CurrentSymbol))
}

// fuzzyCandidate strips separators from the normalized text and scans the
// registry for symbols or aliases with the same condensed form. Exactly one
// hit makes a candidate; zero or several do not.
func (s *ResolverService) fuzzyCandidate(ctx context.Context, normalized string, result *domain.ResolutionResult) (*domain.Gene, error) {
	key := condense(normalized)
	if key == "" {
		return nil, nil
	}

	genes, err := s.genes.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing genes for fuzzy match: %w", err)
	}

	var candidate *domain.Gene
	matches := 0
	for _, g := range genes {
		hit := condense(g.Symbol) == key
		if !hit {
			for _, a := range g.Aliases {
				if condense(a) == key {
					hit = true
					break
				}
			}
		}
		if hit {
			matches++
			candidate = g
		}
	}

	switch matches {
	case 0:
		result.Steps = append(result.Steps, "fuzzy_no_candidates")
		return nil, nil
	case 1:
		result.Steps = append(result.Steps, "fuzzy_single_candidate")
		return candidate, nil
	default:
		result.Steps = append(result.Steps, "fuzzy_ambiguous")
		return nil, nil
	}
}

// stage submits the unresolved text for human review and classifies the
// outcome: new request, folded duplicate, reuse of a prior approval, or a
// fast rejection of known-bad text.
func (s *ResolverService) stage(ctx context.Context, rec *domain.SourceRecord, normalized, sourceName string, result *domain.ResolutionResult) error {
	payload := map[string]any{
		"source_detail": rec.SourceDetail,
		"attributes":    rec.Attributes,
	}
	if rec.SourceScore != nil {
		payload["source_score"] = *rec.SourceScore
	}

	created, row, err := s.staging.Submit(ctx, &domain.StagingRequest{
		RawText:    normalized,
		SourceName: sourceName,
		Payloads:   []map[string]any{payload},
		AttemptLog: result.Steps,
	})
	if err != nil {
		return fmt.Errorf("staging submit failed: %w", err)
	}

	switch {
	case row.Status == domain.StagingRejected:
		result.Steps = append(result.Steps, "fast_rejected")
		result.Disposition = domain.DispositionFastRejected
		result.StagingID = &row.ID
	case row.Status == domain.StagingApproved && row.GeneID != nil:
		// A reviewer already bound this exact text; reuse the binding.
		gene, gerr := s.genes.GetByID(ctx, *row.GeneID)
		if gerr != nil {
			return fmt.Errorf("loading approved staging gene: %w", gerr)
		}
		result.Steps = append(result.Steps, "approved_staging_binding")
		s.bind(result, gene, domain.DispositionResolved)
		s.cacheGene(normalized, gene)
	case created:
		result.Steps = append(result.Steps, "staged")
		result.Disposition = domain.DispositionStaged
		result.StagingID = &row.ID
	default:
		result.Steps = append(result.Steps, "duplicate_pending")
		result.Disposition = domain.DispositionDuplicate
		result.StagingID = &row.ID
	}
	return nil
}

func (s *ResolverService) bind(result *domain.ResolutionResult, gene *domain.Gene, disposition domain.Disposition) {
	result.Disposition = disposition
	result.GeneID = &gene.ID
	result.Symbol = gene.Symbol
}

func (s *ResolverService) cacheGene(normalized string, gene *domain.Gene) {
	s.cache.Add(normalized, gene.ID)
}

func (s *ResolverService) appendAudit(ctx context.Context, rawText, sourceName string, result *domain.ResolutionResult, lookups int, start time.Time) {
	result.LookupCount = lookups
	entry := &domain.NormalizationLogEntry{
		RawText:        rawText,
		SourceName:     sourceName,
		Success:        result.Resolved(),
		ResolvedSymbol: result.Symbol,
		GeneID:         result.GeneID,
		StagingID:      result.StagingID,
		Steps:          result.Steps,
		LookupCount:    lookups,
		Duration:       time.Since(start),
	}
	if err := s.auditLog.Append(ctx, entry); err != nil {
		// The audit store is outside the record's transaction; losing one
		// entry must not fail the resolution itself.
		s.logger.WithFields(logrus.Fields{
			"raw_text":    rawText,
			"source_name": sourceName,
			"error":       err,
		}).Error("Failed to append normalization log entry")
	}
}

// condense strips separator characters so "ABC-1" and "ABC1" compare equal.
func condense(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '-' || r == '_' || r == ' ' || r == '.' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}
