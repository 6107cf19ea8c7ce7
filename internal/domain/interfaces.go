package domain

import (
	"context"

	"github.com/google/uuid"
)

// GeneRegistry is the canonical gene store consumed by the resolver.
type GeneRegistry interface {
	Create(ctx context.Context, gene *Gene) error
	GetByID(ctx context.Context, id uuid.UUID) (*Gene, error)
	GetByExternalID(ctx context.Context, externalID string) (*Gene, error)
	FindBySymbol(ctx context.Context, symbol string) (*Gene, error)
	FindByAlias(ctx context.Context, alias string) (*Gene, error)
	// Rename updates the approved symbol in place and demotes the old symbol
	// to an alias. It must never create a second row for the same gene.
	Rename(ctx context.Context, id uuid.UUID, newSymbol string) error
	AddAliases(ctx context.Context, id uuid.UUID, aliases []string) error
	ListAll(ctx context.Context) ([]*Gene, error)
}

// EvidenceStore persists per-(gene, source, detail) evidence with
// merge-on-conflict semantics.
type EvidenceStore interface {
	// UpsertMerge inserts the record or merges its attribute map into the
	// existing row for the same (gene, source, detail) triple.
	UpsertMerge(ctx context.Context, rec *EvidenceRecord) error
	Get(ctx context.Context, geneID uuid.UUID, sourceName, sourceDetail string) (*EvidenceRecord, error)
	ListByGene(ctx context.Context, geneID uuid.UUID) ([]*EvidenceRecord, error)
	ListBySource(ctx context.Context, sourceName string) ([]*EvidenceRecord, error)
	CountDistinctGenes(ctx context.Context, sourceName string) (int, error)
}

// StagingQueue manages human-review requests for unresolved identifiers.
type StagingQueue interface {
	// Submit is idempotent on (rawText, sourceName): a pending row is bumped
	// rather than duplicated, and the returned created flag reports whether a
	// new row was inserted.
	Submit(ctx context.Context, req *StagingRequest) (created bool, existing *StagingRequest, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*StagingRequest, error)
	GetByKey(ctx context.Context, rawText, sourceName string) (*StagingRequest, error)
	ListPending(ctx context.Context, limit int) ([]*StagingRequest, error)
	// Decide transitions a pending request to a terminal state.
	Decide(ctx context.Context, id uuid.UUID, status StagingStatus, reviewer string, geneID *uuid.UUID) error
}

// SourceConfigStore holds per-source scoring policy and enablement.
type SourceConfigStore interface {
	Get(ctx context.Context, name string) (*SourceConfig, error)
	ListEnabled(ctx context.Context) ([]*SourceConfig, error)
	ListAll(ctx context.Context) ([]*SourceConfig, error)
	Save(ctx context.Context, cfg *SourceConfig) error
	SetEnabled(ctx context.Context, name string, enabled bool) error
}

// AuditLog is the append-only normalization attempt log.
type AuditLog interface {
	Append(ctx context.Context, entry *NormalizationLogEntry) error
	ListByText(ctx context.Context, rawText string, limit int) ([]*NormalizationLogEntry, error)
	ListRecent(ctx context.Context, limit int) ([]*NormalizationLogEntry, error)
	CountBySource(ctx context.Context, sourceName string) (succeeded int64, failed int64, err error)
}

// SymbolAuthority is the upstream previous-symbol feed consulted during the
// resolver's self-healing step.
type SymbolAuthority interface {
	// Lookup returns the current approved symbol record for the given text,
	// or ErrNotFound when the authority does not know it.
	Lookup(ctx context.Context, symbol string) (*SymbolMapping, error)
}

// SymbolMapping is one row of the versioned rename dataset.
type SymbolMapping struct {
	CurrentSymbol   string   `json:"current_symbol"`
	PreviousSymbols []string `json:"previous_symbols"`
	Aliases         []string `json:"aliases"`
	ExternalID      string   `json:"external_id"`
	DatasetVersion  string   `json:"dataset_version,omitempty"`
}
