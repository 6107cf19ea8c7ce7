package domain

import (
	"time"

	"github.com/google/uuid"
)

// Core Enums and Types

// StagingStatus represents the lifecycle state of a staging request
type StagingStatus string

const (
	StagingPending  StagingStatus = "PENDING"
	StagingApproved StagingStatus = "APPROVED"
	StagingRejected StagingStatus = "REJECTED"
)

// Disposition represents the outcome of a resolution attempt
type Disposition string

const (
	DispositionResolved       Disposition = "RESOLVED"
	DispositionResolvedAlias  Disposition = "RESOLVED_ALIAS"
	DispositionResolvedRename Disposition = "RESOLVED_RENAME"
	DispositionLowConfidence  Disposition = "RESOLVED_LOW_CONFIDENCE"
	DispositionStaged         Disposition = "STAGED"
	DispositionDuplicate      Disposition = "DUPLICATE_PENDING"
	DispositionFastRejected   Disposition = "FAST_REJECTED"
)

// ScoringPolicyKind discriminates the scoring policy variants attached to a source
type ScoringPolicyKind string

const (
	PolicyCountField     ScoringPolicyKind = "COUNT_FIELD"
	PolicyClassification ScoringPolicyKind = "CLASSIFICATION"
	PolicyFixedScore     ScoringPolicyKind = "FIXED_SCORE"
)

// Classification validity labels assigned by expert panels
const (
	LabelDefinitive = "Definitive"
	LabelStrong     = "Strong"
	LabelModerate   = "Moderate"
	LabelLimited    = "Limited"
	LabelDisputed   = "Disputed"
	LabelRefuted    = "Refuted"
)

// Core Data Models

// Gene is the canonical curated entity. Exactly one row per stable external
// identifier; symbol renames update the row in place, never duplicate it.
type Gene struct {
	ID         uuid.UUID `json:"id"`
	ExternalID string    `json:"external_id"`
	Symbol     string    `json:"symbol"`
	Aliases    []string  `json:"aliases"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HasAlias reports whether the gene carries the given alias. Aliases are
// stored upper-cased, so callers pass normalized text.
func (g *Gene) HasAlias(alias string) bool {
	for _, a := range g.Aliases {
		if a == alias {
			return true
		}
	}
	return false
}

// MergeEvent records one merge applied to an evidence record's attribute map.
type MergeEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Fields    []string  `json:"fields"`
}

// EvidenceRecord holds one source's contribution of facts about one gene,
// unique on (gene, source name, source detail). Attributes is a
// source-specific structured payload; re-ingestion merges into it.
type EvidenceRecord struct {
	ID           uuid.UUID      `json:"id"`
	GeneID       uuid.UUID      `json:"gene_id"`
	SourceName   string         `json:"source_name"`
	SourceDetail string         `json:"source_detail"`
	Attributes   map[string]any `json:"attributes"`
	SourceScore  *float64       `json:"source_score,omitempty"`
	MergeHistory []MergeEvent   `json:"merge_history"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// StagingRequest is a resolution failure awaiting a human decision. One row
// per (raw_text, source_name); duplicate submissions bump the priority and
// submission counters instead of creating redundant rows.
type StagingRequest struct {
	ID              uuid.UUID        `json:"id"`
	RawText         string           `json:"raw_text"`
	SourceName      string           `json:"source_name"`
	Payloads        []map[string]any `json:"payloads"`
	AttemptLog      []string         `json:"attempt_log"`
	Status          StagingStatus    `json:"status"`
	Priority        int              `json:"priority"`
	SubmissionCount int              `json:"submission_count"`
	SeenSources     []string         `json:"seen_sources"`
	ReviewedBy      string           `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time       `json:"reviewed_at,omitempty"`
	GeneID          *uuid.UUID       `json:"gene_id,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// NormalizationLogEntry is an immutable audit row, one per resolution attempt.
type NormalizationLogEntry struct {
	ID             int64         `json:"id"`
	RawText        string        `json:"raw_text"`
	SourceName     string        `json:"source_name"`
	Success        bool          `json:"success"`
	ResolvedSymbol string        `json:"resolved_symbol,omitempty"`
	GeneID         *uuid.UUID    `json:"gene_id,omitempty"`
	StagingID      *uuid.UUID    `json:"staging_id,omitempty"`
	Steps          []string      `json:"steps"`
	LookupCount    int           `json:"lookup_count"`
	Duration       time.Duration `json:"duration"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ScoringPolicy is the tagged scoring-policy variant attached to a source
// configuration. Exactly one variant's fields are meaningful per Kind.
type ScoringPolicy struct {
	Kind ScoringPolicyKind `json:"kind" mapstructure:"kind"`

	// COUNT_FIELD: attribute-map field whose length (list) or value (number)
	// is the raw metric. ContributorField, when set, switches the metric to
	// the count of distinct contributor identifiers across the gene's records.
	CountField       string `json:"count_field,omitempty" mapstructure:"count_field"`
	ContributorField string `json:"contributor_field,omitempty" mapstructure:"contributor_field"`

	// CLASSIFICATION: attribute-map field holding the label list, and the
	// label-to-weight map. Unmapped labels fall back to DefaultWeight.
	ClassificationField string             `json:"classification_field,omitempty" mapstructure:"classification_field"`
	Weights             map[string]float64 `json:"weights,omitempty" mapstructure:"weights"`
	DefaultWeight       float64            `json:"default_weight,omitempty" mapstructure:"default_weight"`

	// FIXED_SCORE: every gene with evidence gets this score in [0,1].
	FixedScore float64 `json:"fixed_score,omitempty" mapstructure:"fixed_score"`
}

// SourceConfig describes one logical evidence source. New manually curated
// sources are onboarded by inserting a row, not by new code paths.
type SourceConfig struct {
	Name               string        `json:"name"`
	Enabled            bool          `json:"enabled"`
	Policy             ScoringPolicy `json:"policy"`
	AllowLowConfidence bool          `json:"allow_low_confidence"`
	RateLimit          float64       `json:"rate_limit"` // records per second, 0 = unlimited
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Derived Models (never authoritative; recomputed from EvidenceRecord state)

// NormalizedScore is the per-(gene, source) comparable score in [0,1].
type NormalizedScore struct {
	GeneID     uuid.UUID `json:"gene_id"`
	SourceName string    `json:"source_name"`
	RawMetric  float64   `json:"raw_metric"`
	Score      float64   `json:"score"`
}

// CombinedScore is the single percentage summary per gene across all
// currently active sources, with the per-source breakdown retained.
type CombinedScore struct {
	GeneID        uuid.UUID          `json:"gene_id"`
	Symbol        string             `json:"symbol"`
	SourceCount   int                `json:"source_count"`
	ScoreSum      float64            `json:"score_sum"`
	Percentage    float64            `json:"percentage"`
	Breakdown     map[string]float64 `json:"breakdown"`
	ActiveSources int                `json:"active_sources"`
	ComputedAt    time.Time          `json:"computed_at"`
}

// Ingestion Models

// SourceRecord is the tuple a source adapter produces for one identifier.
type SourceRecord struct {
	RawText      string         `json:"raw_text"`
	SourceDetail string         `json:"source_detail,omitempty"`
	Attributes   map[string]any `json:"attributes"`
	SourceScore  *float64       `json:"source_score,omitempty"`
}

// RecordFailure describes one record that could not be ingested.
type RecordFailure struct {
	RawText string `json:"raw_text"`
	Reason  string `json:"reason"`
}

// BatchResult summarizes one ingestion run for a source. Per-record errors
// are accumulated here, never thrown to abort the batch.
type BatchResult struct {
	SourceName        string          `json:"source_name"`
	Total             int             `json:"total"`
	Succeeded         int             `json:"succeeded"`
	Staged            int             `json:"staged"`
	Failed            int             `json:"failed"`
	Failures          []RecordFailure `json:"failures,omitempty"`
	DistinctResolved  int             `json:"distinct_resolved"`
	DistinctPersisted int             `json:"distinct_persisted"`
	VerificationOK    bool            `json:"verification_ok"`
	StartedAt         time.Time       `json:"started_at"`
	FinishedAt        time.Time       `json:"finished_at"`
}

// ResolutionResult is the outcome of a single identity resolution attempt.
type ResolutionResult struct {
	Disposition Disposition `json:"disposition"`
	GeneID      *uuid.UUID  `json:"gene_id,omitempty"`
	StagingID   *uuid.UUID  `json:"staging_id,omitempty"`
	Symbol      string      `json:"symbol,omitempty"`
	Steps       []string    `json:"steps"`
	LookupCount int         `json:"lookup_count"`
}

// Resolved reports whether the attempt bound the text to a gene.
func (r *ResolutionResult) Resolved() bool {
	return r.GeneID != nil
}
