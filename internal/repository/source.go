package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/gene-curation-server/internal/domain"
)

// SourceConfigRepository handles per-source scoring policy and enablement
type SourceConfigRepository struct {
	db  Querier
	log *logrus.Logger
}

// NewSourceConfigRepository creates a new source config repository
func NewSourceConfigRepository(db Querier, logger *logrus.Logger) *SourceConfigRepository {
	return &SourceConfigRepository{
		db:  db,
		log: logger,
	}
}

const sourceColumns = `name, enabled, policy, allow_low_confidence, rate_limit, created_at, updated_at`

// Get retrieves a source configuration by name
func (r *SourceConfigRepository) Get(ctx context.Context, name string) (*domain.SourceConfig, error) {
	query := `SELECT ` + sourceColumns + ` FROM source_configs WHERE name = $1`
	cfg, err := r.scanConfig(r.db.QueryRow(ctx, query, name))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("source config %s not found: %w", name, domain.ErrNotFound)
		}
		return nil, err
	}
	return cfg, nil
}

// ListEnabled returns the currently active sources. Their count is the
// denominator for the combined percentage score.
func (r *SourceConfigRepository) ListEnabled(ctx context.Context) ([]*domain.SourceConfig, error) {
	query := `SELECT ` + sourceColumns + ` FROM source_configs WHERE enabled ORDER BY name`
	return r.queryConfigs(ctx, query)
}

// ListAll returns every configured source
func (r *SourceConfigRepository) ListAll(ctx context.Context) ([]*domain.SourceConfig, error) {
	query := `SELECT ` + sourceColumns + ` FROM source_configs ORDER BY name`
	return r.queryConfigs(ctx, query)
}

// Save upserts a source configuration. Onboarding a new manually curated
// source is an insert here, not a code change.
func (r *SourceConfigRepository) Save(ctx context.Context, cfg *domain.SourceConfig) error {
	policyJSON, err := json.Marshal(cfg.Policy)
	if err != nil {
		return fmt.Errorf("encoding scoring policy: %w", err)
	}

	query := `
		INSERT INTO source_configs (name, enabled, policy, allow_low_confidence, rate_limit)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			policy = EXCLUDED.policy,
			allow_low_confidence = EXCLUDED.allow_low_confidence,
			rate_limit = EXCLUDED.rate_limit,
			updated_at = NOW()
		RETURNING created_at, updated_at`

	err = r.db.QueryRow(ctx, query,
		cfg.Name, cfg.Enabled, policyJSON, cfg.AllowLowConfidence, cfg.RateLimit,
	).Scan(&cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"source_name": cfg.Name,
			"error":       err,
		}).Error("Failed to save source config")
		return fmt.Errorf("saving source config: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"source_name": cfg.Name,
		"enabled":     cfg.Enabled,
		"policy_kind": cfg.Policy.Kind,
	}).Info("Source config saved")

	return nil
}

// SetEnabled toggles a source in or out of the active set
func (r *SourceConfigRepository) SetEnabled(ctx context.Context, name string, enabled bool) error {
	result, err := r.db.Exec(ctx,
		`UPDATE source_configs SET enabled = $2, updated_at = NOW() WHERE name = $1`,
		name, enabled,
	)
	if err != nil {
		return fmt.Errorf("toggling source %s: %w", name, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("source config %s not found: %w", name, domain.ErrNotFound)
	}

	r.log.WithFields(logrus.Fields{
		"source_name": name,
		"enabled":     enabled,
	}).Info("Source enablement changed")

	return nil
}

func (r *SourceConfigRepository) queryConfigs(ctx context.Context, query string) ([]*domain.SourceConfig, error) {
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying source configs: %w", err)
	}
	defer rows.Close()

	var configs []*domain.SourceConfig
	for rows.Next() {
		cfg, err := r.scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

func (r *SourceConfigRepository) scanConfig(row rowScanner) (*domain.SourceConfig, error) {
	var cfg domain.SourceConfig
	var policyRaw []byte

	err := row.Scan(
		&cfg.Name,
		&cfg.Enabled,
		&policyRaw,
		&cfg.AllowLowConfidence,
		&cfg.RateLimit,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(policyRaw, &cfg.Policy); err != nil {
		return nil, fmt.Errorf("decoding scoring policy: %w", err)
	}
	return &cfg, nil
}
