// Package cache holds the Redis-backed view cache for recomputed scores.
// The score view is a disposable projection over evidence; losing the cache
// only costs a recompute.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/gene-curation-server/internal/domain"
)

const scoresKey = "curation:scores:v1"

// ScoreViewConfig defines configuration for the score view cache
type ScoreViewConfig struct {
	RedisClient *redis.Client
	TTL         time.Duration
	Enabled     bool
}

// ScoreViewCache caches the full recomputed score view with a TTL.
type ScoreViewCache struct {
	config ScoreViewConfig
	logger *logrus.Logger
}

// NewScoreViewCache creates a new score view cache
func NewScoreViewCache(config ScoreViewConfig, logger *logrus.Logger) *ScoreViewCache {
	if config.TTL == 0 {
		config.TTL = 15 * time.Minute
	}
	return &ScoreViewCache{
		config: config,
		logger: logger,
	}
}

// Get returns the cached score view, if present and fresh.
func (c *ScoreViewCache) Get(ctx context.Context) ([]*domain.CombinedScore, bool) {
	if !c.enabled() {
		return nil, false
	}

	data, err := c.config.RedisClient.Get(ctx, scoresKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.WithFields(logrus.Fields{
				"error": err,
			}).Warn("Score cache read failed")
		}
		return nil, false
	}

	var scores []*domain.CombinedScore
	if err := json.Unmarshal(data, &scores); err != nil {
		c.logger.WithFields(logrus.Fields{
			"error": err,
		}).Warn("Score cache entry corrupt, discarding")
		c.config.RedisClient.Del(ctx, scoresKey)
		return nil, false
	}
	return scores, true
}

// Set stores the score view. Failures are logged, never propagated: the cache
// is an optimization, not a store of record.
func (c *ScoreViewCache) Set(ctx context.Context, scores []*domain.CombinedScore) {
	if !c.enabled() {
		return
	}

	data, err := json.Marshal(scores)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"error": err,
		}).Warn("Score cache encode failed")
		return
	}

	if err := c.config.RedisClient.Set(ctx, scoresKey, data, c.config.TTL).Err(); err != nil {
		c.logger.WithFields(logrus.Fields{
			"error": err,
		}).Warn("Score cache write failed")
	}
}

// Invalidate drops the cached view; the next read recomputes.
func (c *ScoreViewCache) Invalidate(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}
	return c.config.RedisClient.Del(ctx, scoresKey).Err()
}

func (c *ScoreViewCache) enabled() bool {
	return c.config.Enabled && c.config.RedisClient != nil
}
