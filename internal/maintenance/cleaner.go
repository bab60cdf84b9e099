// Package maintenance removes refresh tokens that can never be used again,
// either on a timer inside the server or when triggered by an external cron.
package maintenance

import (
	"context"
	"time"

	"contacts-api/internal/observability"
)

const (
	DefaultRetention = 7 * 24 * time.Hour
	DefaultBatchSize = 500
)

type Purger interface {
	PurgeExpiredOrRevoked(ctx context.Context, now time.Time, retention time.Duration, batchSize int) (int64, error)
}

// Cleaner runs one purge pass: expired tokens, and tokens revoked longer ago
// than the retention window.
type Cleaner struct {
	purger    Purger
	logger    *observability.Logger
	retention time.Duration
	batchSize int
	now       func() time.Time
}

func NewCleaner(purger Purger, logger *observability.Logger, retention time.Duration, batchSize int) *Cleaner {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Cleaner{
		purger:    purger,
		logger:    logger,
		retention: retention,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (c *Cleaner) Run(ctx context.Context) (int64, error) {
	started := c.now()
	deleted, err := c.purger.PurgeExpiredOrRevoked(ctx, started, c.retention, c.batchSize)
	if err != nil {
		c.logger.Error("refresh_token_cleanup_failed", map[string]any{
			"error":   err.Error(),
			"deleted": deleted,
		})
		return deleted, err
	}

	c.logger.Info("refresh_token_cleanup_completed", map[string]any{
		"deleted":     deleted,
		"duration_ms": time.Since(started).Milliseconds(),
	})
	return deleted, nil
}
