package maintenance

import (
	"context"
	"time"

	"contacts-api/internal/observability"
)

const DefaultInterval = time.Hour

type Sweeper struct {
	cleaner  *Cleaner
	interval time.Duration
}

func NewSweeper(cleaner *Cleaner, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{cleaner: cleaner, interval: interval}
}

// Run purges once per interval until ctx is cancelled. A failed pass is
// logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.cleaner.Run(ctx); err != nil && ctx.Err() == nil {
				observability.ReportError("refresh_token_cleanup", err)
			}
		}
	}
}
