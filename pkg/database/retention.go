package database

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// DefaultRetentionInterval is how often RunRetention prunes
const DefaultRetentionInterval = time.Hour

// RunRetention prunes events older than maxAge once immediately and then
// every interval until ctx is done
func (db *DB) RunRetention(ctx context.Context, clk clock.Clock, maxAge, interval time.Duration) {
	if maxAge <= 0 {
		return
	}
	if interval <= 0 {
		interval = DefaultRetentionInterval
	}

	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	for {
		db.prune(clk.Now().Add(-maxAge))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (db *DB) prune(cutoff time.Time) {
	n, err := db.PruneEvents(cutoff)
	if err != nil {
		db.log.Warn("failed to prune audit events", zap.Error(err))
		return
	}
	if n > 0 {
		db.log.Info("pruned audit events", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}
}
