package store

import (
	"context"
	"log/slog"
	"time"

	"mcpgate/metrics"
)

// StartSweeper periodically removes expired records from ts and, when
// pending is non-nil, expired upstream exchanges. It stops when ctx is done.
func StartSweeper(ctx context.Context, ts TokenStore, pending *PendingExchanges, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweepOnce(ctx, ts, pending, logger)
			}
		}
	}()
}

func sweepOnce(ctx context.Context, ts TokenStore, pending *PendingExchanges, logger *slog.Logger) {
	removed, err := ts.CleanupExpired(ctx)
	if err != nil {
		logger.Error("store sweep failed", "error", err)
	}
	if pending != nil {
		removed += pending.Sweep()
	}
	if removed > 0 {
		metrics.StoreSweptRecords.Add(float64(removed))
		logger.Debug("store sweep", "removed", removed)
	}
}
