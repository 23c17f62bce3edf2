package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/palantir/internal/ratelimit"
)

const (
	sweepInterval = 5 * time.Minute
	sweepIdleAge  = 30 * time.Minute
)

// LimiterSweeper periodically evicts per-user rate limiters that have
// been idle long enough to refill completely, bounding registry growth.
type LimiterSweeper struct {
	registry *ratelimit.Registry
}

// NewLimiterSweeper creates a LimiterSweeper over registry.
func NewLimiterSweeper(registry *ratelimit.Registry) *LimiterSweeper {
	return &LimiterSweeper{registry: registry}
}

// Run sweeps idle limiters on a periodic schedule until ctx is cancelled.
func (w *LimiterSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := w.registry.EvictStale(time.Now().Add(-sweepIdleAge)); n > 0 {
				slog.Info("stale rate limiters evicted", "count", n)
			}
		}
	}
}
