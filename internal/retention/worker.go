// Package retention prunes old rows from the run journal.
package retention

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// Pruner deletes journal rows created before a cutoff.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Policy keeps runs for MaxAge. A zero MaxAge keeps everything.
type Policy struct {
	MaxAge time.Duration
	Now    func() time.Time
}

// Sweep prunes once and returns the number of removed runs.
func Sweep(ctx context.Context, p Pruner, policy Policy) (int64, error) {
	if policy.MaxAge <= 0 {
		return 0, nil
	}
	now := time.Now
	if policy.Now != nil {
		now = policy.Now
	}
	return p.PruneBefore(ctx, now().UTC().Add(-policy.MaxAge))
}

// Start sweeps every interval until ctx is done.
func Start(ctx context.Context, logger *log.Logger, interval time.Duration, p Pruner, policy Policy) {
	if policy.MaxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := Sweep(ctx, p, policy)
			if err != nil {
				logger.Warn("journal retention sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("journal retention removed old runs", "count", n)
			}
		}
	}
}
