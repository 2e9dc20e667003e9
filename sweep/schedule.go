// Package sweep moves collected operational funds to the treasury address of
// each network on independent timers.
package sweep

import (
	"context"
	"log/slog"
	"time"
)

// Schedule runs fn after an initial delay and then on every interval tick
// until the context is cancelled. A failed run is logged and never prevents
// the next scheduled run.
func Schedule(ctx context.Context, logger *slog.Logger, name string, initialDelay, interval time.Duration, fn func(context.Context) error) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		logger.Warn("job disabled, no interval configured", "component", name)
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(initialDelay):
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := fn(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("scheduled run failed", "component", name, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
