package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/support-realtime/internal/presence"
)

// StartPresenceSweeper expires stale typing signals every interval until ctx
// is done. It returns a channel closed when the sweeper stops.
func StartPresenceSweeper(ctx context.Context, tracker *presence.Tracker, interval time.Duration, logger *zap.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Debug("presence sweeper started", zap.Duration("interval", interval))
		tracker.Run(ctx, interval)
		logger.Debug("presence sweeper stopped")
	}()
	return done
}
