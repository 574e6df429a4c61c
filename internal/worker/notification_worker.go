package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/spec-kit/support-realtime/internal/events"
	"github.com/spec-kit/support-realtime/internal/service"
)

// StartNotificationWorker subscribes the notification handlers behind queue
// and drains it until ctx is done. Chat operations publish into the queue
// and return; webhook posts and emails run here. The returned channel closes
// once the remaining buffered events have been delivered.
func StartNotificationWorker(ctx context.Context, queue *events.Queue, notificationService *service.NotificationService, logger *zap.Logger) <-chan struct{} {
	done := make(chan struct{})
	if queue == nil {
		close(done)
		return done
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if notificationService != nil {
		notificationService.RegisterHandlers()
	}
	go func() {
		defer close(done)
		logger.Debug("notification worker started")
		queue.Run(ctx)
		logger.Debug("notification worker stopped", zap.Int("undelivered", queue.Len()))
	}()
	return done
}
