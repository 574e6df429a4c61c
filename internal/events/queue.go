package events

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/spec-kit/support-realtime/pkg/util/errorutil"
)

// ErrQueueFull is returned by Queue.Publish when the buffer has no room.
var ErrQueueFull = apperrors.NewDomainError("EVENT_QUEUE_FULL", "event queue is full", 503, nil)

type queued struct {
	ctx   context.Context
	event Event
}

// Queue decouples publishers from handlers. Publish only buffers the event;
// Run hands buffered events to the inner dispatcher on its own goroutine.
type Queue struct {
	inner  Dispatcher
	events chan queued
	logger *zap.Logger
}

// NewQueue wraps inner with a buffer of size events.
func NewQueue(inner Dispatcher, size int, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size <= 0 {
		size = 1024
	}
	return &Queue{
		inner:  inner,
		events: make(chan queued, size),
		logger: logger,
	}
}

// Publish never blocks. A full buffer drops the event.
func (q *Queue) Publish(ctx context.Context, event Event) error {
	select {
	case q.events <- queued{ctx: context.WithoutCancel(ctx), event: event}:
		return nil
	default:
		q.logger.Warn("event queue full; dropping event",
			zap.String("event_type", string(event.Type)),
			zap.String("ticket_id", event.TicketID),
		)
		return ErrQueueFull
	}
}

// Subscribe registers handler on the inner dispatcher.
func (q *Queue) Subscribe(eventType EventType, handler EventHandler) {
	q.inner.Subscribe(eventType, handler)
}

// Len reports how many events are waiting.
func (q *Queue) Len() int { return len(q.events) }

// Run delivers events in publish order until ctx is done, then flushes
// whatever is still buffered.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case item := <-q.events:
			q.dispatch(item)
		case <-ctx.Done():
			q.flush()
			return
		}
	}
}

func (q *Queue) flush() {
	for {
		select {
		case item := <-q.events:
			q.dispatch(item)
		default:
			return
		}
	}
}

func (q *Queue) dispatch(item queued) {
	if err := q.inner.Publish(item.ctx, item.event); err != nil {
		q.logger.Warn("dispatch queued event",
			zap.String("event_type", string(item.event.Type)),
			zap.String("ticket_id", item.event.TicketID),
			zap.Error(err),
		)
	}
}
