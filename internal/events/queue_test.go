package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestQueueDeliversInPublishOrder(t *testing.T) {
	q := NewQueue(NewInMemoryDispatcher(nil), 16, zap.NewNop())
	var (
		mu   sync.Mutex
		seen []string
	)
	q.Subscribe(EventTicketMessageAdded, func(_ context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.TicketID)
		return nil
	})
	for _, id := range []string{"t-1", "t-2", "t-3"} {
		require.NoError(t, q.Publish(context.Background(), Event{Type: EventTicketMessageAdded, TicketID: id}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []string{"t-1", "t-2", "t-3"}, seen)
}

func TestQueueDropsWhenFull(t *testing.T) {
	q := NewQueue(NewInMemoryDispatcher(nil), 1, zap.NewNop())

	require.NoError(t, q.Publish(context.Background(), Event{Type: EventTicketMessageAdded}))
	err := q.Publish(context.Background(), Event{Type: EventTicketMessageAdded})

	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.Equal(t, 1, q.Len())
}

func TestQueueHandlerOutlivesPublisherContext(t *testing.T) {
	q := NewQueue(NewInMemoryDispatcher(nil), 4, zap.NewNop())
	got := make(chan error, 1)
	q.Subscribe(EventTicketStatusChanged, func(ctx context.Context, _ Event) error {
		got <- ctx.Err()
		return nil
	})

	pubCtx, cancelPub := context.WithCancel(context.Background())
	require.NoError(t, q.Publish(pubCtx, Event{Type: EventTicketStatusChanged}))
	cancelPub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	select {
	case err := <-got:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}
}
