package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spec-kit/support-realtime/internal/config"
	"github.com/spec-kit/support-realtime/internal/domain"
	"github.com/spec-kit/support-realtime/internal/events"
)

type webhookRecorder struct {
	urls   []string
	events []events.EventType
	err    error
}

func (r *webhookRecorder) post(_ context.Context, url string, event events.Event) error {
	r.urls = append(r.urls, url)
	r.events = append(r.events, event.Type)
	return r.err
}

func newNotifier(t *testing.T, cfg config.NotificationConfig) (events.Dispatcher, *webhookRecorder, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	dispatcher := events.NewInMemoryDispatcher(logger)
	recorder := &webhookRecorder{}
	NewNotificationService(dispatcher, logger, cfg).WithPoster(recorder.post).RegisterHandlers()
	return dispatcher, recorder, logs
}

func agentMessage() domain.TicketMessage {
	id := "adm-1"
	return domain.TicketMessage{
		ID:        "m-1",
		TicketID:  "t-1",
		Sender:    domain.Sender{Role: domain.RoleAdmin, ID: &id},
		Body:      "Your parcel ships today",
		Kind:      domain.MessageKindText,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNotificationsPostEveryChatEvent(t *testing.T) {
	dispatcher, recorder, logs := newNotifier(t, config.NotificationConfig{
		EmailFrom:  "support@example.com",
		WebhookURL: "https://hooks.example.com/support",
	})
	ctx := context.Background()

	require.NoError(t, dispatcher.Publish(ctx, events.MessageAdded(agentMessage())))
	require.NoError(t, dispatcher.Publish(ctx, events.StatusChanged(domain.StatusChange{
		TicketID:  "t-1",
		OldStatus: domain.TicketStatusInProgress,
		NewStatus: domain.TicketStatusClosed,
		ChangedBy: domain.Identity{ID: "adm-1", Role: domain.RoleAdmin},
	})))
	require.NoError(t, dispatcher.Publish(ctx, events.FeedbackRecorded(
		domain.Feedback{TicketID: "t-1", Rating: 5},
		domain.Identity{ID: "cus-1", Role: domain.RoleUser},
	)))

	assert.Equal(t, []events.EventType{
		events.EventTicketMessageAdded,
		events.EventTicketStatusChanged,
		events.EventTicketFeedbackRecorded,
	}, recorder.events)

	emails := logs.FilterMessage("email notification queued").All()
	require.Len(t, emails, 2)
	assert.Equal(t, "customer", emails[0].ContextMap()["to"])
}

func TestNotificationsSkipSystemMessagesAndEmptyConfig(t *testing.T) {
	dispatcher, recorder, logs := newNotifier(t, config.NotificationConfig{})
	msg := agentMessage()
	msg.Kind = domain.MessageKindSystem

	require.NoError(t, dispatcher.Publish(context.Background(), events.MessageAdded(msg)))
	require.NoError(t, dispatcher.Publish(context.Background(), events.MessageAdded(agentMessage())))

	assert.Empty(t, recorder.events)
	assert.Zero(t, logs.FilterMessage("email notification queued").Len())
	assert.Equal(t, 2, logs.FilterMessage("ticket message added").Len())
}

func TestWebhookFailureIsLoggedByDispatcher(t *testing.T) {
	dispatcher, recorder, logs := newNotifier(t, config.NotificationConfig{WebhookURL: "https://hooks.example.com"})
	recorder.err = errors.New("connection refused")

	err := dispatcher.Publish(context.Background(), events.MessageAdded(agentMessage()))
	require.NoError(t, err)
	assert.Len(t, recorder.events, 1)
	assert.Equal(t, 1, logs.FilterMessage("event handler failed").Len())
}
