package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/support-realtime/internal/config"
	"github.com/spec-kit/support-realtime/internal/domain"
	"github.com/spec-kit/support-realtime/internal/events"
)

// WebhookPoster delivers one event to a webhook endpoint.
type WebhookPoster func(ctx context.Context, url string, event events.Event) error

// NotificationService turns chat events into out-of-band notifications:
// an email stub for whoever is not watching the room and a webhook post.
type NotificationService struct {
	dispatcher events.Dispatcher
	logger     *zap.Logger
	cfg        config.NotificationConfig
	post       WebhookPoster
}

// NewNotificationService creates the service.
func NewNotificationService(dispatcher events.Dispatcher, logger *zap.Logger, cfg config.NotificationConfig) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
		post:       postWebhook,
	}
}

// WithPoster replaces the webhook transport.
func (n *NotificationService) WithPoster(post WebhookPoster) *NotificationService {
	n.post = post
	return n
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventTicketMessageAdded, n.handleMessageAdded)
	n.dispatcher.Subscribe(events.EventTicketStatusChanged, n.handleStatusChanged)
	n.dispatcher.Subscribe(events.EventTicketFeedbackRecorded, n.handleFeedbackRecorded)
}

func (n *NotificationService) handleMessageAdded(ctx context.Context, event events.Event) error {
	payload, _ := event.Payload.(events.TicketMessageAddedPayload)
	n.logger.Info("ticket message added",
		zap.String("ticket_id", event.TicketID),
		zap.String("message_id", payload.MessageID),
		zap.String("sender_role", string(event.Actor.Role)),
	)
	if payload.Kind == domain.MessageKindSystem {
		return nil
	}
	recipient := "agents"
	if event.Actor.Role == domain.RoleAdmin {
		recipient = "customer"
	}
	n.sendEmail(event, recipient)
	return n.sendWebhook(ctx, event)
}

func (n *NotificationService) handleStatusChanged(ctx context.Context, event events.Event) error {
	payload, _ := event.Payload.(events.TicketStatusChangedPayload)
	n.logger.Info("ticket status changed",
		zap.String("ticket_id", event.TicketID),
		zap.String("from", string(payload.OldStatus)),
		zap.String("to", string(payload.NewStatus)),
	)
	if payload.NewStatus == domain.TicketStatusClosed {
		n.sendEmail(event, "customer")
	}
	return n.sendWebhook(ctx, event)
}

func (n *NotificationService) handleFeedbackRecorded(ctx context.Context, event events.Event) error {
	payload, _ := event.Payload.(events.TicketFeedbackRecordedPayload)
	n.logger.Info("ticket feedback recorded",
		zap.String("ticket_id", event.TicketID),
		zap.Int("rating", payload.Rating),
	)
	return n.sendWebhook(ctx, event)
}

func (n *NotificationService) sendEmail(event events.Event, recipient string) {
	if strings.TrimSpace(n.cfg.EmailFrom) == "" {
		return
	}
	n.logger.Debug("email notification queued",
		zap.String("from", n.cfg.EmailFrom),
		zap.String("to", recipient),
		zap.String("ticket_id", event.TicketID),
		zap.String("event_type", string(event.Type)))
}

func (n *NotificationService) sendWebhook(ctx context.Context, event events.Event) error {
	url := strings.TrimSpace(n.cfg.WebhookURL)
	if url == "" || n.post == nil {
		return nil
	}
	if err := n.post(ctx, url, event); err != nil {
		return fmt.Errorf("webhook %s: %w", event.Type, err)
	}
	return nil
}

func postWebhook(_ context.Context, url string, event events.Event) error {
	agent := fiber.Post(url).
		JSON(event).
		Set("X-Event-Type", string(event.Type)).
		Set("X-Event-ID", event.ID).
		Timeout(5 * time.Second)
	if err := agent.Parse(); err != nil {
		return err
	}
	code, _, errs := agent.Bytes()
	if len(errs) > 0 {
		return errs[0]
	}
	if code >= fiber.StatusBadRequest {
		return fmt.Errorf("unexpected status %d", code)
	}
	return nil
}
