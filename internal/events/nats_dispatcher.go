package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher is the subset of *nats.Conn the dispatcher needs.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

type natsDispatcher struct {
	local  Dispatcher
	conn   Publisher
	prefix string
	logger *zap.Logger
}

// NewNATSDispatcher fans every event out to local subscribers and then to
// NATS so other services (CRM, analytics) can follow ticket activity.
func NewNATSDispatcher(local Dispatcher, conn Publisher, prefix string, logger *zap.Logger) Dispatcher {
	if prefix == "" {
		prefix = "support"
	}
	return &natsDispatcher{local: local, conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the NATS subject an event is published on.
func Subject(prefix string, event Event) string {
	return fmt.Sprintf("%s.ticket.%s.%s", prefix, event.TicketID, event.Type)
}

func (d *natsDispatcher) Publish(ctx context.Context, event Event) error {
	if err := d.local.Publish(ctx, event); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := nats.NewMsg(Subject(d.prefix, event))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, event.ID)
	msg.Header.Set("Event-Type", string(event.Type))

	// The store already holds the record; a bus failure must not fail the
	// originating operation.
	if err := d.conn.PublishMsg(msg); err != nil {
		d.logger.Warn("nats publish failed",
			zap.String("subject", msg.Subject),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
	return nil
}

func (d *natsDispatcher) Subscribe(eventType EventType, handler EventHandler) {
	d.local.Subscribe(eventType, handler)
}
