package repository

import (
	"context"

	"github.com/spec-kit/support-realtime/internal/domain"
)

// TicketStore is the authoritative ticket/message store. Every
// implementation assigns message ids and timestamps itself.
type TicketStore interface {
	CreateTicket(ctx context.Context, ticket *domain.Ticket) error
	GetTicket(ctx context.Context, id string) (*domain.Ticket, error)

	// CreateMessage persists msg, filling ID and Timestamp, and bumps the
	// ticket's last_message_at in the same unit of work.
	CreateMessage(ctx context.Context, msg *domain.TicketMessage) error
	GetMessage(ctx context.Context, ticketID, messageID string) (*domain.TicketMessage, error)
	ListMessages(ctx context.Context, ticketID string) ([]domain.TicketMessage, error)

	// UpdateTicketStatus applies change and appends it to the ticket history.
	UpdateTicketStatus(ctx context.Context, change *domain.StatusChange) (*domain.Ticket, error)
	ListStatusChanges(ctx context.Context, ticketID string) ([]domain.StatusChange, error)

	// RecordFeedback stores the rating once. A second call fails with
	// errorutil.ErrConflict.
	RecordFeedback(ctx context.Context, feedback *domain.Feedback) error

	Ping(ctx context.Context) error
}
