package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/support-realtime/internal/domain"
	apperrors "github.com/spec-kit/support-realtime/pkg/util/errorutil"
)

// MemoryStore is a TicketStore kept in process memory. It backs local runs
// without POSTGRES_DSN and the package tests.
type MemoryStore struct {
	mu       sync.RWMutex
	now      func() time.Time
	tickets  map[string]*domain.Ticket
	messages map[string][]domain.TicketMessage
	history  map[string][]domain.StatusChange
	feedback map[string]domain.Feedback
}

// NewMemoryStore returns an empty store. A nil clock selects time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:      now,
		tickets:  make(map[string]*domain.Ticket),
		messages: make(map[string][]domain.TicketMessage),
		history:  make(map[string][]domain.StatusChange),
		feedback: make(map[string]domain.Feedback),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) CreateTicket(_ context.Context, ticket *domain.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ticket.ID == "" {
		ticket.ID = uuid.NewString()
	}
	if _, exists := s.tickets[ticket.ID]; exists {
		return apperrors.NewConflict("ticket already exists", map[string]any{"ticket_id": ticket.ID})
	}
	if ticket.Status == "" {
		ticket.Status = domain.TicketStatusOpen
	}
	if ticket.Priority == "" {
		ticket.Priority = domain.TicketPriorityMedium
	}
	if ticket.Category == "" {
		ticket.Category = domain.CategoryGeneral
	}
	if ticket.CreatedAt.IsZero() {
		ticket.CreatedAt = s.now().UTC()
	}
	stored := copyTicket(*ticket)
	s.tickets[ticket.ID] = &stored
	return nil
}

func (s *MemoryStore) GetTicket(_ context.Context, id string) (*domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ticket, ok := s.tickets[id]
	if !ok {
		return nil, ticketNotFound(id)
	}
	out := copyTicket(*ticket)
	return &out, nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, msg *domain.TicketMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[msg.TicketID]
	if !ok {
		return ticketNotFound(msg.TicketID)
	}
	msg.ID = uuid.NewString()
	msg.Timestamp = s.now().UTC()
	s.messages[msg.TicketID] = append(s.messages[msg.TicketID], copyMessage(*msg))

	at := msg.Timestamp
	ticket.LastMessageAt = &at
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, ticketID, messageID string) (*domain.TicketMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, msg := range s.messages[ticketID] {
		if msg.ID == messageID {
			out := copyMessage(msg)
			return &out, nil
		}
	}
	return nil, messageNotFound(messageID)
}

// ListMessages returns the history in persist order, which is also
// timestamp order since the store assigns timestamps.
func (s *MemoryStore) ListMessages(_ context.Context, ticketID string) ([]domain.TicketMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tickets[ticketID]; !ok {
		return nil, ticketNotFound(ticketID)
	}
	out := make([]domain.TicketMessage, 0, len(s.messages[ticketID]))
	for _, msg := range s.messages[ticketID] {
		out = append(out, copyMessage(msg))
	}
	return out, nil
}

func (s *MemoryStore) UpdateTicketStatus(_ context.Context, change *domain.StatusChange) (*domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[change.TicketID]
	if !ok {
		return nil, ticketNotFound(change.TicketID)
	}
	if ticket.Status != change.OldStatus {
		return nil, apperrors.NewConflict("ticket status changed concurrently", map[string]any{
			"ticket_id": change.TicketID,
		})
	}
	ticket.Status = change.NewStatus
	ticket.AssignedAdminID = copyString(change.AssignedAdminID)
	change.ChangedAt = s.now().UTC()
	s.history[change.TicketID] = append(s.history[change.TicketID], *change)

	out := copyTicket(*ticket)
	return &out, nil
}

func (s *MemoryStore) ListStatusChanges(_ context.Context, ticketID string) ([]domain.StatusChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.StatusChange(nil), s.history[ticketID]...), nil
}

func (s *MemoryStore) RecordFeedback(_ context.Context, feedback *domain.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[feedback.TicketID]
	if !ok {
		return ticketNotFound(feedback.TicketID)
	}
	if _, exists := s.feedback[feedback.TicketID]; exists {
		return apperrors.NewConflict("feedback already recorded", map[string]any{
			"ticket_id": feedback.TicketID,
		})
	}
	feedback.CreatedAt = s.now().UTC()
	s.feedback[feedback.TicketID] = *feedback
	ticket.FeedbackRecorded = true
	return nil
}

// Feedback returns the recorded feedback of a ticket, if any.
func (s *MemoryStore) Feedback(ticketID string) (domain.Feedback, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fb, ok := s.feedback[ticketID]
	return fb, ok
}

func copyTicket(t domain.Ticket) domain.Ticket {
	t.AssignedAdminID = copyString(t.AssignedAdminID)
	if t.LastMessageAt != nil {
		at := *t.LastMessageAt
		t.LastMessageAt = &at
	}
	return t
}

func copyMessage(m domain.TicketMessage) domain.TicketMessage {
	m.Sender.ID = copyString(m.Sender.ID)
	if m.Attachments != nil {
		m.Attachments = append([]domain.AttachmentReference(nil), m.Attachments...)
	}
	return m
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
