package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/support-realtime/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventTicketMessageAdded     EventType = "ticket_message_added"
	EventTicketStatusChanged    EventType = "ticket_status_changed"
	EventTicketFeedbackRecorded EventType = "ticket_feedback_recorded"
)

// AllEventTypes lists every type the router publishes.
var AllEventTypes = []EventType{
	EventTicketMessageAdded,
	EventTicketStatusChanged,
	EventTicketFeedbackRecorded,
}

// Actor encapsulates actor metadata for an event.
type Actor struct {
	ID   string      `json:"id,omitempty"`
	Role domain.Role `json:"role"`
}

// Event represents a domain event emitted by the router.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	TicketID  string    `json:"ticket_id"`
	Actor     Actor     `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// TicketMessageAddedPayload payload.
type TicketMessageAddedPayload struct {
	MessageID       string             `json:"message_id"`
	Kind            domain.MessageKind `json:"kind"`
	BodyPreview     string             `json:"body_preview"`
	AttachmentCount int                `json:"attachment_count"`
}

// TicketStatusChangedPayload payload.
type TicketStatusChangedPayload struct {
	OldStatus       domain.TicketStatus `json:"old_status"`
	NewStatus       domain.TicketStatus `json:"new_status"`
	AssignedAdminID *string             `json:"assigned_admin_id,omitempty"`
}

// TicketFeedbackRecordedPayload payload.
type TicketFeedbackRecordedPayload struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

const previewLength = 140

// MessageAdded builds the event for a persisted message.
func MessageAdded(msg domain.TicketMessage) Event {
	actor := Actor{Role: msg.Sender.Role}
	if msg.Sender.ID != nil {
		actor.ID = *msg.Sender.ID
	}
	preview := []rune(msg.Body)
	if len(preview) > previewLength {
		preview = preview[:previewLength]
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      EventTicketMessageAdded,
		TicketID:  msg.TicketID,
		Actor:     actor,
		Timestamp: msg.Timestamp,
		Payload: TicketMessageAddedPayload{
			MessageID:       msg.ID,
			Kind:            msg.Kind,
			BodyPreview:     string(preview),
			AttachmentCount: len(msg.Attachments),
		},
	}
}

// StatusChanged builds the event for an applied transition.
func StatusChanged(change domain.StatusChange) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      EventTicketStatusChanged,
		TicketID:  change.TicketID,
		Actor:     Actor{ID: change.ChangedBy.ID, Role: change.ChangedBy.Role},
		Timestamp: change.ChangedAt,
		Payload: TicketStatusChangedPayload{
			OldStatus:       change.OldStatus,
			NewStatus:       change.NewStatus,
			AssignedAdminID: change.AssignedAdminID,
		},
	}
}

// FeedbackRecorded builds the event for a customer rating.
func FeedbackRecorded(feedback domain.Feedback, by domain.Identity) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      EventTicketFeedbackRecorded,
		TicketID:  feedback.TicketID,
		Actor:     Actor{ID: by.ID, Role: by.Role},
		Timestamp: feedback.CreatedAt,
		Payload: TicketFeedbackRecordedPayload{
			Rating:  feedback.Rating,
			Comment: feedback.Comment,
		},
	}
}
