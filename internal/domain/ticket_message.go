package domain

import (
	"strings"
	"time"
)

// MessageKind differentiates how a message is rendered.
type MessageKind string

const (
	MessageKindText      MessageKind = "text"
	MessageKindAutoReply MessageKind = "auto-reply"
	MessageKindSystem    MessageKind = "system"
	MessageKindFile      MessageKind = "file"
	MessageKindImage     MessageKind = "image"
)

// Sender identifies who authored a message.
type Sender struct {
	Role Role    `json:"role"`
	ID   *string `json:"id,omitempty"`
}

// Same reports whether both senders have the same role and identity.
func (s Sender) Same(other Sender) bool {
	if s.Role != other.Role {
		return false
	}
	if s.ID == nil || other.ID == nil {
		return s.ID == nil && other.ID == nil
	}
	return *s.ID == *other.ID
}

// TicketMessage captures one entry of a ticket conversation. It is created
// once by the store and never mutated.
type TicketMessage struct {
	ID          string                `json:"id"`
	TicketID    string                `json:"ticket_id"`
	Sender      Sender                `json:"sender"`
	Body        string                `json:"body"`
	Kind        MessageKind           `json:"kind"`
	Attachments []AttachmentReference `json:"attachments,omitempty"`
	Timestamp   time.Time             `json:"timestamp"`
}

// AttachmentReference is produced by the upload service; the message layer
// only carries it.
type AttachmentReference struct {
	URL      string `json:"url"`
	FileName string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// MessageDraft is an outbound message before the store assigns identity.
type MessageDraft struct {
	ClientMessageID string                `json:"client_message_id,omitempty"`
	Body            string                `json:"body"`
	Kind            MessageKind           `json:"kind,omitempty"`
	Attachments     []AttachmentReference `json:"attachments,omitempty"`
}

// Empty reports whether the draft has neither text nor attachments.
func (d MessageDraft) Empty() bool {
	return strings.TrimSpace(d.Body) == "" && len(d.Attachments) == 0
}

// ResolvedKind infers a kind from the attachments when none was given.
func (d MessageDraft) ResolvedKind() MessageKind {
	if d.Kind != "" {
		return d.Kind
	}
	if len(d.Attachments) == 0 {
		return MessageKindText
	}
	if strings.HasPrefix(d.Attachments[0].MimeType, "image/") {
		return MessageKindImage
	}
	return MessageKindFile
}
