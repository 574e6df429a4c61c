// Package protocol defines the JSON frames exchanged over the support
// websocket. Both the server session and client.Manager speak it.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/spec-kit/support-realtime/internal/domain"
	apperrors "github.com/spec-kit/support-realtime/pkg/util/errorutil"
)

// FrameType names a frame on the wire.
type FrameType string

// Client to server.
const (
	FrameJoin           FrameType = "join"
	FrameLeave          FrameType = "leave"
	FrameSend           FrameType = "send"
	FrameTypingStart    FrameType = "typing.start"
	FrameTypingStop     FrameType = "typing.stop"
	FrameStatusSet      FrameType = "status.set"
	FrameFeedbackSubmit FrameType = "feedback.submit"
	FramePing           FrameType = "ping"
)

// Server to client.
const (
	FrameHello         FrameType = "hello"
	FrameAck           FrameType = "ack"
	FrameError         FrameType = "error"
	FrameMessageNew    FrameType = "message.new"
	FrameTypingChanged FrameType = "typing.changed"
	FrameStatusChanged FrameType = "status.changed"
	FramePong          FrameType = "pong"
)

// Envelope is the wire format for every frame.
type Envelope struct {
	Type      FrameType       `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	TicketID  string          `json:"ticket_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RoomScoped reports whether the frame belongs to a ticket room and must
// only reach current members.
func (e Envelope) RoomScoped() bool {
	switch e.Type {
	case FrameMessageNew, FrameTypingChanged, FrameStatusChanged:
		return e.TicketID != ""
	}
	return false
}

// HelloPayload is the first frame after a successful handshake.
type HelloPayload struct {
	ConnectionID string          `json:"connection_id"`
	Identity     domain.Identity `json:"identity"`
}

// SendPayload carries a draft for the router.
type SendPayload struct {
	Draft domain.MessageDraft `json:"draft"`
}

// StatusSetPayload requests a lifecycle transition.
type StatusSetPayload struct {
	Status string `json:"status"`
}

// FeedbackPayload carries the one-time rating of a closed ticket.
type FeedbackPayload struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

// JoinAck is returned for a successful join: the ticket snapshot, current
// typists and the backfill history.
type JoinAck struct {
	Ticket   domain.Ticket          `json:"ticket"`
	History  []domain.TicketMessage `json:"history"`
	Typists  []domain.Participant   `json:"typists"`
	Previous string                 `json:"previous_ticket_id,omitempty"`
}

// TypingChangedPayload is the full typist set of a ticket after a change.
type TypingChangedPayload struct {
	Typists []domain.Participant `json:"typists"`
}

// StatusChangedPayload carries the applied transition and the resulting
// ticket snapshot.
type StatusChangedPayload struct {
	Ticket domain.Ticket       `json:"ticket"`
	Change domain.StatusChange `json:"change"`
}

// ErrorPayload is the wire form of errorutil.DomainError.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// New builds an envelope with a JSON-encoded payload.
func New(frameType FrameType, ticketID string, payload any) (Envelope, error) {
	env := Envelope{Type: frameType, TicketID: ticketID}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", frameType, err)
	}
	env.Payload = raw
	return env, nil
}

// MustNew is New for payload types that always encode.
func MustNew(frameType FrameType, ticketID string, payload any) Envelope {
	env, err := New(frameType, ticketID, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return apperrors.NewValidationError("missing payload", map[string]any{"type": e.Type})
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return apperrors.NewValidationError("malformed payload", map[string]any{"type": e.Type})
	}
	return nil
}

// Ack builds a reply to the request identified by requestID.
func Ack(requestID, ticketID string, payload any) Envelope {
	env := MustNew(FrameAck, ticketID, payload)
	env.RequestID = requestID
	return env
}

// Error builds an error reply; the request id is empty for unsolicited errors.
func Error(requestID, ticketID string, err error) Envelope {
	domainErr := apperrors.ToDomainError(err)
	env := MustNew(FrameError, ticketID, ErrorPayload{
		Code:    domainErr.Code,
		Message: domainErr.Message,
		Details: domainErr.Details,
	})
	env.RequestID = requestID
	return env
}

// AsError converts an error frame back into a DomainError.
func (e Envelope) AsError() *apperrors.DomainError {
	var payload ErrorPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return apperrors.FromWire(apperrors.CodeInternal, "malformed error frame", nil)
	}
	return apperrors.FromWire(payload.Code, payload.Message, payload.Details)
}
