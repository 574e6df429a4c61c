// Package lifecycle holds the ticket status state machine: which
// transitions exist, who may request them, and how assignment follows.
package lifecycle

import (
	"time"

	"github.com/spec-kit/support-realtime/internal/domain"
	apperrors "github.com/spec-kit/support-realtime/pkg/util/errorutil"
)

var allowedTransitions = map[domain.TicketStatus][]domain.TicketStatus{
	domain.TicketStatusOpen:       {domain.TicketStatusInProgress, domain.TicketStatusClosed},
	domain.TicketStatusInProgress: {domain.TicketStatusResolved, domain.TicketStatusClosed},
	domain.TicketStatusResolved:   {domain.TicketStatusClosed},
	domain.TicketStatusClosed:     {},
}

// CanTransition reports whether current -> next is an edge of the machine.
func CanTransition(current, next domain.TicketStatus) bool {
	for _, candidate := range allowedTransitions[current] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Next lists the statuses reachable from current.
func Next(current domain.TicketStatus) []domain.TicketStatus {
	return append([]domain.TicketStatus(nil), allowedTransitions[current]...)
}

// Plan validates a transition requested by actor and returns the change to
// apply. The ticket is not modified.
func Plan(ticket *domain.Ticket, next domain.TicketStatus, actor domain.Identity, now time.Time) (*domain.StatusChange, error) {
	if !actor.IsAdmin() {
		return nil, apperrors.NewForbidden("only admins may change ticket status")
	}
	if _, ok := allowedTransitions[next]; !ok {
		return nil, apperrors.NewValidationError("unknown status", map[string]any{"status": next})
	}
	if !CanTransition(ticket.Status, next) {
		return nil, apperrors.NewInvalidTransition(string(ticket.Status), string(next))
	}

	change := &domain.StatusChange{
		TicketID:        ticket.ID,
		OldStatus:       ticket.Status,
		NewStatus:       next,
		ChangedBy:       actor,
		AssignedAdminID: ticket.AssignedAdminID,
		ChangedAt:       now,
	}
	switch next {
	case domain.TicketStatusInProgress:
		if change.AssignedAdminID == nil {
			adminID := actor.ID
			change.AssignedAdminID = &adminID
		}
	case domain.TicketStatusClosed:
		change.AssignedAdminID = nil
	}
	return change, nil
}

// Apply copies a planned change onto the ticket.
func Apply(ticket *domain.Ticket, change *domain.StatusChange) {
	ticket.Status = change.NewStatus
	ticket.AssignedAdminID = change.AssignedAdminID
}

// FeedbackPrompt tracks the client-side one-time feedback prompt. A prompt
// fires on the first observed transition into closed for a ticket whose
// feedback is not recorded, and never again once shown or recorded.
type FeedbackPrompt struct {
	prompted map[string]bool
	recorded map[string]bool
}

// NewFeedbackPrompt returns an empty prompt tracker.
func NewFeedbackPrompt() *FeedbackPrompt {
	return &FeedbackPrompt{
		prompted: make(map[string]bool),
		recorded: make(map[string]bool),
	}
}

// MarkRecorded notes that feedback exists for the ticket.
func (f *FeedbackPrompt) MarkRecorded(ticketID string) {
	f.recorded[ticketID] = true
}

// Observe reports whether a prompt should be shown for the ticket now.
func (f *FeedbackPrompt) Observe(ticket domain.Ticket) bool {
	if ticket.FeedbackRecorded {
		f.recorded[ticket.ID] = true
	}
	if ticket.Status != domain.TicketStatusClosed {
		return false
	}
	if f.recorded[ticket.ID] || f.prompted[ticket.ID] {
		return false
	}
	f.prompted[ticket.ID] = true
	return true
}
