package domain

import (
	"strings"
	"time"
)

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusOpen       TicketStatus = "open"
	TicketStatusInProgress TicketStatus = "in_progress"
	TicketStatusResolved   TicketStatus = "resolved"
	TicketStatusClosed     TicketStatus = "closed"
)

// ParseTicketStatus accepts both the console ("in-progress") and widget
// ("in_progress") spellings and upper-case legacy values.
func ParseTicketStatus(raw string) (TicketStatus, bool) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	switch TicketStatus(normalized) {
	case TicketStatusOpen, TicketStatusInProgress, TicketStatusResolved, TicketStatusClosed:
		return TicketStatus(normalized), true
	}
	return "", false
}

// TicketPriority enumerates SLA urgency.
type TicketPriority string

const (
	TicketPriorityLow    TicketPriority = "low"
	TicketPriorityMedium TicketPriority = "medium"
	TicketPriorityHigh   TicketPriority = "high"
	TicketPriorityUrgent TicketPriority = "urgent"
)

// TicketCategory tags what the ticket is about.
type TicketCategory string

const (
	CategoryGeneral   TicketCategory = "general"
	CategoryOrder     TicketCategory = "order"
	CategoryTechnical TicketCategory = "technical"
	CategoryBilling   TicketCategory = "billing"
	CategoryReturn    TicketCategory = "return"
	CategoryProduct   TicketCategory = "product"
	CategoryPayment   TicketCategory = "payment"
	CategoryRefund    TicketCategory = "refund"
)

// Ticket is the aggregate for support conversations.
type Ticket struct {
	ID               string         `json:"id"`
	CustomerID       string         `json:"customer_id"`
	Subject          string         `json:"subject"`
	Status           TicketStatus   `json:"status"`
	Priority         TicketPriority `json:"priority"`
	Category         TicketCategory `json:"category"`
	AssignedAdminID  *string        `json:"assigned_admin_id,omitempty"`
	FeedbackRecorded bool           `json:"feedback_recorded"`
	CreatedAt        time.Time      `json:"created_at"`
	LastMessageAt    *time.Time     `json:"last_message_at,omitempty"`
}

// IsClosed reports whether the ticket reached its terminal state.
func (t *Ticket) IsClosed() bool {
	return t.Status == TicketStatusClosed
}

// Feedback is the customer's rating of a closed ticket.
type Feedback struct {
	TicketID  string    `json:"ticket_id"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
