package domain

import "time"

// StatusChange records one lifecycle transition. It is broadcast to the
// ticket room and published as a domain event.
type StatusChange struct {
	TicketID        string       `json:"ticket_id"`
	OldStatus       TicketStatus `json:"old_status"`
	NewStatus       TicketStatus `json:"new_status"`
	ChangedBy       Identity     `json:"changed_by"`
	AssignedAdminID *string      `json:"assigned_admin_id,omitempty"`
	ChangedAt       time.Time    `json:"changed_at"`
}
