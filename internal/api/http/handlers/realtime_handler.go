package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/support-realtime/internal/domain"
	"github.com/spec-kit/support-realtime/internal/lifecycle"
	"github.com/spec-kit/support-realtime/internal/realtime"
	"github.com/spec-kit/support-realtime/internal/repository"
)

// RealtimeHandler exposes operational views of the live chat state to admins.
type RealtimeHandler struct {
	router *realtime.Router
	store  repository.TicketStore
}

// NewRealtimeHandler constructs handler.
func NewRealtimeHandler(router *realtime.Router, store repository.TicketStore) *RealtimeHandler {
	return &RealtimeHandler{router: router, store: store}
}

// Stats GET /admin/realtime/stats.
func (h *RealtimeHandler) Stats(c *fiber.Ctx) error {
	rooms, members := h.router.Registry().Stats()
	return c.JSON(fiber.Map{"data": fiber.Map{
		"rooms":   rooms,
		"members": members,
	}})
}

// RoomMembers GET /admin/tickets/:id/members.
func (h *RealtimeHandler) RoomMembers(c *fiber.Ctx) error {
	ticketID := c.Params("id")
	members := h.router.Registry().MembersOf(ticketID)
	items := make([]fiber.Map, 0, len(members))
	for _, conn := range members {
		items = append(items, fiber.Map{
			"connection_id": conn.ID(),
			"user_id":       conn.Identity().ID,
			"role":          conn.Identity().Role,
		})
	}
	return c.JSON(fiber.Map{"data": fiber.Map{
		"members": items,
		"typists": h.router.Presence().Typists(ticketID),
	}})
}

// StatusHistory GET /admin/tickets/:id/status-changes. meta.next lists the
// statuses the ticket can move to.
func (h *RealtimeHandler) StatusHistory(c *fiber.Ctx) error {
	ticketID := c.Params("id")
	ticket, err := h.store.GetTicket(c.UserContext(), ticketID)
	if err != nil {
		return err
	}
	changes, err := h.store.ListStatusChanges(c.UserContext(), ticketID)
	if err != nil {
		return err
	}
	if changes == nil {
		changes = []domain.StatusChange{}
	}
	return c.JSON(fiber.Map{
		"data": changes,
		"meta": fiber.Map{
			"status": ticket.Status,
			"next":   lifecycle.Next(ticket.Status),
		},
	})
}
