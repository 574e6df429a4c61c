package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/support-realtime/internal/domain"
	apperrors "github.com/spec-kit/support-realtime/pkg/util/errorutil"
)

const ticketColumns = `id, customer_id, subject, status, priority, category,
               assigned_admin_id, feedback_recorded, created_at, last_message_at`

type postgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore builds the pgx-backed TicketStore.
func NewPostgresStore(pool *pgxpool.Pool) TicketStore {
	return &postgresStore{pool: pool}
}

func (s *postgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *postgresStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *postgresStore) CreateTicket(ctx context.Context, ticket *domain.Ticket) error {
	if ticket.Status == "" {
		ticket.Status = domain.TicketStatusOpen
	}
	if ticket.Priority == "" {
		ticket.Priority = domain.TicketPriorityMedium
	}
	if ticket.Category == "" {
		ticket.Category = domain.CategoryGeneral
	}
	const query = `
        INSERT INTO tickets (customer_id, subject, status, priority, category, assigned_admin_id)
        VALUES ($1,$2,$3,$4,$5,$6)
        RETURNING id, created_at`
	return s.pool.QueryRow(ctx, query,
		ticket.CustomerID,
		ticket.Subject,
		ticket.Status,
		ticket.Priority,
		ticket.Category,
		ticket.AssignedAdminID,
	).Scan(&ticket.ID, &ticket.CreatedAt)
}

func (s *postgresStore) GetTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ticketNotFound(id)
	}
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id=$1`
	ticket, err := scanTicket(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ticketNotFound(id)
	}
	return ticket, err
}

func (s *postgresStore) UpdateTicketStatus(ctx context.Context, change *domain.StatusChange) (*domain.Ticket, error) {
	var updated *domain.Ticket
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		// Guarded on the old status: a plan made from a stale snapshot
		// loses with CONFLICT.
		query := `
        UPDATE tickets SET status=$1, assigned_admin_id=$2
        WHERE id=$3 AND status=$4
        RETURNING ` + ticketColumns
		ticket, err := scanTicket(tx.QueryRow(ctx, query,
			change.NewStatus,
			change.AssignedAdminID,
			change.TicketID,
			change.OldStatus,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NewConflict("ticket status changed concurrently", map[string]any{
				"ticket_id": change.TicketID,
			})
		}
		if err != nil {
			return err
		}
		if err := insertStatusChange(ctx, tx, change); err != nil {
			return err
		}
		updated = ticket
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *postgresStore) RecordFeedback(ctx context.Context, feedback *domain.Feedback) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		const insert = `
        INSERT INTO ticket_feedback (ticket_id, rating, comment)
        VALUES ($1,$2,$3)
        ON CONFLICT (ticket_id) DO NOTHING
        RETURNING created_at`
		err := tx.QueryRow(ctx, insert, feedback.TicketID, feedback.Rating, feedback.Comment).
			Scan(&feedback.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NewConflict("feedback already recorded", map[string]any{
				"ticket_id": feedback.TicketID,
			})
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE tickets SET feedback_recorded=TRUE WHERE id=$1`, feedback.TicketID)
		return err
	})
}

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var ticket domain.Ticket
	if err := row.Scan(
		&ticket.ID,
		&ticket.CustomerID,
		&ticket.Subject,
		&ticket.Status,
		&ticket.Priority,
		&ticket.Category,
		&ticket.AssignedAdminID,
		&ticket.FeedbackRecorded,
		&ticket.CreatedAt,
		&ticket.LastMessageAt,
	); err != nil {
		return nil, err
	}
	return &ticket, nil
}

func ticketNotFound(id string) error {
	return apperrors.NewNotFound("ticket", map[string]any{"ticket_id": id})
}
