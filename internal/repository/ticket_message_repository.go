package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/support-realtime/internal/domain"
	apperrors "github.com/spec-kit/support-realtime/pkg/util/errorutil"
)

const messageColumns = `id, ticket_id, sender_role, sender_id, body, kind, attachments, created_at`

func (s *postgresStore) CreateMessage(ctx context.Context, msg *domain.TicketMessage) error {
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []domain.AttachmentReference{}
	}
	encoded, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		const insert = `
        INSERT INTO ticket_messages (ticket_id, sender_role, sender_id, body, kind, attachments)
        VALUES ($1,$2,$3,$4,$5,$6)
        RETURNING id, created_at`
		if err := tx.QueryRow(ctx, insert,
			msg.TicketID,
			msg.Sender.Role,
			msg.Sender.ID,
			msg.Body,
			msg.Kind,
			encoded,
		).Scan(&msg.ID, &msg.Timestamp); err != nil {
			return err
		}

		cmd, err := tx.Exec(ctx, `UPDATE tickets SET last_message_at=$1 WHERE id=$2`, msg.Timestamp, msg.TicketID)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return ticketNotFound(msg.TicketID)
		}
		return nil
	})
}

func (s *postgresStore) GetMessage(ctx context.Context, ticketID, messageID string) (*domain.TicketMessage, error) {
	if _, err := uuid.Parse(messageID); err != nil {
		return nil, messageNotFound(messageID)
	}
	query := `SELECT ` + messageColumns + ` FROM ticket_messages WHERE ticket_id=$1 AND id=$2`
	msg, err := scanMessage(s.pool.QueryRow(ctx, query, ticketID, messageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, messageNotFound(messageID)
	}
	return msg, err
}

func (s *postgresStore) ListMessages(ctx context.Context, ticketID string) ([]domain.TicketMessage, error) {
	if _, err := uuid.Parse(ticketID); err != nil {
		return nil, ticketNotFound(ticketID)
	}
	query := `SELECT ` + messageColumns + `
        FROM ticket_messages WHERE ticket_id=$1 ORDER BY created_at ASC, id ASC`
	rows, err := s.pool.Query(ctx, query, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []domain.TicketMessage{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *msg)
	}
	return result, rows.Err()
}

func scanMessage(row pgx.Row) (*domain.TicketMessage, error) {
	var (
		msg         domain.TicketMessage
		attachments []byte
	)
	if err := row.Scan(
		&msg.ID,
		&msg.TicketID,
		&msg.Sender.Role,
		&msg.Sender.ID,
		&msg.Body,
		&msg.Kind,
		&attachments,
		&msg.Timestamp,
	); err != nil {
		return nil, err
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of %s: %w", msg.ID, err)
		}
		if len(msg.Attachments) == 0 {
			msg.Attachments = nil
		}
	}
	return &msg, nil
}

func messageNotFound(id string) error {
	return apperrors.NewNotFound("message", map[string]any{"message_id": id})
}
