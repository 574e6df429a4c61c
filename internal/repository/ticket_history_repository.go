package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/support-realtime/internal/domain"
)

func insertStatusChange(ctx context.Context, tx pgx.Tx, change *domain.StatusChange) error {
	const query = `
        INSERT INTO ticket_status_changes (ticket_id, old_status, new_status, changed_by_id, changed_by_role, changed_by_name, assigned_admin_id)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        RETURNING changed_at`
	return tx.QueryRow(ctx, query,
		change.TicketID,
		change.OldStatus,
		change.NewStatus,
		change.ChangedBy.ID,
		change.ChangedBy.Role,
		change.ChangedBy.Name,
		change.AssignedAdminID,
	).Scan(&change.ChangedAt)
}

func (s *postgresStore) ListStatusChanges(ctx context.Context, ticketID string) ([]domain.StatusChange, error) {
	const query = `
        SELECT ticket_id, old_status, new_status, changed_by_id, changed_by_role, changed_by_name, assigned_admin_id, changed_at
        FROM ticket_status_changes WHERE ticket_id=$1 ORDER BY changed_at ASC, id ASC`
	rows, err := s.pool.Query(ctx, query, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.StatusChange
	for rows.Next() {
		var change domain.StatusChange
		if err := rows.Scan(
			&change.TicketID,
			&change.OldStatus,
			&change.NewStatus,
			&change.ChangedBy.ID,
			&change.ChangedBy.Role,
			&change.ChangedBy.Name,
			&change.AssignedAdminID,
			&change.ChangedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, change)
	}
	return result, rows.Err()
}
