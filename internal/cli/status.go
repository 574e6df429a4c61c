package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spec-kit/support-realtime/internal/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status <ticket-id> <status>",
	Short: "Change a ticket's status (admins only)",
	Long: `Change a ticket's status. Accepted values are open, in-progress,
resolved and closed. Every member of the ticket room sees the change.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, ok := domain.ParseTicketStatus(args[1])
		if !ok {
			return fmt.Errorf("unknown status %q", args[1])
		}

		m, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Disconnect() //nolint:errcheck

		ctx, cancel := context.WithTimeout(cmd.Context(), flags.Timeout)
		defer cancel()
		ticket, err := m.SetStatus(ctx, args[0], status)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ticket %s is now %s\n", ticket.ID, ticket.Status)
		return nil
	},
}
