package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var feedbackFlags struct {
	Rating  int
	Comment string
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback <ticket-id>",
	Short: "Rate a closed ticket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Disconnect() //nolint:errcheck

		ctx, cancel := context.WithTimeout(cmd.Context(), flags.Timeout)
		defer cancel()
		feedback, err := m.SubmitFeedback(ctx, args[0], feedbackFlags.Rating, feedbackFlags.Comment)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "recorded %d/5 for ticket %s\n", feedback.Rating, feedback.TicketID)
		return nil
	},
}

func init() {
	feedbackCmd.Flags().IntVarP(&feedbackFlags.Rating, "rating", "r", 0, "rating from 1 to 5")
	feedbackCmd.Flags().StringVarP(&feedbackFlags.Comment, "comment", "m", "", "optional comment")
	_ = feedbackCmd.MarkFlagRequired("rating")
}
