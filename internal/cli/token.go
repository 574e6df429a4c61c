package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spec-kit/support-realtime/internal/auth"
	"github.com/spec-kit/support-realtime/internal/domain"
)

var tokenFlags struct {
	Secret string
	ID     string
	Name   string
	Role   string
	TTL    int
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a signed access token for local testing",
	Long: `Mint an HS256 access token with the same secret the service verifies
against. Intended for development; production tokens come from the
auth service.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		role := domain.Role(tokenFlags.Role)
		if !role.Valid() {
			return fmt.Errorf("unknown role %q (want user or admin)", tokenFlags.Role)
		}
		if tokenFlags.ID == "" {
			return fmt.Errorf("--id is required")
		}
		tokens := auth.NewTokenManager(tokenFlags.Secret, tokenFlags.TTL)
		token, expires, err := tokens.GenerateToken(domain.Identity{
			ID:   tokenFlags.ID,
			Name: tokenFlags.Name,
			Role: role,
		})
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format("2006-01-02 15:04:05"))
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenFlags.Secret, "secret", envOr("AUTH_JWT_SECRET", "dev-secret"), "HMAC secret")
	tokenCmd.Flags().StringVar(&tokenFlags.ID, "id", "", "subject id")
	tokenCmd.Flags().StringVar(&tokenFlags.Name, "name", "", "display name")
	tokenCmd.Flags().StringVar(&tokenFlags.Role, "role", string(domain.RoleUser), "user or admin")
	tokenCmd.Flags().IntVar(&tokenFlags.TTL, "ttl", 60, "lifetime in minutes")
}
