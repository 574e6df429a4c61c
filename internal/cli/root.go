package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spec-kit/support-realtime/internal/client"
	"github.com/spec-kit/support-realtime/internal/config"
	"github.com/spec-kit/support-realtime/internal/observability"
)

type globalFlags struct {
	Server   string
	Token    string
	LogLevel string
	Timeout  time.Duration
}

var (
	flags   globalFlags
	logger  = zap.NewNop()
	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "supportctl",
	Short: "Terminal client for the support realtime service",
	Long: `supportctl talks to the support realtime service over its websocket
endpoint. It can follow a ticket conversation, change a ticket's status
as an admin, submit feedback and mint development tokens.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if flags.LogLevel == "" {
			return nil
		}
		var err error
		logger, err = observability.NewLogger(config.LoggerConfig{Level: flags.LogLevel, Encoding: "console", Service: "supportctl", Version: version})
		if err != nil {
			return fmt.Errorf("failed to init logger: %w", err)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "supportctl %s\n", version)
	},
}

func init() {
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVarP(&flags.Server, "server", "s", envOr("SUPPORT_SERVER", "http://localhost:8080"), "base URL of the realtime service")
	rootCmd.PersistentFlags().StringVarP(&flags.Token, "token", "t", os.Getenv("SUPPORT_TOKEN"), "bearer token")
	rootCmd.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "enable structured logs at this level")
	rootCmd.PersistentFlags().DurationVar(&flags.Timeout, "timeout", 10*time.Second, "per-request timeout")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

func SetVersion(v string) {
	version = v
}

func Execute() error {
	return rootCmd.Execute()
}

func Root() *cobra.Command {
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// connect dials the service and completes the hello handshake.
func connect(ctx context.Context) (*client.Manager, error) {
	if flags.Token == "" {
		return nil, errors.New("a token is required (--token or SUPPORT_TOKEN)")
	}
	m := client.NewManager(client.NewWebSocketTransport(flags.Server, flags.Token), client.Options{
		RequestTimeout: flags.Timeout,
		Logger:         logger,
	})
	if err := m.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", flags.Server, err)
	}
	return m, nil
}
