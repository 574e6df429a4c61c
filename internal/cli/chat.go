package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spec-kit/support-realtime/internal/client"
	"github.com/spec-kit/support-realtime/internal/domain"
	"github.com/spec-kit/support-realtime/internal/protocol"
	apperrors "github.com/spec-kit/support-realtime/pkg/util/errorutil"
)

var chatFlags struct {
	UploadURL string
}

var chatCmd = &cobra.Command{
	Use:   "chat <ticket-id>",
	Short: "Follow a ticket conversation and reply from the terminal",
	Long: `Join a ticket room, print its history and every new message, and send
each line read from stdin. Lines starting with a slash are commands:

  /status <value>        change the ticket status (admins)
  /rate <1-5> [comment]  rate a closed ticket
  /attach <path>         upload a file and send it
  /reconnect             retry after the connection gave up
  /quit                  leave`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		m, err := connect(ctx)
		if err != nil {
			return err
		}
		defer m.Disconnect() //nolint:errcheck

		out := cmd.OutOrStdout()
		errOut := cmd.ErrOrStderr()
		printer := newTranscript(out, m.Identity())

		session := client.NewSession(m, client.SessionOptions{
			Logger: logger,
			OnFeedbackPrompt: func(ticket domain.Ticket) {
				fmt.Fprintf(errOut, "* ticket %s is closed. rate it with /rate <1-5> [comment]\n", ticket.ID)
			},
			OnRejoin: func(ticketID string, err error) {
				if err != nil {
					fmt.Fprintf(errOut, "* could not rejoin %s: %v\n", ticketID, err)
				}
			},
		})
		defer session.Close()

		m.OnMessage(printer.print)
		m.OnStatusChange(func(p protocol.StatusChangedPayload) {
			fmt.Fprintf(errOut, "* status %s -> %s\n", p.Change.OldStatus, p.Change.NewStatus)
		})
		m.OnTypingChange(func(client.TypingChange) {
			if typists := session.Typists(); len(typists) > 0 {
				fmt.Fprintf(errOut, "* %s typing...\n", typistNames(typists))
			}
		})
		m.OnError(func(err *apperrors.DomainError) {
			fmt.Fprintf(errOut, "* server: %s\n", err.Message)
		})
		m.OnConnectionStateChange(func(change client.StateChange) {
			switch {
			case change.Err != nil:
				fmt.Fprintf(errOut, "* connection %s: %v\n", change.State, change.Err)
			case change.State == client.StateReconnecting:
				fmt.Fprintf(errOut, "* reconnecting (attempt %d)\n", change.Attempt)
			}
		})

		if err := session.Select(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to join ticket %s: %w", args[0], err)
		}
		for _, msg := range session.Messages() {
			printer.print(msg)
		}

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		c := &chat{session: session, manager: m, errOut: errOut}
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := c.handle(ctx, strings.TrimSpace(line)); quit {
					return nil
				}
			}
		}
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatFlags.UploadURL, "upload-url", envOr("SUPPORT_UPLOAD_URL", ""), "attachment upload endpoint")
}

type chat struct {
	session *client.Session
	manager *client.Manager
	errOut  io.Writer
}

func (c *chat) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	reqCtx, cancel := context.WithTimeout(ctx, flags.Timeout)
	defer cancel()

	if !strings.HasPrefix(line, "/") {
		c.session.SetDraft(domain.MessageDraft{Body: line})
		c.report(c.sendDraft(reqCtx))
		return false
	}

	command, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch command {
	case "quit", "exit":
		return true
	case "status":
		status, ok := domain.ParseTicketStatus(rest)
		if !ok {
			fmt.Fprintf(c.errOut, "* unknown status %q\n", rest)
			return false
		}
		_, err := c.session.SetStatus(reqCtx, status)
		c.report(err)
	case "rate":
		ratingArg, comment, _ := strings.Cut(rest, " ")
		rating, err := strconv.Atoi(ratingArg)
		if err != nil {
			fmt.Fprintln(c.errOut, "* usage: /rate <1-5> [comment]")
			return false
		}
		if _, err := c.session.SubmitFeedback(reqCtx, rating, strings.TrimSpace(comment)); err != nil {
			c.report(err)
			return false
		}
		fmt.Fprintln(c.errOut, "* thanks for the feedback")
	case "attach":
		c.report(c.attach(reqCtx, rest))
	case "reconnect":
		c.report(c.manager.Reconnect(reqCtx))
	default:
		fmt.Fprintf(c.errOut, "* unknown command /%s\n", command)
	}
	return false
}

// sendDraft sends the session draft. On failure the draft is kept and the
// next line replaces it.
func (c *chat) sendDraft(ctx context.Context) error {
	_, err := c.session.Send(ctx)
	return err
}

func (c *chat) attach(ctx context.Context, path string) error {
	if chatFlags.UploadURL == "" {
		return fmt.Errorf("attachments need --upload-url")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	uploader := &client.HTTPUploader{Endpoint: chatFlags.UploadURL, Token: flags.Token}
	name := filepath.Base(path)
	ref, err := uploader.Upload(ctx, name, mime.TypeByExtension(filepath.Ext(name)), f)
	if err != nil {
		return err
	}
	c.session.SetDraft(domain.MessageDraft{Attachments: []domain.AttachmentReference{ref}})
	return c.sendDraft(ctx)
}

func (c *chat) report(err error) {
	if err == nil {
		return
	}
	logger.Debug("chat command failed", zap.Error(err))
	fmt.Fprintf(c.errOut, "* %v\n", err)
	if apperrors.ToDomainError(err).Retryable() && c.manager.State() == client.StateDisconnected {
		fmt.Fprintln(c.errOut, "* connection is down, try /reconnect")
	}
}

// transcript prints each message once, whichever path delivers it first.
type transcript struct {
	mu      sync.Mutex
	out     io.Writer
	self    domain.Identity
	printed map[string]struct{}
}

func newTranscript(out io.Writer, self domain.Identity) *transcript {
	return &transcript{out: out, self: self, printed: make(map[string]struct{})}
}

func (t *transcript) print(msg domain.TicketMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.printed[msg.ID]; ok {
		return
	}
	t.printed[msg.ID] = struct{}{}

	author := string(msg.Sender.Role)
	if msg.Sender.Same(t.self.Sender()) {
		author = "you"
	}
	body := msg.Body
	for _, a := range msg.Attachments {
		body = strings.TrimSpace(fmt.Sprintf("%s [%s %s]", body, a.FileName, a.URL))
	}
	fmt.Fprintf(t.out, "[%s] %-8s %s\n", msg.Timestamp.Local().Format("15:04:05"), author, body)
}

func typistNames(typists []domain.Participant) string {
	names := make([]string, len(typists))
	for i, p := range typists {
		names[i] = p.Name
		if names[i] == "" {
			names[i] = string(p.Role)
		}
	}
	return strings.Join(names, ", ")
}
