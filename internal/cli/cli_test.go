package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/support-realtime/internal/auth"
	"github.com/spec-kit/support-realtime/internal/domain"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestTokenCommandMintsVerifiableToken(t *testing.T) {
	out, err := run(t, "token", "--secret", "cli-secret", "--id", "adm-7", "--name", "Kim", "--role", "admin")
	require.NoError(t, err)

	claims, err := auth.NewTokenManager("cli-secret", 5).ParseToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "adm-7", claims.Subject)
	assert.Equal(t, domain.RoleAdmin, claims.Role)

	_, err = run(t, "token", "--id", "x", "--role", "owner")
	assert.ErrorContains(t, err, "unknown role")
}

func TestStatusCommandValidatesBeforeConnecting(t *testing.T) {
	_, err := run(t, "status", "tkt-1", "pending", "--token", "unused")
	assert.ErrorContains(t, err, "unknown status")
}

func TestTranscriptPrintsEachMessageOnce(t *testing.T) {
	var out bytes.Buffer
	self := domain.Identity{ID: "cus-1", Role: domain.RoleUser}
	tr := newTranscript(&out, self)
	agentID := "adm-1"
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.Local)

	mine := domain.TicketMessage{ID: "m1", Sender: self.Sender(), Body: "hello", Timestamp: at}
	theirs := domain.TicketMessage{
		ID:          "m2",
		Sender:      domain.Sender{Role: domain.RoleAdmin, ID: &agentID},
		Attachments: []domain.AttachmentReference{{FileName: "label.pdf", URL: "https://cdn/label.pdf"}},
		Timestamp:   at,
	}
	tr.print(mine)
	tr.print(theirs)
	tr.print(mine)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "you")
	assert.Contains(t, lines[0], "hello")
	assert.Contains(t, lines[1], "admin")
	assert.Contains(t, lines[1], "[label.pdf https://cdn/label.pdf]")
}

func TestTypistNamesFallBackToRole(t *testing.T) {
	names := typistNames([]domain.Participant{{ID: "a", Name: "Bo", Role: domain.RoleAdmin}, {ID: "c", Role: domain.RoleUser}})
	assert.Equal(t, "Bo, user", names)
}
