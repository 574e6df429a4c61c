package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/support-realtime/internal/domain"
	apperrors "github.com/spec-kit/support-realtime/pkg/util/errorutil"
)

func selectTicket(t *testing.T, w *world, identity domain.Identity, opts SessionOptions) (*Session, *Manager, *pipeTransport) {
	t.Helper()
	m, transport := w.connected(t, identity)
	s := NewSession(m, opts)
	t.Cleanup(s.Close)
	require.NoError(t, s.Select(context.Background(), w.ticket.ID))
	return s, m, transport
}

func (w *world) history(t *testing.T) []string {
	t.Helper()
	msgs, err := w.store.ListMessages(context.Background(), w.ticket.ID)
	require.NoError(t, err)
	return messageIDs(msgs)
}

func TestSessionsConvergeOnServerHistory(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	cust, _, _ := selectTicket(t, w, customer, SessionOptions{})
	adm, _, _ := selectTicket(t, w, agent, SessionOptions{})

	for i := 0; i < 5; i++ {
		cust.SetDraft(domain.MessageDraft{Body: fmt.Sprintf("customer says %d", i)})
		_, err := cust.Send(ctx)
		require.NoError(t, err)
		adm.SetDraft(domain.MessageDraft{Body: fmt.Sprintf("agent says %d", i)})
		_, err = adm.Send(ctx)
		require.NoError(t, err)
	}

	want := w.history(t)
	require.Len(t, want, 10)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, messageIDs(cust.Messages())) &&
			assert.ObjectsAreEqual(want, messageIDs(adm.Messages()))
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, cust.Draft().Body)
}

func TestReconnectRejoinsAndBackfills(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	rejoined := make(chan error, 4)
	cust, custManager, transport := selectTicket(t, w, customer, SessionOptions{
		OnRejoin: func(_ string, err error) { rejoined <- err },
	})
	adm, _, _ := selectTicket(t, w, agent, SessionOptions{})

	adm.SetDraft(domain.MessageDraft{Body: "before the drop"})
	_, err := adm.Send(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(cust.Messages()) == 1 }, time.Second, 5*time.Millisecond)

	gen := custManager.Generation()
	transport.drop()
	require.Eventually(t, func() bool {
		return custManager.Generation() > gen || custManager.State() != StateConnected
	}, time.Second, time.Millisecond)

	for i := 0; i < 3; i++ {
		adm.SetDraft(domain.MessageDraft{Body: fmt.Sprintf("while away %d", i)})
		_, err := adm.Send(ctx)
		require.NoError(t, err)
	}

	select {
	case err := <-rejoined:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not rejoin")
	}
	assert.Equal(t, StateConnected, custManager.State())
	assert.Equal(t, 2, transport.dialCount())

	want := w.history(t)
	require.Len(t, want, 4)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, messageIDs(cust.Messages()))
	}, 2*time.Second, 5*time.Millisecond)

	cust.SetDraft(domain.MessageDraft{Body: "back again"})
	_, err = cust.Send(ctx)
	require.NoError(t, err, "the rejoined room accepts sends")
}

func TestFailedSendKeepsDraft(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	cust, _, _ := selectTicket(t, w, customer, SessionOptions{})
	adm, _, _ := selectTicket(t, w, agent, SessionOptions{})

	_, err := adm.SetStatus(ctx, domain.TicketStatusClosed)
	require.NoError(t, err)

	cust.SetDraft(domain.MessageDraft{Body: "one more thing"})
	_, err = cust.Send(ctx)
	assert.True(t, errors.Is(err, apperrors.ErrTicketClosed))
	assert.Equal(t, "one more thing", cust.Draft().Body)
	assert.NotEmpty(t, cust.Draft().ClientMessageID)
	assert.Empty(t, w.history(t))

	cust.SetDraft(domain.MessageDraft{})
	_, err = cust.Send(ctx)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
}

func TestStatusChangeReachesCustomerAndPromptsOnce(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	var prompts atomic.Int32
	cust, custManager, transport := selectTicket(t, w, customer, SessionOptions{
		OnFeedbackPrompt: func(domain.Ticket) { prompts.Add(1) },
	})
	adm, _, _ := selectTicket(t, w, agent, SessionOptions{})

	_, err := adm.SetStatus(ctx, domain.TicketStatusInProgress)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ticket, ok := cust.Ticket()
		return ok && ticket.Status == domain.TicketStatusInProgress
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, prompts.Load())

	_, err = adm.SetStatus(ctx, domain.TicketStatusClosed)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return prompts.Load() == 1 }, time.Second, 5*time.Millisecond)

	gen := custManager.Generation()
	transport.drop()
	require.Eventually(t, func() bool {
		return custManager.Generation() > gen && custManager.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, custManager.Ping(ctx))
	assert.Equal(t, int32(1), prompts.Load(), "a reconnect never re-prompts")

	feedback, err := cust.SubmitFeedback(ctx, 5, "fast and friendly")
	require.NoError(t, err)
	assert.Equal(t, 5, feedback.Rating)
	ticket, ok := cust.Ticket()
	require.True(t, ok)
	assert.True(t, ticket.FeedbackRecorded)

	_, err = cust.SubmitFeedback(ctx, 4, "")
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
}

func TestRecordedFeedbackSuppressesPromptOnSelect(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	change := &domain.StatusChange{
		TicketID:  w.ticket.ID,
		OldStatus: domain.TicketStatusOpen,
		NewStatus: domain.TicketStatusClosed,
		ChangedBy: agent,
	}
	_, err := w.store.UpdateTicketStatus(ctx, change)
	require.NoError(t, err)
	require.NoError(t, w.store.RecordFeedback(ctx, &domain.Feedback{TicketID: w.ticket.ID, Rating: 3}))

	var prompts atomic.Int32
	selectTicket(t, w, customer, SessionOptions{OnFeedbackPrompt: func(domain.Ticket) { prompts.Add(1) }})
	assert.Zero(t, prompts.Load())
}

func TestTypingIsMirroredForOthersOnly(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	cust, _, _ := selectTicket(t, w, customer, SessionOptions{TypingTTL: time.Second})
	adm, _, _ := selectTicket(t, w, agent, SessionOptions{TypingTTL: time.Second})

	require.NoError(t, adm.Typing(ctx, true))
	require.Eventually(t, func() bool {
		typists := cust.Typists()
		return len(typists) == 1 && typists[0].ID == agent.ID
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, adm.Typists(), "own typing is not shown")

	require.NoError(t, adm.Typing(ctx, false))
	require.Eventually(t, func() bool { return len(cust.Typists()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestSelectFailureKeepsPreviousTicket(t *testing.T) {
	w := newWorld(t)
	other := &domain.Ticket{CustomerID: "cus-9", Subject: "Not yours"}
	require.NoError(t, w.store.CreateTicket(context.Background(), other))

	cust, _, _ := selectTicket(t, w, customer, SessionOptions{})
	err := cust.Select(context.Background(), other.ID)
	assert.True(t, errors.Is(err, apperrors.ErrForbidden))
	assert.Equal(t, w.ticket.ID, cust.TicketID())

	cust.SetDraft(domain.MessageDraft{Body: "still here"})
	_, err = cust.Send(context.Background())
	require.NoError(t, err)
}
