package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/support-realtime/internal/domain"
	"github.com/spec-kit/support-realtime/internal/events"
	"github.com/spec-kit/support-realtime/internal/presence"
	"github.com/spec-kit/support-realtime/internal/protocol"
	"github.com/spec-kit/support-realtime/internal/repository"
	apperrors "github.com/spec-kit/support-realtime/pkg/util/errorutil"
)

var (
	customer = domain.Identity{ID: "cus-1", Name: "Ada", Role: domain.RoleUser}
	stranger = domain.Identity{ID: "cus-2", Name: "Eve", Role: domain.RoleUser}
	agent    = domain.Identity{ID: "adm-1", Name: "Bo", Role: domain.RoleAdmin}
)

type fixture struct {
	router *Router
	store  *repository.MemoryStore
	ticket *domain.Ticket
	clock  *manualClock
	events *eventLog
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type eventLog struct {
	mu    sync.Mutex
	types []events.EventType
}

func (l *eventLog) record(_ context.Context, e events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types = append(l.types, e.Type)
	return nil
}

func (l *eventLog) all() []events.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.EventType(nil), l.types...)
}

func newFixture(t *testing.T, store repository.TicketStore) *fixture {
	t.Helper()
	clock := &manualClock{now: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
	mem := repository.NewMemoryStore(clock.Now)
	if store == nil {
		store = mem
	}
	ticket := &domain.Ticket{CustomerID: customer.ID, Subject: "Broken zipper"}
	require.NoError(t, store.CreateTicket(context.Background(), ticket))

	log := &eventLog{}
	dispatcher := events.NewInMemoryDispatcher(nil)
	for _, eventType := range events.AllEventTypes {
		dispatcher.Subscribe(eventType, log.record)
	}

	router := NewRouter(RouterDependencies{
		Store:  store,
		Events: dispatcher,
	}, RouterOptions{
		TypingTTL:     time.Second,
		HistoryOnJoin: true,
		Now:           clock.Now,
	})
	return &fixture{router: router, store: mem, ticket: ticket, clock: clock, events: log}
}

func (f *fixture) connect(t *testing.T, identity domain.Identity) *Connection {
	t.Helper()
	conn := NewConnection(identity, 256)
	f.router.Connect(conn)
	return conn
}

func (f *fixture) join(t *testing.T, identity domain.Identity) *Connection {
	t.Helper()
	conn := f.connect(t, identity)
	_, err := f.router.Join(context.Background(), conn, "join-1", f.ticket.ID)
	require.NoError(t, err)
	drain(conn)
	return conn
}

func drain(conn *Connection) []protocol.Envelope {
	var out []protocol.Envelope
	for {
		select {
		case env := <-conn.Outbound():
			out = append(out, env)
		default:
			return out
		}
	}
}

func framesOf(envs []protocol.Envelope, frameType protocol.FrameType) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range envs {
		if env.Type == frameType {
			out = append(out, env)
		}
	}
	return out
}

func messageIDs(t *testing.T, envs []protocol.Envelope) []string {
	t.Helper()
	var ids []string
	for _, env := range framesOf(envs, protocol.FrameMessageNew) {
		var msg domain.TicketMessage
		require.NoError(t, env.Decode(&msg))
		ids = append(ids, msg.ID)
	}
	return ids
}

func text(body string) domain.MessageDraft {
	return domain.MessageDraft{Body: body}
}

func TestSendKeepsOneOrderForEveryMember(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cust := f.join(t, customer)
	adm := f.join(t, agent)
	observer := f.join(t, domain.Identity{ID: "adm-2", Role: domain.RoleAdmin})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := f.router.Send(ctx, cust, f.ticket.ID, text(fmt.Sprintf("customer %d", i)))
			assert.NoError(t, err)
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := f.router.Send(ctx, adm, f.ticket.ID, text(fmt.Sprintf("agent %d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	history, err := f.store.ListMessages(ctx, f.ticket.ID)
	require.NoError(t, err)
	require.Len(t, history, 40)
	persisted := make([]string, len(history))
	for i, msg := range history {
		persisted[i] = msg.ID
	}

	assert.Equal(t, persisted, messageIDs(t, drain(cust)))
	assert.Equal(t, persisted, messageIDs(t, drain(adm)))
	assert.Equal(t, persisted, messageIDs(t, drain(observer)))
}

func TestSendToClosedTicketPersistsNothing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cust := f.join(t, customer)
	adm := f.join(t, agent)

	_, err := f.router.SetStatus(ctx, adm, f.ticket.ID, "closed")
	require.NoError(t, err)
	drain(cust)

	_, err = f.router.Send(ctx, cust, f.ticket.ID, text("hello?"))
	assert.True(t, errors.Is(err, apperrors.ErrTicketClosed))

	history, err := f.store.ListMessages(ctx, f.ticket.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, framesOf(drain(cust), protocol.FrameMessageNew))
}

func TestSendValidatesBeforeStore(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cust := f.join(t, customer)

	_, err := f.router.Send(ctx, cust, f.ticket.ID, domain.MessageDraft{Body: "   "})
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	_, err = f.router.Send(ctx, cust, f.ticket.ID, domain.MessageDraft{Body: "x", Kind: domain.MessageKindSystem})
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	withFile := domain.MessageDraft{Attachments: []domain.AttachmentReference{{
		URL: "https://cdn.example.com/a.png", FileName: "a.png", MimeType: "image/png", Size: 10,
	}}}
	msg, err := f.router.Send(ctx, cust, f.ticket.ID, withFile)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageKindImage, msg.Kind)

	outsider := f.connect(t, agent)
	_, err = f.router.Send(ctx, outsider, f.ticket.ID, text("hi"))
	assert.True(t, errors.Is(err, apperrors.ErrNotJoined))
}

func TestSendUpdatesLastMessageAtAndPublishes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cust := f.join(t, customer)

	msg, err := f.router.Send(ctx, cust, f.ticket.ID, text("order #42"))
	require.NoError(t, err)

	ticket, err := f.store.GetTicket(ctx, f.ticket.ID)
	require.NoError(t, err)
	require.NotNil(t, ticket.LastMessageAt)
	assert.Equal(t, msg.Timestamp, *ticket.LastMessageAt)
	assert.Equal(t, []events.EventType{events.EventTicketMessageAdded}, f.events.all())
}

func TestSlowSubscriberDoesNotDelaySend(t *testing.T) {
	store := repository.NewMemoryStore(nil)
	ticket := &domain.Ticket{CustomerID: customer.ID, Subject: "Late parcel"}
	require.NoError(t, store.CreateTicket(context.Background(), ticket))

	queue := events.NewQueue(events.NewInMemoryDispatcher(nil), 16, nil)
	release := make(chan struct{})
	handled := make(chan struct{}, 1)
	queue.Subscribe(events.EventTicketMessageAdded, func(context.Context, events.Event) error {
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		handled <- struct{}{}
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go queue.Run(ctx)

	router := NewRouter(RouterDependencies{Store: store, Events: queue}, RouterOptions{TypingTTL: time.Second})
	cust := NewConnection(customer, 16)
	router.Connect(cust)
	_, err := router.Join(ctx, cust, "r-1", ticket.ID)
	require.NoError(t, err)

	start := time.Now()
	_, err = router.Send(ctx, cust, ticket.ID, text("where is it?"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	_, err = router.Send(ctx, cust, ticket.ID, text("anyone?"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)

	close(release)
	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("subscriber never ran")
	}
}

func TestSendIsIdempotentPerClientMessageID(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cust := f.join(t, customer)
	draft := domain.MessageDraft{ClientMessageID: "c-1", Body: "refund please"}

	first, err := f.router.Send(ctx, cust, f.ticket.ID, draft)
	require.NoError(t, err)
	second, err := f.router.Send(ctx, cust, f.ticket.ID, draft)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	history, err := f.store.ListMessages(ctx, f.ticket.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Len(t, framesOf(drain(cust), protocol.FrameMessageNew), 1)
}

type flakyStore struct {
	*repository.MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) CreateMessage(ctx context.Context, msg *domain.TicketMessage) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("connection reset by peer")
	}
	s.mu.Unlock()
	return s.MemoryStore.CreateMessage(ctx, msg)
}

func TestPersistenceFailureIsNeverBroadcast(t *testing.T) {
	store := &flakyStore{MemoryStore: repository.NewMemoryStore(nil), failures: 1}
	f := newFixture(t, store)
	ctx := context.Background()
	cust := f.join(t, customer)
	draft := domain.MessageDraft{ClientMessageID: "c-9", Body: "are you there"}

	_, err := f.router.Send(ctx, cust, f.ticket.ID, draft)
	assert.True(t, errors.Is(err, apperrors.ErrPersistence))
	assert.Empty(t, framesOf(drain(cust), protocol.FrameMessageNew))

	msg, err := f.router.Send(ctx, cust, f.ticket.ID, draft)
	require.NoError(t, err, "a failed persist releases the send key")
	assert.Equal(t, []string{msg.ID}, messageIDs(t, drain(cust)))
}

func TestStatusChangeIsObservedByJoinedCustomer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cust := f.join(t, customer)
	adm := f.join(t, agent)

	ticket, err := f.router.SetStatus(ctx, adm, f.ticket.ID, "in-progress")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusInProgress, ticket.Status)

	frames := framesOf(drain(cust), protocol.FrameStatusChanged)
	require.Len(t, frames, 1)
	var payload protocol.StatusChangedPayload
	require.NoError(t, frames[0].Decode(&payload))
	assert.Equal(t, domain.TicketStatusInProgress, payload.Ticket.Status)
	assert.Equal(t, domain.TicketStatusOpen, payload.Change.OldStatus)
	require.NotNil(t, payload.Ticket.AssignedAdminID)
	assert.Equal(t, agent.ID, *payload.Ticket.AssignedAdminID)

	assert.Contains(t, f.events.all(), events.EventTicketStatusChanged)
}

func TestSetStatusRules(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cust := f.join(t, customer)
	adm := f.join(t, agent)

	_, err := f.router.SetStatus(ctx, cust, f.ticket.ID, "closed")
	assert.True(t, errors.Is(err, apperrors.ErrForbidden))

	_, err = f.router.SetStatus(ctx, adm, f.ticket.ID, "pending")
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	_, err = f.router.SetStatus(ctx, adm, f.ticket.ID, "resolved")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition))

	_, err = f.router.SetStatus(ctx, adm, f.ticket.ID, "closed")
	require.NoError(t, err)
	_, err = f.router.SetStatus(ctx, adm, f.ticket.ID, "open")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition))
}

func TestJoinAuthorizationAndHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cust := f.join(t, customer)
	_, err := f.router.Send(ctx, cust, f.ticket.ID, text("first"))
	require.NoError(t, err)

	other := f.connect(t, stranger)
	_, err = f.router.Join(ctx, other, "r", f.ticket.ID)
	assert.True(t, errors.Is(err, apperrors.ErrForbidden))

	_, err = f.router.Join(ctx, other, "r", "no-such-ticket")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	adm := f.connect(t, agent)
	ack, err := f.router.Join(ctx, adm, "r-7", f.ticket.ID)
	require.NoError(t, err)
	require.Len(t, ack.History, 1)
	assert.Equal(t, "first", ack.History[0].Body)

	frames := drain(adm)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.FrameAck, frames[0].Type)
	assert.Equal(t, "r-7", frames[0].RequestID)
}

func TestJoinSwitchesRoomAndClearsTyping(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	second := &domain.Ticket{CustomerID: "cus-9", Subject: "Invoice"}
	require.NoError(t, f.store.CreateTicket(ctx, second))

	cust := f.join(t, customer)
	adm := f.join(t, agent)
	require.NoError(t, f.router.StartTyping(ctx, adm, f.ticket.ID))
	assert.Len(t, f.router.Presence().Typists(f.ticket.ID), 1)
	drain(cust)

	ack, err := f.router.Join(ctx, adm, "r", second.ID)
	require.NoError(t, err)
	assert.Equal(t, f.ticket.ID, ack.Previous)
	assert.False(t, f.router.Registry().IsMember(adm, f.ticket.ID))
	assert.Empty(t, f.router.Presence().Typists(f.ticket.ID))

	typing := framesOf(drain(cust), protocol.FrameTypingChanged)
	require.Len(t, typing, 1)
	var payload protocol.TypingChangedPayload
	require.NoError(t, typing[0].Decode(&payload))
	assert.Empty(t, payload.Typists)
}

func TestTypingExpiresAndIsBroadcast(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cust := f.join(t, customer)
	adm := f.join(t, agent)

	require.NoError(t, f.router.StartTyping(ctx, adm, f.ticket.ID))
	frames := framesOf(drain(cust), protocol.FrameTypingChanged)
	require.Len(t, frames, 1)
	var payload protocol.TypingChangedPayload
	require.NoError(t, frames[0].Decode(&payload))
	assert.Equal(t, []domain.Participant{agent.Participant()}, payload.Typists)

	f.clock.Advance(1500 * time.Millisecond)
	assert.Equal(t, 1, f.router.Presence().Expire())
	frames = framesOf(drain(cust), protocol.FrameTypingChanged)
	require.Len(t, frames, 1)
	require.NoError(t, frames[0].Decode(&payload))
	assert.Empty(t, payload.Typists)
}

func TestLeaveStopsFurtherBroadcasts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cust := f.join(t, customer)
	adm := f.join(t, agent)

	require.NoError(t, f.router.Leave(ctx, adm, f.ticket.ID))
	_, err := f.router.Send(ctx, cust, f.ticket.ID, text("still there?"))
	require.NoError(t, err)

	assert.Empty(t, framesOf(drain(adm), protocol.FrameMessageNew))
	assert.True(t, errors.Is(f.router.Leave(ctx, adm, f.ticket.ID), apperrors.ErrNotJoined))
}

func TestDisconnectRemovesMembershipAndTyping(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cust := f.join(t, customer)
	adm := f.join(t, agent)
	require.NoError(t, f.router.StartTyping(ctx, adm, f.ticket.ID))
	drain(cust)

	f.router.Disconnect(adm)

	assert.True(t, adm.Closed())
	assert.Len(t, f.router.Registry().MembersOf(f.ticket.ID), 1)
	assert.Empty(t, f.router.Presence().Typists(f.ticket.ID))
	assert.Len(t, framesOf(drain(cust), protocol.FrameTypingChanged), 1)
}

func TestTypingSurvivesOtherTabDisconnect(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cust := f.join(t, customer)
	tabA := f.join(t, agent)
	tabB := f.join(t, agent)

	require.NoError(t, f.router.StartTyping(ctx, tabA, f.ticket.ID))
	require.NoError(t, f.router.StartTyping(ctx, tabB, f.ticket.ID))
	assert.Len(t, framesOf(drain(cust), protocol.FrameTypingChanged), 1)

	f.router.Disconnect(tabA)

	assert.Equal(t, []domain.Participant{agent.Participant()}, f.router.Presence().Typists(f.ticket.ID))
	assert.Empty(t, framesOf(drain(cust), protocol.FrameTypingChanged))

	require.NoError(t, f.router.StopTyping(ctx, tabB, f.ticket.ID))
	assert.Empty(t, f.router.Presence().Typists(f.ticket.ID))
	assert.Len(t, framesOf(drain(cust), protocol.FrameTypingChanged), 1)
}

func TestStaleTypingSnapshotIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	cust := f.join(t, customer)
	typing := []domain.Participant{agent.Participant()}

	f.router.broadcastTyping(presence.Change{TicketID: f.ticket.ID, Typists: nil, Version: 8})
	f.router.broadcastTyping(presence.Change{TicketID: f.ticket.ID, Typists: typing, Version: 7})

	frames := framesOf(drain(cust), protocol.FrameTypingChanged)
	require.Len(t, frames, 1)
	var payload protocol.TypingChangedPayload
	require.NoError(t, frames[0].Decode(&payload))
	assert.Empty(t, payload.Typists)

	f.router.broadcastTyping(presence.Change{TicketID: f.ticket.ID, Typists: typing, Version: 9})
	assert.Len(t, framesOf(drain(cust), protocol.FrameTypingChanged), 1)
}

func TestSlowMemberIsDisconnectedNotSkipped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cust := f.join(t, customer)

	slow := NewConnection(agent, 1)
	_, err := f.router.Join(ctx, slow, "r", f.ticket.ID)
	require.NoError(t, err)

	_, err = f.router.Send(ctx, cust, f.ticket.ID, text("one"))
	require.NoError(t, err)

	assert.True(t, slow.Closed())
}

func TestFeedbackOnClosedTicketOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cust := f.join(t, customer)
	adm := f.join(t, agent)

	_, err := f.router.SubmitFeedback(ctx, cust, f.ticket.ID, protocol.FeedbackPayload{Rating: 5})
	assert.True(t, errors.Is(err, apperrors.ErrValidation), "ticket still open")

	_, err = f.router.SetStatus(ctx, adm, f.ticket.ID, "closed")
	require.NoError(t, err)
	drain(adm)

	_, err = f.router.SubmitFeedback(ctx, adm, f.ticket.ID, protocol.FeedbackPayload{Rating: 5})
	assert.True(t, errors.Is(err, apperrors.ErrForbidden))

	_, err = f.router.SubmitFeedback(ctx, cust, f.ticket.ID, protocol.FeedbackPayload{Rating: 9})
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	feedback, err := f.router.SubmitFeedback(ctx, cust, f.ticket.ID, protocol.FeedbackPayload{Rating: 4, Comment: "quick help"})
	require.NoError(t, err)
	assert.Equal(t, 4, feedback.Rating)

	frames := framesOf(drain(adm), protocol.FrameMessageNew)
	require.Len(t, frames, 1)
	var msg domain.TicketMessage
	require.NoError(t, json.Unmarshal(frames[0].Payload, &msg))
	assert.Equal(t, domain.MessageKindSystem, msg.Kind)
	assert.Contains(t, msg.Body, "4/5")

	_, err = f.router.SubmitFeedback(ctx, cust, f.ticket.ID, protocol.FeedbackPayload{Rating: 1})
	assert.True(t, errors.Is(err, apperrors.ErrConflict))

	ticket, err := f.store.GetTicket(ctx, f.ticket.ID)
	require.NoError(t, err)
	assert.True(t, ticket.FeedbackRecorded)
	assert.Contains(t, f.events.all(), events.EventTicketFeedbackRecorded)
}
