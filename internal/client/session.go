package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/support-realtime/internal/domain"
	"github.com/spec-kit/support-realtime/internal/lifecycle"
	"github.com/spec-kit/support-realtime/internal/presence"
	"github.com/spec-kit/support-realtime/internal/protocol"
	"github.com/spec-kit/support-realtime/internal/reconcile"
	apperrors "github.com/spec-kit/support-realtime/pkg/util/errorutil"
)

// SessionOptions tunes a Session.
type SessionOptions struct {
	// Tolerance is the content-dedupe window of the timeline.
	Tolerance time.Duration
	// TypingTTL bounds how long a mirrored typist is shown without a fresh
	// typing.changed frame.
	TypingTTL time.Duration
	Logger    *zap.Logger

	// OnFeedbackPrompt fires at most once per ticket, when the selected
	// ticket is seen closed without recorded feedback.
	OnFeedbackPrompt func(domain.Ticket)
	// OnRejoin fires after the ticket was re-joined on a new connection.
	OnRejoin func(ticketID string, err error)
}

// Session is the state of one chat view: the selected ticket, its merged
// timeline, who is typing and the unsent draft. The selected ticket and
// the joined room are the same slot; after a reconnect the session joins it
// again and backfills the timeline from the server's history.
type Session struct {
	manager *Manager
	opts    SessionOptions
	logger  *zap.Logger
	unsub   []func()

	mu        sync.Mutex
	ticketID  string
	ticket    *domain.Ticket
	timeline  *reconcile.Timeline
	typists   *presence.Tracker
	prompt    *lifecycle.FeedbackPrompt
	draft     domain.MessageDraft
	joinedGen uint64
}

// NewSession attaches a session to manager. Close detaches it.
func NewSession(manager *Manager, opts SessionOptions) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Session{
		manager: manager,
		opts:    opts,
		logger:  opts.Logger,
		typists: presence.New(opts.TypingTTL),
		prompt:  lifecycle.NewFeedbackPrompt(),
	}
	s.unsub = []func(){
		manager.OnMessage(s.handleMessage),
		manager.OnTypingChange(s.handleTyping),
		manager.OnStatusChange(s.handleStatus),
		manager.OnConnectionStateChange(s.handleState),
	}
	return s
}

// Close unsubscribes the session from the manager.
func (s *Session) Close() {
	for _, unsub := range s.unsub {
		unsub()
	}
}

// Select joins ticketID and makes it the displayed ticket. Live frames that
// arrive while the join is in flight are merged with the returned history.
// On failure the previous selection stays.
func (s *Session) Select(ctx context.Context, ticketID string) error {
	s.mu.Lock()
	prevID, prevTicket, prevTimeline, prevGen := s.ticketID, s.ticket, s.timeline, s.joinedGen
	if prevID != ticketID {
		s.ticketID = ticketID
		s.ticket = nil
		s.timeline = reconcile.NewTimeline(ticketID, s.opts.Tolerance)
	}
	s.mu.Unlock()

	gen := s.manager.Generation()
	ack, err := s.manager.Join(ctx, ticketID)
	if err != nil {
		s.mu.Lock()
		if s.ticketID == ticketID {
			s.ticketID, s.ticket, s.timeline, s.joinedGen = prevID, prevTicket, prevTimeline, prevGen
		}
		s.mu.Unlock()
		return err
	}
	s.applyJoin(ticketID, gen, ack)
	return nil
}

func (s *Session) applyJoin(ticketID string, gen uint64, ack *protocol.JoinAck) {
	s.mu.Lock()
	if s.ticketID != ticketID {
		s.mu.Unlock()
		return
	}
	s.joinedGen = gen
	ticket := ack.Ticket
	s.ticket = &ticket
	added := s.timeline.MergeAll(ack.History)
	s.typists.Replace(ticketID, ack.Typists)
	show := s.prompt.Observe(ticket)
	s.mu.Unlock()

	s.logger.Debug("joined ticket", zap.String("ticket_id", ticketID), zap.Int("backfilled", added))
	if show && s.opts.OnFeedbackPrompt != nil {
		s.opts.OnFeedbackPrompt(ticket)
	}
}

// Deselect leaves the selected ticket.
func (s *Session) Deselect(ctx context.Context) error {
	s.mu.Lock()
	ticketID := s.ticketID
	s.ticketID, s.ticket, s.timeline = "", nil, nil
	s.mu.Unlock()
	if ticketID == "" {
		return nil
	}
	return s.manager.Leave(ctx, ticketID)
}

// TicketID is the selected ticket, or "".
func (s *Session) TicketID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticketID
}

// Ticket returns the latest snapshot of the selected ticket.
func (s *Session) Ticket() (domain.Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticket == nil {
		return domain.Ticket{}, false
	}
	return *s.ticket, true
}

// Messages returns the merged timeline of the selected ticket.
func (s *Session) Messages() []domain.TicketMessage {
	s.mu.Lock()
	timeline := s.timeline
	s.mu.Unlock()
	if timeline == nil {
		return nil
	}
	return timeline.Messages()
}

// Typists returns the other participants currently typing.
func (s *Session) Typists() []domain.Participant {
	s.mu.Lock()
	ticketID := s.ticketID
	s.mu.Unlock()
	self := s.manager.Identity().Participant().Key()
	var out []domain.Participant
	for _, p := range s.typists.Typists(ticketID) {
		if p.Key() != self {
			out = append(out, p)
		}
	}
	return out
}

// SetDraft replaces the unsent draft.
func (s *Session) SetDraft(draft domain.MessageDraft) {
	s.mu.Lock()
	s.draft = draft
	s.mu.Unlock()
}

// Draft returns the unsent draft. A failed send leaves it intact.
func (s *Session) Draft() domain.MessageDraft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// Send submits the draft to the selected ticket. The draft gets a client
// message id on first use so a retry after a lost ack is deduplicated by
// the server. The draft is cleared only on success.
func (s *Session) Send(ctx context.Context) (*domain.TicketMessage, error) {
	s.mu.Lock()
	ticketID := s.ticketID
	if s.draft.ClientMessageID == "" {
		s.draft.ClientMessageID = uuid.NewString()
	}
	draft := s.draft
	s.mu.Unlock()

	if ticketID == "" {
		return nil, apperrors.NewNotJoined("")
	}
	msg, err := s.manager.Send(ctx, ticketID, draft)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.draft.ClientMessageID == draft.ClientMessageID {
		s.draft = domain.MessageDraft{}
	}
	if s.ticketID == msg.TicketID && s.timeline != nil {
		s.timeline.Merge(*msg)
	}
	s.mu.Unlock()
	return msg, nil
}

// Typing signals start or stop in the selected ticket.
func (s *Session) Typing(ctx context.Context, typing bool) error {
	ticketID := s.TicketID()
	if ticketID == "" {
		return apperrors.NewNotJoined("")
	}
	if typing {
		return s.manager.StartTyping(ctx, ticketID)
	}
	return s.manager.StopTyping(ctx, ticketID)
}

// SetStatus changes the selected ticket's status.
func (s *Session) SetStatus(ctx context.Context, status domain.TicketStatus) (*domain.Ticket, error) {
	ticketID := s.TicketID()
	if ticketID == "" {
		return nil, apperrors.NewNotJoined("")
	}
	return s.manager.SetStatus(ctx, ticketID, status)
}

// SubmitFeedback rates the selected ticket and suppresses further prompts
// for it.
func (s *Session) SubmitFeedback(ctx context.Context, rating int, comment string) (*domain.Feedback, error) {
	ticketID := s.TicketID()
	if ticketID == "" {
		return nil, apperrors.NewNotJoined("")
	}
	feedback, err := s.manager.SubmitFeedback(ctx, ticketID, rating, comment)
	if err != nil {
		if apperrors.ToDomainError(err).Code == apperrors.CodeConflict {
			s.markFeedback(ticketID)
		}
		return nil, err
	}
	s.markFeedback(ticketID)
	return feedback, nil
}

func (s *Session) markFeedback(ticketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompt.MarkRecorded(ticketID)
	if s.ticketID == ticketID && s.ticket != nil {
		s.ticket.FeedbackRecorded = true
	}
}

func (s *Session) handleMessage(msg domain.TicketMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.TicketID != s.ticketID || s.timeline == nil {
		return
	}
	s.timeline.Merge(msg)
	if s.ticket != nil && (s.ticket.LastMessageAt == nil || msg.Timestamp.After(*s.ticket.LastMessageAt)) {
		ts := msg.Timestamp
		s.ticket.LastMessageAt = &ts
	}
}

func (s *Session) handleTyping(change TypingChange) {
	s.mu.Lock()
	selected := change.TicketID == s.ticketID
	s.mu.Unlock()
	if selected {
		s.typists.Replace(change.TicketID, change.Typists)
	}
}

func (s *Session) handleStatus(payload protocol.StatusChangedPayload) {
	s.mu.Lock()
	if payload.Ticket.ID != s.ticketID {
		s.mu.Unlock()
		return
	}
	ticket := payload.Ticket
	s.ticket = &ticket
	show := s.prompt.Observe(ticket)
	s.mu.Unlock()

	if show && s.opts.OnFeedbackPrompt != nil {
		s.opts.OnFeedbackPrompt(ticket)
	}
}

// handleState re-joins the selected ticket on every new connection. It runs
// the join on its own goroutine since the reader delivering the ack may be
// the one emitting this change.
func (s *Session) handleState(change StateChange) {
	if change.State != StateConnected {
		return
	}
	s.mu.Lock()
	ticketID := s.ticketID
	stale := ticketID != "" && s.joinedGen != change.Generation
	s.mu.Unlock()
	if !stale {
		return
	}
	go s.rejoin(ticketID, change.Generation)
}

func (s *Session) rejoin(ticketID string, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.manager.opts.RequestTimeout)
	defer cancel()
	ack, err := s.manager.Join(ctx, ticketID)
	if err != nil {
		s.logger.Warn("rejoin failed", zap.String("ticket_id", ticketID), zap.Error(err))
	} else {
		s.applyJoin(ticketID, gen, ack)
	}
	if s.opts.OnRejoin != nil {
		s.opts.OnRejoin(ticketID, err)
	}
}
