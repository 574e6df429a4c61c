package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/spec-kit/support-realtime/internal/domain"
	"github.com/spec-kit/support-realtime/internal/events"
	"github.com/spec-kit/support-realtime/internal/lifecycle"
	"github.com/spec-kit/support-realtime/internal/observability"
	"github.com/spec-kit/support-realtime/internal/presence"
	"github.com/spec-kit/support-realtime/internal/protocol"
	"github.com/spec-kit/support-realtime/internal/repository"
	apperrors "github.com/spec-kit/support-realtime/pkg/util/errorutil"
)

const (
	maxBodyRunes    = 10000
	maxCommentRunes = 2000
	maxAttachments  = 10
)

// RouterDependencies bundles collaborators for the router.
type RouterDependencies struct {
	Store    repository.TicketStore
	SendKeys repository.SendKeyStore
	Registry *RoomRegistry
	Events   events.Dispatcher
	Metrics  *observability.Metrics
	Logger   *zap.Logger
}

// RouterOptions tunes router behaviour.
type RouterOptions struct {
	TypingTTL     time.Duration
	HistoryOnJoin bool
	Now           func() time.Time
}

// Router validates, persists and fans out every ticket-scoped operation.
// All frames of one room are enqueued under that room's lock, so every
// member observes the same order.
type Router struct {
	store          repository.TicketStore
	sendKeys       repository.SendKeyStore
	registry       *RoomRegistry
	presence       *presence.Tracker
	events         events.Dispatcher
	metrics        *observability.Metrics
	logger         *zap.Logger
	tracer         trace.Tracer
	rooms          *keyedMutex
	typingVersions *versionTable
	now            func() time.Time
	historyOnJoin  bool
}

// NewRouter builds a router. Missing optional dependencies fall back to
// in-process implementations.
func NewRouter(deps RouterDependencies, opts RouterOptions) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := &Router{
		store:          deps.Store,
		sendKeys:       deps.SendKeys,
		registry:       deps.Registry,
		events:         deps.Events,
		metrics:        deps.Metrics,
		logger:         logger,
		tracer:         otel.Tracer("github.com/spec-kit/support-realtime/internal/realtime"),
		rooms:          newKeyedMutex(),
		typingVersions: newVersionTable(),
		now:            now,
		historyOnJoin:  opts.HistoryOnJoin,
	}
	if r.registry == nil {
		r.registry = NewRoomRegistry()
	}
	if r.sendKeys == nil {
		r.sendKeys = repository.NewMemorySendKeyStore(0, now)
	}
	if r.events == nil {
		r.events = events.NewInMemoryDispatcher(logger)
	}
	r.presence = presence.New(opts.TypingTTL,
		presence.WithClock(now),
		presence.WithOnChange(r.broadcastTyping),
	)
	return r
}

func (r *Router) Registry() *RoomRegistry     { return r.registry }
func (r *Router) Presence() *presence.Tracker { return r.presence }

// Connect registers a freshly authenticated connection.
func (r *Router) Connect(conn *Connection) {
	r.metrics.ConnectionOpened()
	r.logger.Debug("connection registered",
		zap.String("connection_id", conn.ID()),
		zap.String("user_id", conn.Identity().ID),
		zap.String("role", string(conn.Identity().Role)),
	)
}

// Disconnect tears down everything the connection owned: its room
// membership and its typing signal.
func (r *Router) Disconnect(conn *Connection) {
	conn.Close()
	if previous := r.registry.Remove(conn); previous != "" {
		r.presence.StopTyping(previous, conn.ID(), conn.Participant())
	}
	r.metrics.ConnectionClosed()
}

// Join makes conn a member of ticketID, leaving its previous room. The ack
// is queued on conn before any later room frame, so the snapshot and
// history it carries line up with the live stream that follows.
func (r *Router) Join(ctx context.Context, conn *Connection, requestID, ticketID string) (*protocol.JoinAck, error) {
	ctx, span := r.startSpan(ctx, "Router.Join", conn, ticketID)
	ack, previous, err := r.join(ctx, conn, requestID, ticketID)
	endSpan(span, err)
	if err != nil {
		return nil, r.reject("join", conn, ticketID, err)
	}
	if previous != "" {
		r.presence.StopTyping(previous, conn.ID(), conn.Participant())
	}
	return ack, nil
}

func (r *Router) join(ctx context.Context, conn *Connection, requestID, ticketID string) (*protocol.JoinAck, string, error) {
	if strings.TrimSpace(ticketID) == "" {
		return nil, "", apperrors.NewValidationError("ticket_id is required", nil)
	}

	unlock := r.rooms.Lock(ticketID)
	defer unlock()

	ticket, err := r.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, "", storeError(err)
	}
	if err := authorizeParticipant(conn.Identity(), ticket); err != nil {
		return nil, "", err
	}

	var history []domain.TicketMessage
	if r.historyOnJoin {
		history, err = r.store.ListMessages(ctx, ticketID)
		if err != nil {
			return nil, "", storeError(err)
		}
	}

	previous := r.registry.Join(conn, ticketID)
	ack := &protocol.JoinAck{
		Ticket:   *ticket,
		History:  history,
		Typists:  r.presence.Typists(ticketID),
		Previous: previous,
	}
	r.deliver(conn, protocol.Ack(requestID, ticketID, ack))
	return ack, previous, nil
}

// Leave removes conn from ticketID. Frames of that room still queued for
// conn are dropped by the writer.
func (r *Router) Leave(_ context.Context, conn *Connection, ticketID string) error {
	if !r.registry.Leave(conn, ticketID) {
		return r.reject("leave", conn, ticketID, apperrors.NewNotJoined(ticketID))
	}
	r.presence.StopTyping(ticketID, conn.ID(), conn.Participant())
	return nil
}

// Send persists draft as a message of ticketID and broadcasts it to every
// member of the room, the sender included. It blocks until the store
// answers. A rejected send leaves no record.
func (r *Router) Send(ctx context.Context, conn *Connection, ticketID string, draft domain.MessageDraft) (*domain.TicketMessage, error) {
	ctx, span := r.startSpan(ctx, "Router.Send", conn, ticketID)
	msg, fresh, err := r.send(ctx, conn, ticketID, draft)
	endSpan(span, err)
	if err != nil {
		return nil, r.reject("send", conn, ticketID, err)
	}
	if !fresh {
		return msg, nil
	}

	r.presence.StopTyping(ticketID, conn.ID(), conn.Participant())
	r.publish(ctx, events.MessageAdded(*msg))
	return msg, nil
}

func (r *Router) send(ctx context.Context, conn *Connection, ticketID string, draft domain.MessageDraft) (*domain.TicketMessage, bool, error) {
	if err := validateDraft(draft); err != nil {
		return nil, false, err
	}
	if !r.registry.IsMember(conn, ticketID) {
		return nil, false, apperrors.NewNotJoined(ticketID)
	}

	unlock := r.rooms.Lock(ticketID)
	defer unlock()

	ticket, err := r.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, false, storeError(err)
	}

	key := strings.TrimSpace(draft.ClientMessageID)
	if key != "" {
		claim, err := r.sendKeys.Claim(ctx, ticketID, key)
		switch {
		case err != nil:
			r.logger.Warn("send key store unavailable; sending without dedupe",
				zap.String("ticket_id", ticketID), zap.Error(err))
			key = ""
		case claim.MessageID != "":
			original, err := r.store.GetMessage(ctx, ticketID, claim.MessageID)
			if err != nil {
				return nil, false, storeError(err)
			}
			return original, false, nil
		case claim.InFlight():
			return nil, false, apperrors.NewConflict("a send with this client_message_id is in flight", map[string]any{
				"client_message_id": key,
			})
		}
	}

	if ticket.IsClosed() {
		r.releaseSendKey(ctx, ticketID, key)
		return nil, false, apperrors.NewTicketClosed(ticketID)
	}

	msg := &domain.TicketMessage{
		TicketID:    ticketID,
		Sender:      conn.Identity().Sender(),
		Body:        draft.Body,
		Kind:        draft.ResolvedKind(),
		Attachments: draft.Attachments,
	}
	started := time.Now()
	if err := r.store.CreateMessage(ctx, msg); err != nil {
		r.releaseSendKey(ctx, ticketID, key)
		return nil, false, apperrors.NewPersistenceError(err)
	}
	r.metrics.MessageRouted(string(msg.Kind), time.Since(started))

	if key != "" {
		if err := r.sendKeys.Complete(ctx, ticketID, key, msg.ID); err != nil {
			r.logger.Warn("complete send key", zap.String("ticket_id", ticketID), zap.Error(err))
		}
	}

	r.broadcastLocked(ticketID, protocol.MustNew(protocol.FrameMessageNew, ticketID, msg))
	return msg, true, nil
}

func (r *Router) releaseSendKey(ctx context.Context, ticketID, key string) {
	if key == "" {
		return
	}
	if err := r.sendKeys.Release(ctx, ticketID, key); err != nil {
		r.logger.Warn("release send key", zap.String("ticket_id", ticketID), zap.Error(err))
	}
}

// SetStatus moves ticketID to the status named by raw. Only admins may do
// so; the change is broadcast to the room.
func (r *Router) SetStatus(ctx context.Context, conn *Connection, ticketID, raw string) (*domain.Ticket, error) {
	ctx, span := r.startSpan(ctx, "Router.SetStatus", conn, ticketID)
	ticket, change, err := r.setStatus(ctx, conn, ticketID, raw)
	endSpan(span, err)
	if err != nil {
		return nil, r.reject("set_status", conn, ticketID, err)
	}

	r.metrics.StatusTransition(string(change.OldStatus), string(change.NewStatus))
	r.logger.Info("ticket status changed",
		zap.String("ticket_id", ticketID),
		zap.String("from", string(change.OldStatus)),
		zap.String("to", string(change.NewStatus)),
		zap.String("admin_id", change.ChangedBy.ID),
	)
	r.publish(ctx, events.StatusChanged(*change))
	return ticket, nil
}

func (r *Router) setStatus(ctx context.Context, conn *Connection, ticketID, raw string) (*domain.Ticket, *domain.StatusChange, error) {
	actor := conn.Identity()
	if !actor.IsAdmin() {
		return nil, nil, apperrors.NewForbidden("only admins can change ticket status")
	}
	next, ok := domain.ParseTicketStatus(raw)
	if !ok {
		return nil, nil, apperrors.NewValidationError("unknown ticket status", map[string]any{"status": raw})
	}

	unlock := r.rooms.Lock(ticketID)
	defer unlock()

	ticket, err := r.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, nil, storeError(err)
	}
	change, err := lifecycle.Plan(ticket, next, actor, r.now().UTC())
	if err != nil {
		return nil, nil, err
	}
	updated, err := r.store.UpdateTicketStatus(ctx, change)
	if err != nil {
		return nil, nil, storeError(err)
	}

	r.broadcastLocked(ticketID, protocol.MustNew(protocol.FrameStatusChanged, ticketID, protocol.StatusChangedPayload{
		Ticket: *updated,
		Change: *change,
	}))
	return updated, change, nil
}

// SubmitFeedback records the customer's one-time rating of a closed ticket
// and posts it into the conversation as a system message.
func (r *Router) SubmitFeedback(ctx context.Context, conn *Connection, ticketID string, payload protocol.FeedbackPayload) (*domain.Feedback, error) {
	ctx, span := r.startSpan(ctx, "Router.SubmitFeedback", conn, ticketID)
	feedback, msg, err := r.submitFeedback(ctx, conn, ticketID, payload)
	endSpan(span, err)
	if err != nil {
		return nil, r.reject("feedback", conn, ticketID, err)
	}

	r.publish(ctx, events.FeedbackRecorded(*feedback, conn.Identity()))
	if msg != nil {
		r.publish(ctx, events.MessageAdded(*msg))
	}
	return feedback, nil
}

func (r *Router) submitFeedback(ctx context.Context, conn *Connection, ticketID string, payload protocol.FeedbackPayload) (*domain.Feedback, *domain.TicketMessage, error) {
	customer := conn.Identity()
	if customer.Role != domain.RoleUser {
		return nil, nil, apperrors.NewForbidden("only the customer can rate a ticket")
	}
	if payload.Rating < 1 || payload.Rating > 5 {
		return nil, nil, apperrors.NewValidationError("rating must be between 1 and 5", map[string]any{"rating": payload.Rating})
	}
	comment := strings.TrimSpace(payload.Comment)
	if utf8.RuneCountInString(comment) > maxCommentRunes {
		return nil, nil, apperrors.NewValidationError("comment is too long", map[string]any{"max": maxCommentRunes})
	}

	unlock := r.rooms.Lock(ticketID)
	defer unlock()

	ticket, err := r.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, nil, storeError(err)
	}
	if ticket.CustomerID != customer.ID {
		return nil, nil, apperrors.NewForbidden("ticket belongs to another customer")
	}
	if !ticket.IsClosed() {
		return nil, nil, apperrors.NewValidationError("feedback is accepted once the ticket is closed", map[string]any{
			"status": ticket.Status,
		})
	}
	if ticket.FeedbackRecorded {
		return nil, nil, apperrors.NewConflict("feedback already recorded", map[string]any{"ticket_id": ticketID})
	}

	feedback := &domain.Feedback{TicketID: ticketID, Rating: payload.Rating, Comment: comment}
	if err := r.store.RecordFeedback(ctx, feedback); err != nil {
		return nil, nil, storeError(err)
	}

	// The one message a closed ticket accepts.
	msg := &domain.TicketMessage{
		TicketID: ticketID,
		Sender:   customer.Sender(),
		Body:     feedbackBody(feedback),
		Kind:     domain.MessageKindSystem,
	}
	if err := r.store.CreateMessage(ctx, msg); err != nil {
		r.logger.Error("persist feedback message", zap.String("ticket_id", ticketID), zap.Error(err))
		return feedback, nil, nil
	}
	r.broadcastLocked(ticketID, protocol.MustNew(protocol.FrameMessageNew, ticketID, msg))
	return feedback, msg, nil
}

func feedbackBody(feedback *domain.Feedback) string {
	body := fmt.Sprintf("Customer rated this conversation %d/5", feedback.Rating)
	if feedback.Comment != "" {
		body += ": " + feedback.Comment
	}
	return body
}

// StartTyping marks conn's user as typing in ticketID.
func (r *Router) StartTyping(_ context.Context, conn *Connection, ticketID string) error {
	if !r.registry.IsMember(conn, ticketID) {
		return r.reject("typing", conn, ticketID, apperrors.NewNotJoined(ticketID))
	}
	r.metrics.TypingSignal("start")
	r.presence.StartTyping(ticketID, conn.ID(), conn.Participant())
	return nil
}

// StopTyping clears conn's typing signal in ticketID.
func (r *Router) StopTyping(_ context.Context, conn *Connection, ticketID string) error {
	if !r.registry.IsMember(conn, ticketID) {
		return r.reject("typing", conn, ticketID, apperrors.NewNotJoined(ticketID))
	}
	r.metrics.TypingSignal("stop")
	r.presence.StopTyping(ticketID, conn.ID(), conn.Participant())
	return nil
}

// broadcastTyping is the presence change callback. It never runs with a
// room lock held. Snapshots are taken under the tracker lock but delivered
// after it, so one that lost the race to a newer version is dropped.
func (r *Router) broadcastTyping(change presence.Change) {
	unlock := r.rooms.Lock(change.TicketID)
	defer unlock()
	if !r.typingVersions.advance(change.TicketID, change.Version) {
		return
	}
	r.broadcastLocked(change.TicketID, protocol.MustNew(protocol.FrameTypingChanged, change.TicketID, protocol.TypingChangedPayload{
		Typists: change.Typists,
	}))
	if len(change.Typists) == 0 && len(r.registry.MembersOf(change.TicketID)) == 0 {
		r.typingVersions.forget(change.TicketID)
	}
}

// broadcastLocked enqueues env for every member. A member that cannot keep
// up is disconnected rather than skipped, which would break room order.
func (r *Router) broadcastLocked(ticketID string, env protocol.Envelope) {
	for _, member := range r.registry.MembersOf(ticketID) {
		r.deliver(member, env)
	}
}

func (r *Router) deliver(conn *Connection, env protocol.Envelope) {
	if conn.Deliver(env) {
		return
	}
	if conn.Closed() {
		return
	}
	r.metrics.DeliveryDropped("queue_full")
	r.logger.Warn("outbound queue full; closing connection",
		zap.String("connection_id", conn.ID()),
		zap.String("user_id", conn.Identity().ID),
		zap.String("frame", string(env.Type)),
	)
	conn.Close()
}

func (r *Router) publish(ctx context.Context, event events.Event) {
	if err := r.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		r.logger.Warn("publish event",
			zap.String("event_type", string(event.Type)),
			zap.String("ticket_id", event.TicketID),
			zap.Error(err),
		)
	}
}

func (r *Router) reject(op string, conn *Connection, ticketID string, err error) error {
	domainErr := apperrors.ToDomainError(err)
	r.metrics.Rejected(op, domainErr.Code)
	fields := []zap.Field{
		zap.String("op", op),
		zap.String("ticket_id", ticketID),
		zap.String("connection_id", conn.ID()),
		zap.String("code", domainErr.Code),
	}
	switch domainErr.Code {
	case apperrors.CodeInternal, apperrors.CodePersistenceFailed:
		r.logger.Error("operation failed", append(fields, zap.Error(err))...)
	default:
		r.logger.Debug("operation rejected", fields...)
	}
	return err
}

func (r *Router) startSpan(ctx context.Context, name string, conn *Connection, ticketID string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("ticket.id", ticketID),
			attribute.String("connection.id", conn.ID()),
			attribute.String("actor.role", string(conn.Identity().Role)),
		),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperrors.ToDomainError(err).Code)
	}
	span.End()
}

func validateDraft(draft domain.MessageDraft) error {
	if draft.Empty() {
		return apperrors.NewValidationError("message needs a body or an attachment", nil)
	}
	if utf8.RuneCountInString(draft.Body) > maxBodyRunes {
		return apperrors.NewValidationError("message body is too long", map[string]any{"max": maxBodyRunes})
	}
	if len(draft.Attachments) > maxAttachments {
		return apperrors.NewValidationError("too many attachments", map[string]any{"max": maxAttachments})
	}
	for i, attachment := range draft.Attachments {
		if strings.TrimSpace(attachment.URL) == "" {
			return apperrors.NewValidationError("attachment url is required", map[string]any{"index": i})
		}
	}
	switch draft.ResolvedKind() {
	case domain.MessageKindText, domain.MessageKindFile, domain.MessageKindImage:
		return nil
	default:
		return apperrors.NewValidationError("message kind is reserved", map[string]any{"kind": draft.Kind})
	}
}

func authorizeParticipant(identity domain.Identity, ticket *domain.Ticket) error {
	if identity.IsAdmin() || ticket.CustomerID == identity.ID {
		return nil
	}
	return apperrors.NewForbidden("ticket belongs to another customer")
}

// storeError keeps domain errors from the store (not found, conflict) and
// classifies everything else as a persistence failure.
func storeError(err error) error {
	var domainErr *apperrors.DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	return apperrors.NewPersistenceError(err)
}
