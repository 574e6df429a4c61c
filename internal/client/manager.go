// Package client is the Go side of the support chat: a connection manager
// that keeps one authenticated socket alive and a session that tracks the
// selected ticket's timeline on top of it.
package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/support-realtime/internal/domain"
	"github.com/spec-kit/support-realtime/internal/protocol"
	apperrors "github.com/spec-kit/support-realtime/pkg/util/errorutil"
)

// State is the connection state reported to subscribers.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// StateChange is delivered to OnConnectionStateChange subscribers. Err is
// set when the change was caused by a failure; Attempt counts reconnect
// attempts.
type StateChange struct {
	State      State
	Generation uint64
	Attempt    int
	Err        error
}

// TypingChange is the full typist set of a ticket.
type TypingChange struct {
	TicketID string
	Typists  []domain.Participant
}

const (
	DefaultMaxAttempts    = 5
	DefaultBaseDelay      = 500 * time.Millisecond
	DefaultMaxDelay       = 10 * time.Second
	DefaultRequestTimeout = 10 * time.Second
)

var errNotConnected = errors.New("not connected")

// Options tunes the manager.
type Options struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RequestTimeout time.Duration
	Logger         *zap.Logger

	// Sleep waits between reconnect attempts and returns early with the
	// context error. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	// Jitter returns a value in [0, 1).
	Jitter func() float64
}

func (o *Options) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	if o.Jitter == nil {
		o.Jitter = rand.Float64
	}
}

type reply struct {
	env protocol.Envelope
	err error
}

// Manager owns one connection to the support server. It reconnects with
// bounded exponential backoff after a drop but does not remember rooms;
// Session re-joins its ticket when the generation changes.
//
// Every socket gets a new generation. Frames read by the listener of an
// older generation are discarded, so a late frame from a replaced socket
// can never reach subscribers.
type Manager struct {
	transport Transport
	opts      Options
	logger    *zap.Logger

	mu         sync.Mutex
	state      State
	conn       Conn
	generation uint64
	hello      protocol.HelloPayload
	life       context.Context
	stop       context.CancelFunc
	pending    map[string]chan reply
	seq        uint64

	onMessage listeners[domain.TicketMessage]
	onTyping  listeners[TypingChange]
	onStatus  listeners[protocol.StatusChangedPayload]
	onState   listeners[StateChange]
	onError   listeners[*apperrors.DomainError]
}

// NewManager returns a disconnected manager.
func NewManager(transport Transport, opts Options) *Manager {
	opts.defaults()
	return &Manager{
		transport: transport,
		opts:      opts,
		logger:    opts.Logger,
		state:     StateDisconnected,
		pending:   make(map[string]chan reply),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Generation identifies the current socket.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// Identity is the identity the server confirmed in its hello frame.
func (m *Manager) Identity() domain.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hello.Identity
}

// OnMessage subscribes to message.new frames. The returned func unsubscribes.
// Handlers run on the reader goroutine in arrival order and must not block
// on manager requests.
func (m *Manager) OnMessage(fn func(domain.TicketMessage)) func() { return m.onMessage.add(fn) }

// OnTypingChange subscribes to typing.changed frames.
func (m *Manager) OnTypingChange(fn func(TypingChange)) func() { return m.onTyping.add(fn) }

// OnStatusChange subscribes to status.changed frames.
func (m *Manager) OnStatusChange(fn func(protocol.StatusChangedPayload)) func() {
	return m.onStatus.add(fn)
}

// OnConnectionStateChange subscribes to state transitions, including the
// disconnect that starts a reconnect cycle.
func (m *Manager) OnConnectionStateChange(fn func(StateChange)) func() { return m.onState.add(fn) }

// OnError subscribes to server errors that answer no request.
func (m *Manager) OnError(fn func(*apperrors.DomainError)) func() { return m.onError.add(fn) }

// Connect dials and waits for the server hello. An auth failure is returned
// as is and never retried; anything else is a transient network error.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected, StateConnecting, StateReconnecting:
		m.mu.Unlock()
		return nil
	}
	if m.stop == nil {
		m.life, m.stop = context.WithCancel(context.Background())
	}
	m.state = StateConnecting
	gen := m.generation
	m.mu.Unlock()
	m.onState.emit(StateChange{State: StateConnecting, Generation: gen})

	conn, hello, err := m.dial(ctx)
	if err != nil {
		m.setDisconnected(err)
		return err
	}
	if !m.attach(conn, hello) {
		_ = conn.Close("disconnected while connecting")
		return apperrors.NewTransientNetworkError(errNotConnected)
	}
	return nil
}

// Reconnect is the manual retry after ReconnectExhausted or an auth
// failure. It is a no-op while connected or already retrying.
func (m *Manager) Reconnect(ctx context.Context) error {
	return m.Connect(ctx)
}

// Disconnect closes the socket and stops any reconnect cycle. In-flight
// requests fail with a transient network error.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	conn := m.conn
	wasIdle := m.state == StateDisconnected && conn == nil
	m.conn = nil
	m.generation++
	gen := m.generation
	m.state = StateDisconnected
	if m.stop != nil {
		m.stop()
		m.stop = nil
	}
	pending := m.takePendingLocked()
	m.mu.Unlock()

	failPending(pending, apperrors.NewTransientNetworkError(errNotConnected))
	var err error
	if conn != nil {
		err = conn.Close("client disconnect")
	}
	if !wasIdle {
		m.onState.emit(StateChange{State: StateDisconnected, Generation: gen})
	}
	return err
}

func (m *Manager) dial(ctx context.Context) (Conn, protocol.HelloPayload, error) {
	var hello protocol.HelloPayload
	conn, err := m.transport.Dial(ctx)
	if err != nil {
		return nil, hello, classify(err)
	}
	env, err := conn.Read(ctx)
	switch {
	case err != nil:
		err = classify(err)
	case env.Type == protocol.FrameError:
		err = env.AsError()
	case env.Type != protocol.FrameHello:
		err = apperrors.NewTransientNetworkError(fmt.Errorf("expected hello, got %q", env.Type))
	default:
		err = env.Decode(&hello)
	}
	if err != nil {
		_ = conn.Close("handshake failed")
		return nil, hello, err
	}
	return conn, hello, nil
}

func (m *Manager) attach(conn Conn, hello protocol.HelloPayload) bool {
	m.mu.Lock()
	if m.state != StateConnecting && m.state != StateReconnecting {
		m.mu.Unlock()
		return false
	}
	m.generation++
	gen := m.generation
	m.conn = conn
	m.hello = hello
	m.state = StateConnected
	life := m.life
	m.mu.Unlock()

	m.logger.Info("connected",
		zap.Uint64("generation", gen),
		zap.String("connection_id", hello.ConnectionID),
		zap.String("user_id", hello.Identity.ID),
	)
	go m.readLoop(life, gen, conn)
	m.onState.emit(StateChange{State: StateConnected, Generation: gen})
	return true
}

func (m *Manager) setDisconnected(err error) {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	gen := m.generation
	m.mu.Unlock()
	m.onState.emit(StateChange{State: StateDisconnected, Generation: gen, Err: err})
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation == gen
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		env, err := conn.Read(ctx)
		if err != nil {
			m.dropped(gen, err)
			return
		}
		if !m.current(gen) {
			return
		}
		m.dispatch(env)
	}
}

func (m *Manager) dropped(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.generation || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.state = StateReconnecting
	pending := m.takePendingLocked()
	life := m.life
	m.mu.Unlock()

	_ = conn.Close("read failed")
	err := classify(cause)
	failPending(pending, err)
	m.logger.Warn("connection lost", zap.Uint64("generation", gen), zap.Error(cause))
	m.onState.emit(StateChange{State: StateReconnecting, Generation: gen, Err: err})
	go m.reconnect(life)
}

func (m *Manager) reconnect(ctx context.Context) {
	var lastErr error
	for attempt := 1; attempt <= m.opts.MaxAttempts; attempt++ {
		delay := m.backoff(attempt)
		m.onState.emit(StateChange{State: StateReconnecting, Generation: m.Generation(), Attempt: attempt, Err: lastErr})
		if err := m.opts.Sleep(ctx, delay); err != nil {
			return
		}
		if m.State() != StateReconnecting {
			return
		}

		conn, hello, err := m.dial(ctx)
		if err == nil {
			if !m.attach(conn, hello) {
				_ = conn.Close("disconnected while reconnecting")
			}
			return
		}
		if errors.Is(err, apperrors.ErrAuth) {
			m.logger.Warn("reconnect rejected", zap.Error(err))
			m.setDisconnected(err)
			return
		}
		lastErr = err
		m.logger.Debug("reconnect attempt failed", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}
	m.logger.Warn("reconnect attempts exhausted", zap.Int("attempts", m.opts.MaxAttempts), zap.Error(lastErr))
	m.setDisconnected(apperrors.NewReconnectExhausted(m.opts.MaxAttempts))
}

// backoff returns the delay before the given attempt: exponential growth
// capped at MaxDelay, with the upper half jittered.
func (m *Manager) backoff(attempt int) time.Duration {
	exp := float64(m.opts.BaseDelay) * math.Pow(2, float64(attempt-1))
	capped := math.Min(exp, float64(m.opts.MaxDelay))
	return time.Duration(capped/2 + m.opts.Jitter()*capped/2)
}

func (m *Manager) dispatch(env protocol.Envelope) {
	switch env.Type {
	case protocol.FrameAck, protocol.FramePong:
		m.resolve(env)
	case protocol.FrameError:
		if env.RequestID != "" && m.resolve(env) {
			return
		}
		domainErr := env.AsError()
		m.logger.Warn("server error", zap.String("code", domainErr.Code), zap.String("ticket_id", env.TicketID))
		m.onError.emit(domainErr)
	case protocol.FrameMessageNew:
		var msg domain.TicketMessage
		if err := env.Decode(&msg); err != nil {
			m.logger.Warn("drop malformed message frame", zap.Error(err))
			return
		}
		m.onMessage.emit(msg)
	case protocol.FrameTypingChanged:
		var payload protocol.TypingChangedPayload
		if err := env.Decode(&payload); err != nil {
			m.logger.Warn("drop malformed typing frame", zap.Error(err))
			return
		}
		m.onTyping.emit(TypingChange{TicketID: env.TicketID, Typists: payload.Typists})
	case protocol.FrameStatusChanged:
		var payload protocol.StatusChangedPayload
		if err := env.Decode(&payload); err != nil {
			m.logger.Warn("drop malformed status frame", zap.Error(err))
			return
		}
		m.onStatus.emit(payload)
	default:
		m.logger.Debug("ignore frame", zap.String("type", string(env.Type)))
	}
}

func (m *Manager) resolve(env protocol.Envelope) bool {
	m.mu.Lock()
	ch, ok := m.pending[env.RequestID]
	delete(m.pending, env.RequestID)
	m.mu.Unlock()
	if ok {
		ch <- reply{env: env}
	}
	return ok
}

func (m *Manager) forget(requestID string) {
	m.mu.Lock()
	delete(m.pending, requestID)
	m.mu.Unlock()
}

func (m *Manager) takePendingLocked() map[string]chan reply {
	pending := m.pending
	m.pending = make(map[string]chan reply)
	return pending
}

func failPending(pending map[string]chan reply, err error) {
	for _, ch := range pending {
		ch <- reply{err: err}
	}
}

// request writes a frame and waits for the ack or error that carries its
// request id.
func (m *Manager) request(ctx context.Context, frameType protocol.FrameType, ticketID string, payload any) (protocol.Envelope, error) {
	env, err := protocol.New(frameType, ticketID, payload)
	if err != nil {
		return protocol.Envelope{}, apperrors.NewValidationError(err.Error(), nil)
	}

	m.mu.Lock()
	conn := m.conn
	if conn == nil || m.state != StateConnected {
		m.mu.Unlock()
		return protocol.Envelope{}, apperrors.NewTransientNetworkError(errNotConnected)
	}
	m.seq++
	env.RequestID = fmt.Sprintf("req-%d", m.seq)
	ch := make(chan reply, 1)
	m.pending[env.RequestID] = ch
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	defer cancel()

	if err := conn.Write(ctx, env); err != nil {
		m.forget(env.RequestID)
		return protocol.Envelope{}, classify(err)
	}
	select {
	case r := <-ch:
		if r.err != nil {
			return protocol.Envelope{}, r.err
		}
		if r.env.Type == protocol.FrameError {
			return r.env, r.env.AsError()
		}
		return r.env, nil
	case <-ctx.Done():
		m.forget(env.RequestID)
		return protocol.Envelope{}, apperrors.NewTransientNetworkError(ctx.Err())
	}
}

// notify writes a frame that gets no ack.
func (m *Manager) notify(ctx context.Context, frameType protocol.FrameType, ticketID string) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return apperrors.NewTransientNetworkError(errNotConnected)
	}
	return classify(conn.Write(ctx, protocol.MustNew(frameType, ticketID, nil)))
}

// Join enters ticketID's room, leaving the previous one, and returns the
// ticket snapshot with its history.
func (m *Manager) Join(ctx context.Context, ticketID string) (*protocol.JoinAck, error) {
	if strings.TrimSpace(ticketID) == "" {
		return nil, apperrors.NewValidationError("ticket_id is required", nil)
	}
	env, err := m.request(ctx, protocol.FrameJoin, ticketID, nil)
	if err != nil {
		return nil, err
	}
	var ack protocol.JoinAck
	if err := env.Decode(&ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Leave exits ticketID's room.
func (m *Manager) Leave(ctx context.Context, ticketID string) error {
	_, err := m.request(ctx, protocol.FrameLeave, ticketID, nil)
	return err
}

// Send submits draft and returns the persisted message. An empty draft is
// rejected locally.
func (m *Manager) Send(ctx context.Context, ticketID string, draft domain.MessageDraft) (*domain.TicketMessage, error) {
	if draft.Empty() {
		return nil, apperrors.NewValidationError("message needs a body or an attachment", nil)
	}
	env, err := m.request(ctx, protocol.FrameSend, ticketID, protocol.SendPayload{Draft: draft})
	if err != nil {
		return nil, err
	}
	var msg domain.TicketMessage
	if err := env.Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// StartTyping signals that the user is typing in ticketID. Callers re-emit
// it while typing continues.
func (m *Manager) StartTyping(ctx context.Context, ticketID string) error {
	return m.notify(ctx, protocol.FrameTypingStart, ticketID)
}

// StopTyping clears the typing signal.
func (m *Manager) StopTyping(ctx context.Context, ticketID string) error {
	return m.notify(ctx, protocol.FrameTypingStop, ticketID)
}

// SetStatus asks the server to move ticketID to status. Admin only.
func (m *Manager) SetStatus(ctx context.Context, ticketID string, status domain.TicketStatus) (*domain.Ticket, error) {
	env, err := m.request(ctx, protocol.FrameStatusSet, ticketID, protocol.StatusSetPayload{Status: string(status)})
	if err != nil {
		return nil, err
	}
	var ticket domain.Ticket
	if err := env.Decode(&ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

// SubmitFeedback rates a closed ticket.
func (m *Manager) SubmitFeedback(ctx context.Context, ticketID string, rating int, comment string) (*domain.Feedback, error) {
	if rating < 1 || rating > 5 {
		return nil, apperrors.NewValidationError("rating must be between 1 and 5", map[string]any{"rating": rating})
	}
	env, err := m.request(ctx, protocol.FrameFeedbackSubmit, ticketID, protocol.FeedbackPayload{Rating: rating, Comment: comment})
	if err != nil {
		return nil, err
	}
	var feedback domain.Feedback
	if err := env.Decode(&feedback); err != nil {
		return nil, err
	}
	return &feedback, nil
}

// Ping round-trips an application ping.
func (m *Manager) Ping(ctx context.Context) error {
	_, err := m.request(ctx, protocol.FramePing, "", nil)
	return err
}

// classify keeps domain errors and treats everything else as a network
// failure worth retrying.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var domainErr *apperrors.DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	return apperrors.NewTransientNetworkError(err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
