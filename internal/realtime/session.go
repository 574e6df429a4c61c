package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/spec-kit/support-realtime/internal/config"
	"github.com/spec-kit/support-realtime/internal/domain"
	"github.com/spec-kit/support-realtime/internal/protocol"
	apperrors "github.com/spec-kit/support-realtime/pkg/util/errorutil"
)

// Socket is the part of a websocket connection a session drives.
// *websocket.Conn from gofiber/contrib satisfies it.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

type session struct {
	router  *Router
	conn    *Connection
	socket  Socket
	cfg     config.RealtimeConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Serve runs one websocket session for identity until the socket closes or
// ctx is cancelled. It blocks; the read loop runs on the caller's goroutine
// and a second goroutine owns every write.
func (r *Router) Serve(ctx context.Context, socket Socket, identity domain.Identity, cfg config.RealtimeConfig) {
	conn := NewConnection(identity, cfg.SendBuffer)
	limit := rate.Inf
	if cfg.InboundPerSec > 0 {
		limit = rate.Limit(cfg.InboundPerSec)
	}
	burst := cfg.InboundBurst
	if burst <= 0 {
		burst = 1
	}
	s := &session{
		router:  r,
		conn:    conn,
		socket:  socket,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		logger: r.logger.With(
			zap.String("connection_id", conn.ID()),
			zap.String("user_id", identity.ID),
			zap.String("role", string(identity.Role)),
		),
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.Connect(conn)
	s.logger.Info("websocket connected")
	s.reply(protocol.MustNew(protocol.FrameHello, "", protocol.HelloPayload{
		ConnectionID: conn.ID(),
		Identity:     identity,
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump(ctx)
	}()

	s.readPump(ctx)
	r.Disconnect(conn)
	wg.Wait()
	_ = socket.Close()
	s.logger.Info("websocket disconnected")
}

func (s *session) readPump(ctx context.Context) {
	if s.cfg.MaxFrameBytes > 0 {
		s.socket.SetReadLimit(s.cfg.MaxFrameBytes)
	}
	s.extendReadDeadline()
	s.socket.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		return nil
	})

	for {
		msgType, data, err := s.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		s.extendReadDeadline()

		if msgType != websocket.TextMessage {
			s.reply(protocol.Error("", "", apperrors.NewValidationError("only text frames are accepted", nil)))
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.reply(protocol.Error("", "", apperrors.NewValidationError("malformed frame", nil)))
			continue
		}
		if !s.limiter.Allow() {
			s.reply(protocol.Error(env.RequestID, env.TicketID, apperrors.NewRateLimited()))
			continue
		}
		s.handle(ctx, env)
	}
}

func (s *session) extendReadDeadline() {
	if s.cfg.PongWait > 0 {
		_ = s.socket.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	}
}

func (s *session) handle(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.FrameJoin:
		// the router queues the ack itself
		if _, err := s.router.Join(ctx, s.conn, env.RequestID, env.TicketID); err != nil {
			s.fail(env, err)
		}
	case protocol.FrameLeave:
		if err := s.router.Leave(ctx, s.conn, env.TicketID); err != nil {
			s.fail(env, err)
			return
		}
		s.reply(protocol.Ack(env.RequestID, env.TicketID, nil))
	case protocol.FrameSend:
		var payload protocol.SendPayload
		if err := env.Decode(&payload); err != nil {
			s.fail(env, err)
			return
		}
		msg, err := s.router.Send(ctx, s.conn, env.TicketID, payload.Draft)
		if err != nil {
			s.fail(env, err)
			return
		}
		s.reply(protocol.Ack(env.RequestID, env.TicketID, msg))
	case protocol.FrameTypingStart:
		if err := s.router.StartTyping(ctx, s.conn, env.TicketID); err != nil {
			s.fail(env, err)
		}
	case protocol.FrameTypingStop:
		if err := s.router.StopTyping(ctx, s.conn, env.TicketID); err != nil {
			s.fail(env, err)
		}
	case protocol.FrameStatusSet:
		var payload protocol.StatusSetPayload
		if err := env.Decode(&payload); err != nil {
			s.fail(env, err)
			return
		}
		ticket, err := s.router.SetStatus(ctx, s.conn, env.TicketID, payload.Status)
		if err != nil {
			s.fail(env, err)
			return
		}
		s.reply(protocol.Ack(env.RequestID, env.TicketID, ticket))
	case protocol.FrameFeedbackSubmit:
		var payload protocol.FeedbackPayload
		if err := env.Decode(&payload); err != nil {
			s.fail(env, err)
			return
		}
		feedback, err := s.router.SubmitFeedback(ctx, s.conn, env.TicketID, payload)
		if err != nil {
			s.fail(env, err)
			return
		}
		s.reply(protocol.Ack(env.RequestID, env.TicketID, feedback))
	case protocol.FramePing:
		pong := protocol.MustNew(protocol.FramePong, "", nil)
		pong.RequestID = env.RequestID
		s.reply(pong)
	default:
		s.fail(env, apperrors.NewValidationError("unknown frame type", map[string]any{"type": env.Type}))
	}
}

func (s *session) fail(env protocol.Envelope, err error) {
	s.reply(protocol.Error(env.RequestID, env.TicketID, err))
}

func (s *session) reply(env protocol.Envelope) {
	s.router.deliver(s.conn, env)
}

func (s *session) writePump(ctx context.Context) {
	var ping <-chan time.Time
	if s.cfg.PingInterval > 0 {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer func() { _ = s.socket.Close() }()

	for {
		select {
		case <-ctx.Done():
			s.writeClose(websocket.CloseGoingAway, "server shutting down")
			return
		case <-s.conn.Done():
			s.writeClose(websocket.CloseNormalClosure, "")
			return
		case env := <-s.conn.Outbound():
			if err := s.write(env); err != nil {
				s.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ping:
			if err := s.socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout())); err != nil {
				s.logger.Debug("websocket ping failed", zap.Error(err))
				return
			}
		}
	}
}

// write sends env unless it belongs to a room the connection has left since
// it was queued.
func (s *session) write(env protocol.Envelope) error {
	if env.RoomScoped() && !s.router.registry.IsMember(s.conn, env.TicketID) {
		s.router.metrics.DeliveryDropped("left_room")
		return nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("encode frame", zap.String("frame", string(env.Type)), zap.Error(err))
		return nil
	}
	_ = s.socket.SetWriteDeadline(time.Now().Add(s.writeTimeout()))
	return s.socket.WriteMessage(websocket.TextMessage, data)
}

func (s *session) writeClose(code int, reason string) {
	_ = s.socket.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(s.writeTimeout()))
}

func (s *session) writeTimeout() time.Duration {
	if s.cfg.WriteTimeout > 0 {
		return s.cfg.WriteTimeout
	}
	return 10 * time.Second
}
