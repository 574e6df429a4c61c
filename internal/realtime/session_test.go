package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/support-realtime/internal/config"
	"github.com/spec-kit/support-realtime/internal/domain"
	"github.com/spec-kit/support-realtime/internal/protocol"
	apperrors "github.com/spec-kit/support-realtime/pkg/util/errorutil"
)

var errSocketClosed = errors.New("socket closed")

type fakeSocket struct {
	in     chan []byte
	out    chan protocol.Envelope
	closed chan struct{}
	once   sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 16),
		out:    make(chan protocol.Envelope, 64),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-s.in:
		if !ok {
			return 0, nil, errSocketClosed
		}
		return websocket.TextMessage, data, nil
	case <-s.closed:
		return 0, nil, errSocketClosed
	}
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	select {
	case s.out <- env:
		return nil
	case <-s.closed:
		return errSocketClosed
	}
}

func (s *fakeSocket) WriteControl(int, []byte, time.Time) error { return nil }
func (s *fakeSocket) SetReadDeadline(time.Time) error           { return nil }
func (s *fakeSocket) SetWriteDeadline(time.Time) error          { return nil }
func (s *fakeSocket) SetReadLimit(int64)                        {}
func (s *fakeSocket) SetPongHandler(func(string) error)         {}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) sendFrame(t *testing.T, env protocol.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	s.in <- data
}

func (s *fakeSocket) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env := <-s.out:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return protocol.Envelope{}
	}
}

func pingFrame() protocol.Envelope {
	return protocol.MustNew(protocol.FramePing, "", nil)
}

func request(t *testing.T, frameType protocol.FrameType, requestID, ticketID string, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.New(frameType, ticketID, payload)
	require.NoError(t, err)
	env.RequestID = requestID
	return env
}

func sessionConfig() config.RealtimeConfig {
	return config.RealtimeConfig{SendBuffer: 32, WriteTimeout: time.Second}
}

func TestServeEndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	socket := newFakeSocket()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.router.Serve(context.Background(), socket, customer, sessionConfig())
	}()

	hello := socket.next(t)
	require.Equal(t, protocol.FrameHello, hello.Type)
	var hp protocol.HelloPayload
	require.NoError(t, hello.Decode(&hp))
	assert.Equal(t, customer.ID, hp.Identity.ID)

	socket.sendFrame(t, request(t, protocol.FrameJoin, "r-1", f.ticket.ID, nil))
	ack := socket.next(t)
	require.Equal(t, protocol.FrameAck, ack.Type)
	assert.Equal(t, "r-1", ack.RequestID)
	var joined protocol.JoinAck
	require.NoError(t, ack.Decode(&joined))
	assert.Equal(t, f.ticket.ID, joined.Ticket.ID)

	socket.sendFrame(t, request(t, protocol.FrameSend, "r-2", f.ticket.ID, protocol.SendPayload{
		Draft: domain.MessageDraft{ClientMessageID: "c-1", Body: "where is my order"},
	}))
	broadcast := socket.next(t)
	require.Equal(t, protocol.FrameMessageNew, broadcast.Type)
	sent := socket.next(t)
	require.Equal(t, protocol.FrameAck, sent.Type)
	assert.Equal(t, "r-2", sent.RequestID)
	var live, acked domain.TicketMessage
	require.NoError(t, broadcast.Decode(&live))
	require.NoError(t, sent.Decode(&acked))
	assert.Equal(t, live.ID, acked.ID)

	socket.sendFrame(t, request(t, protocol.FramePing, "r-3", "", nil))
	pong := socket.next(t)
	assert.Equal(t, protocol.FramePong, pong.Type)
	assert.Equal(t, "r-3", pong.RequestID)

	socket.sendFrame(t, request(t, protocol.FrameStatusSet, "r-4", f.ticket.ID, protocol.StatusSetPayload{Status: "closed"}))
	denied := socket.next(t)
	require.Equal(t, protocol.FrameError, denied.Type)
	assert.Equal(t, apperrors.CodeForbidden, denied.AsError().Code)

	socket.sendFrame(t, request(t, "bogus", "r-5", "", nil))
	unknown := socket.next(t)
	require.Equal(t, protocol.FrameError, unknown.Type)
	assert.Equal(t, "r-5", unknown.RequestID)
	assert.Equal(t, apperrors.CodeValidationFailed, unknown.AsError().Code)

	socket.in <- []byte("{not json")
	malformed := socket.next(t)
	assert.Equal(t, apperrors.CodeValidationFailed, malformed.AsError().Code)

	close(socket.in)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after the socket closed")
	}
	assert.Empty(t, f.router.Registry().MembersOf(f.ticket.ID))
}

func TestServeRateLimitsInboundFrames(t *testing.T) {
	f := newFixture(t, nil)
	socket := newFakeSocket()
	cfg := sessionConfig()
	cfg.InboundPerSec = 0.001
	cfg.InboundBurst = 1

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.router.Serve(ctx, socket, agent, cfg)
	}()
	require.Equal(t, protocol.FrameHello, socket.next(t).Type)

	socket.sendFrame(t, request(t, protocol.FramePing, "a", "", nil))
	socket.sendFrame(t, request(t, protocol.FramePing, "b", "", nil))

	assert.Equal(t, protocol.FramePong, socket.next(t).Type)
	limited := socket.next(t)
	require.Equal(t, protocol.FrameError, limited.Type)
	assert.Equal(t, "b", limited.RequestID)
	assert.Equal(t, apperrors.CodeRateLimited, limited.AsError().Code)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestWriteDropsFramesOfALeftRoom(t *testing.T) {
	f := newFixture(t, nil)
	socket := newFakeSocket()
	conn := NewConnection(agent, 8)
	s := &session{router: f.router, conn: conn, socket: socket, cfg: sessionConfig(), logger: f.router.logger}

	_, err := f.router.Join(context.Background(), conn, "r", f.ticket.ID)
	require.NoError(t, err)
	stale := protocol.MustNew(protocol.FrameMessageNew, f.ticket.ID, domain.TicketMessage{ID: "m-1"})
	require.NoError(t, f.router.Leave(context.Background(), conn, f.ticket.ID))

	require.NoError(t, s.write(stale))
	require.NoError(t, s.write(pingFrame()))

	assert.Equal(t, protocol.FramePing, socket.next(t).Type)
	assert.Empty(t, socket.out)
}
