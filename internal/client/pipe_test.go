package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/support-realtime/internal/config"
	"github.com/spec-kit/support-realtime/internal/domain"
	"github.com/spec-kit/support-realtime/internal/protocol"
	"github.com/spec-kit/support-realtime/internal/realtime"
	"github.com/spec-kit/support-realtime/internal/repository"
)

var errPipeClosed = errors.New("pipe closed")

// pipe joins a client Conn to a server realtime.Socket in memory.
type pipe struct {
	toServer chan []byte
	toClient chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newPipe() *pipe {
	return &pipe{
		toServer: make(chan []byte, 256),
		toClient: make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
}

func (p *pipe) close() { p.once.Do(func() { close(p.closed) }) }

type pipeServer struct{ *pipe }

func (s pipeServer) ReadMessage() (int, []byte, error) {
	select {
	case data := <-s.toServer:
		return websocket.TextMessage, data, nil
	case <-s.closed:
		return 0, nil, errPipeClosed
	}
}

func (s pipeServer) WriteMessage(_ int, data []byte) error {
	select {
	case s.toClient <- data:
		return nil
	case <-s.closed:
		return errPipeClosed
	}
}

func (s pipeServer) WriteControl(int, []byte, time.Time) error { return nil }
func (s pipeServer) SetReadDeadline(time.Time) error           { return nil }
func (s pipeServer) SetWriteDeadline(time.Time) error          { return nil }
func (s pipeServer) SetReadLimit(int64)                        {}
func (s pipeServer) SetPongHandler(func(string) error)         {}
func (s pipeServer) Close() error                              { s.close(); return nil }

type pipeClient struct{ *pipe }

func (c pipeClient) Read(ctx context.Context) (protocol.Envelope, error) {
	var env protocol.Envelope
	select {
	case data := <-c.toClient:
		return env, json.Unmarshal(data, &env)
	case <-c.closed:
		return env, errPipeClosed
	case <-ctx.Done():
		return env, ctx.Err()
	}
}

func (c pipeClient) Write(ctx context.Context, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case c.toServer <- data:
		return nil
	case <-c.closed:
		return errPipeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c pipeClient) Close(string) error { c.close(); return nil }

// pipeTransport dials straight into a router, one pipe per dial.
type pipeTransport struct {
	router   *realtime.Router
	identity domain.Identity

	mu      sync.Mutex
	dials   int
	failAll error
	pipes   []*pipe
}

func (t *pipeTransport) Dial(context.Context) (Conn, error) {
	t.mu.Lock()
	t.dials++
	if t.failAll != nil {
		err := t.failAll
		t.mu.Unlock()
		return nil, err
	}
	p := newPipe()
	t.pipes = append(t.pipes, p)
	t.mu.Unlock()

	go t.router.Serve(context.Background(), pipeServer{p}, t.identity, config.RealtimeConfig{SendBuffer: 256})
	return pipeClient{p}, nil
}

func (t *pipeTransport) setFailure(err error) {
	t.mu.Lock()
	t.failAll = err
	t.mu.Unlock()
}

func (t *pipeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// drop cuts the most recent connection as a network failure would.
func (t *pipeTransport) drop() {
	t.mu.Lock()
	p := t.pipes[len(t.pipes)-1]
	t.mu.Unlock()
	p.close()
}

var (
	customer = domain.Identity{ID: "cus-1", Name: "Ada", Role: domain.RoleUser}
	agent    = domain.Identity{ID: "adm-1", Name: "Bo", Role: domain.RoleAdmin}
)

type world struct {
	router *realtime.Router
	store  *repository.MemoryStore
	ticket *domain.Ticket
}

func newWorld(t *testing.T) *world {
	t.Helper()
	store := repository.NewMemoryStore(nil)
	ticket := &domain.Ticket{CustomerID: customer.ID, Subject: "Damaged item"}
	require.NoError(t, store.CreateTicket(context.Background(), ticket))
	router := realtime.NewRouter(realtime.RouterDependencies{Store: store}, realtime.RouterOptions{
		TypingTTL:     time.Second,
		HistoryOnJoin: true,
	})
	return &world{router: router, store: store, ticket: ticket}
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func (w *world) manager(t *testing.T, identity domain.Identity) (*Manager, *pipeTransport) {
	t.Helper()
	transport := &pipeTransport{router: w.router, identity: identity}
	m := NewManager(transport, Options{Sleep: noSleep, RequestTimeout: 2 * time.Second})
	t.Cleanup(func() { _ = m.Disconnect() })
	return m, transport
}

func (w *world) connected(t *testing.T, identity domain.Identity) (*Manager, *pipeTransport) {
	t.Helper()
	m, transport := w.manager(t, identity)
	require.NoError(t, m.Connect(context.Background()))
	return m, transport
}

func messageIDs(msgs []domain.TicketMessage) []string {
	ids := make([]string, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.ID
	}
	return ids
}
