// Package realtime owns the live side of the support chat: connections,
// ticket rooms and the router that persists and fans out messages.
package realtime

import (
	"sync"

	"github.com/google/uuid"

	"github.com/spec-kit/support-realtime/internal/domain"
	"github.com/spec-kit/support-realtime/internal/protocol"
)

// Connection is one authenticated socket as seen by the router. Frames are
// queued on a single FIFO drained by the session writer.
type Connection struct {
	id       string
	identity domain.Identity
	send     chan protocol.Envelope
	done     chan struct{}
	once     sync.Once
}

// NewConnection allocates a connection with an outbound queue of size
// buffer.
func NewConnection(identity domain.Identity, buffer int) *Connection {
	if buffer <= 0 {
		buffer = 256
	}
	return &Connection{
		id:       uuid.NewString(),
		identity: identity,
		send:     make(chan protocol.Envelope, buffer),
		done:     make(chan struct{}),
	}
}

func (c *Connection) ID() string                { return c.id }
func (c *Connection) Identity() domain.Identity { return c.identity }

// Participant is the presence identity of the connection's user.
func (c *Connection) Participant() domain.Participant {
	return c.identity.Participant()
}

// Deliver queues env without blocking. It returns false when the queue is
// full or the connection is closed.
func (c *Connection) Deliver(env protocol.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// Outbound is the queue the writer drains.
func (c *Connection) Outbound() <-chan protocol.Envelope { return c.send }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Close marks the connection closed. It never blocks and is idempotent; the
// session notices and tears the socket down.
func (c *Connection) Close() {
	c.once.Do(func() { close(c.done) })
}

// Closed reports whether Close was called.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
