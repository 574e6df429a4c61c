// Package reconcile merges delivered messages into a client's local view of
// a ticket conversation under duplicate and out-of-order delivery.
package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/spec-kit/support-realtime/internal/domain"
)

// DefaultTolerance is the timestamp window for content-based dedupe.
const DefaultTolerance = 3 * time.Second

// Outcome describes what Merge did with an incoming message.
type Outcome int

const (
	Inserted Outcome = iota
	DuplicateID
	DuplicateContent
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case DuplicateID:
		return "duplicate_id"
	case DuplicateContent:
		return "duplicate_content"
	}
	return "unknown"
}

type entry struct {
	msg     domain.TicketMessage
	arrival uint64
}

// Timeline is the ordered local message list of one ticket. It is safe for
// concurrent use.
type Timeline struct {
	mu        sync.RWMutex
	ticketID  string
	tolerance time.Duration
	entries   []entry
	ids       map[string]struct{}
	arrivals  uint64
}

// NewTimeline returns an empty timeline for ticketID. A non-positive
// tolerance selects DefaultTolerance.
func NewTimeline(ticketID string, tolerance time.Duration) *Timeline {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Timeline{
		ticketID:  ticketID,
		tolerance: tolerance,
		ids:       make(map[string]struct{}),
	}
}

// TicketID returns the ticket the timeline belongs to.
func (t *Timeline) TicketID() string {
	return t.ticketID
}

// Merge applies the dedupe rule and inserts msg when it is new.
//
// 1. an entry with the same id wins;
// 2. otherwise, when one side has no server id yet, an entry with the same
//    sender, body and attachments within the tolerance window wins. A
//    pending entry adopts the id of the persisted copy;
// 3. otherwise msg is inserted in ascending timestamp order, after any
//    entries with an equal timestamp.
//
// Two messages that both carry server ids are never merged by content.
func (t *Timeline) Merge(msg domain.TicketMessage) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	if msg.ID != "" {
		if _, ok := t.ids[msg.ID]; ok {
			return DuplicateID
		}
	}
	for i := range t.entries {
		existing := t.entries[i].msg
		if existing.ID != "" && msg.ID != "" {
			continue
		}
		if !sameContent(existing, msg, t.tolerance) {
			continue
		}
		if existing.ID == "" && msg.ID != "" {
			t.entries[i].msg = msg
			t.ids[msg.ID] = struct{}{}
			t.resort()
		}
		return DuplicateContent
	}

	t.arrivals++
	e := entry{msg: msg, arrival: t.arrivals}
	idx := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].msg.Timestamp.After(msg.Timestamp)
	})
	t.entries = append(t.entries, entry{})
	copy(t.entries[idx+1:], t.entries[idx:])
	t.entries[idx] = e
	if msg.ID != "" {
		t.ids[msg.ID] = struct{}{}
	}
	return Inserted
}

// MergeAll merges a backfilled history and returns how many were inserted.
func (t *Timeline) MergeAll(msgs []domain.TicketMessage) int {
	inserted := 0
	for _, msg := range msgs {
		if t.Merge(msg) == Inserted {
			inserted++
		}
	}
	return inserted
}

// Messages returns a copy of the ordered list.
func (t *Timeline) Messages() []domain.TicketMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.TicketMessage, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.msg
	}
	return out
}

// Len returns the number of messages held.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// resort restores timestamp order after a pending entry took the server's
// timestamp.
func (t *Timeline) resort() {
	sort.SliceStable(t.entries, func(i, j int) bool {
		a, b := t.entries[i], t.entries[j]
		if a.msg.Timestamp.Equal(b.msg.Timestamp) {
			return a.arrival < b.arrival
		}
		return a.msg.Timestamp.Before(b.msg.Timestamp)
	})
}

func sameContent(existing, incoming domain.TicketMessage, tolerance time.Duration) bool {
	if existing.Body != incoming.Body || !existing.Sender.Same(incoming.Sender) {
		return false
	}
	if len(existing.Attachments) != len(incoming.Attachments) {
		return false
	}
	for i := range existing.Attachments {
		if existing.Attachments[i].URL != incoming.Attachments[i].URL {
			return false
		}
	}
	delta := existing.Timestamp.Sub(incoming.Timestamp)
	if delta < 0 {
		delta = -delta
	}
	return delta <= tolerance
}
