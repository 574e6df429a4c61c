// Package presence tracks ephemeral typing indicators per ticket. Nothing
// here is persisted; state is rebuilt from live signals after a restart.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/spec-kit/support-realtime/internal/domain"
)

// DefaultTTL is how long a typing signal lives without a re-emit.
const DefaultTTL = time.Second

// Change is one typist set of a ticket. Version grows with every change the
// tracker makes, across all tickets, so a receiver can drop a snapshot that
// arrives after a newer one.
type Change struct {
	TicketID string
	Typists  []domain.Participant
	Version  uint64
}

// ChangeFunc receives the full typist set of a ticket after it changed.
type ChangeFunc func(Change)

// typist is one participant with the signal sources keeping it visible. A
// user typing from two connections stays a typist until both stop.
type typist struct {
	participant domain.Participant
	sources     map[string]time.Time
}

// Tracker holds the typist sets. Signals are last-writer-wins per source.
type Tracker struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	rooms    map[string]map[string]*typist
	version  uint64
	onChange ChangeFunc
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithOnChange registers the change callback. It is invoked without the
// tracker lock held, so two callbacks may race; compare Change.Version.
func WithOnChange(fn ChangeFunc) Option {
	return func(t *Tracker) { t.onChange = fn }
}

// New builds a Tracker. A non-positive ttl selects DefaultTTL.
func New(ttl time.Duration, opts ...Option) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	t := &Tracker{
		ttl:   ttl,
		now:   time.Now,
		rooms: make(map[string]map[string]*typist),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartTyping marks participant as typing in ticketID from source until the
// TTL elapses. A re-emit extends the deadline. It reports whether the typist
// set changed.
func (t *Tracker) StartTyping(ticketID, source string, participant domain.Participant) bool {
	t.mu.Lock()
	room := t.rooms[ticketID]
	if room == nil {
		room = make(map[string]*typist)
		t.rooms[ticketID] = room
	}
	key := participant.Key()
	entry, existed := room[key]
	if !existed {
		entry = &typist{participant: participant, sources: make(map[string]time.Time, 1)}
		room[key] = entry
	}
	entry.sources[source] = t.now().Add(t.ttl)
	var change Change
	if !existed {
		change = t.changeLocked(ticketID, room)
	}
	t.mu.Unlock()

	if !existed {
		t.notify(change)
	}
	return !existed
}

// StopTyping clears the signal of participant from source. The participant
// leaves the typist set once no source is left. It reports whether the set
// changed.
func (t *Tracker) StopTyping(ticketID, source string, participant domain.Participant) bool {
	t.mu.Lock()
	room := t.rooms[ticketID]
	key := participant.Key()
	entry, ok := room[key]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(entry.sources, source)
	if len(entry.sources) > 0 {
		t.mu.Unlock()
		return false
	}
	delete(room, key)
	change := t.changeLocked(ticketID, room)
	if len(room) == 0 {
		delete(t.rooms, ticketID)
	}
	t.mu.Unlock()

	t.notify(change)
	return true
}

// Replace overwrites the typist set of ticketID with a fresh TTL for each
// entry. Receivers use it to mirror the sender's view and still expire
// locally when no update follows.
func (t *Tracker) Replace(ticketID string, participants []domain.Participant) {
	t.mu.Lock()
	if len(participants) == 0 {
		delete(t.rooms, ticketID)
	} else {
		room := make(map[string]*typist, len(participants))
		deadline := t.now().Add(t.ttl)
		for _, p := range participants {
			room[p.Key()] = &typist{participant: p, sources: map[string]time.Time{"": deadline}}
		}
		t.rooms[ticketID] = room
	}
	change := t.changeLocked(ticketID, t.rooms[ticketID])
	t.mu.Unlock()

	t.notify(change)
}

// Typists returns the live typists of ticketID, sorted by key. Expired
// entries are never returned even before the sweeper runs.
func (t *Tracker) Typists(ticketID string) []domain.Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make([]domain.Participant, 0, len(t.rooms[ticketID]))
	for _, entry := range t.rooms[ticketID] {
		if entry.liveAt(now) {
			out = append(out, entry.participant)
		}
	}
	sortParticipants(out)
	return out
}

// Expire removes every signal whose TTL elapsed and notifies the tickets
// whose typist set shrank. It returns the number of removed signals.
func (t *Tracker) Expire() int {
	var changes []Change
	removed := 0

	t.mu.Lock()
	now := t.now()
	for ticketID, room := range t.rooms {
		dropped := false
		for key, entry := range room {
			for source, deadline := range entry.sources {
				if !deadline.After(now) {
					delete(entry.sources, source)
					removed++
				}
			}
			if len(entry.sources) == 0 {
				delete(room, key)
				dropped = true
			}
		}
		if !dropped {
			continue
		}
		changes = append(changes, t.changeLocked(ticketID, room))
		if len(room) == 0 {
			delete(t.rooms, ticketID)
		}
	}
	t.mu.Unlock()

	for _, c := range changes {
		t.notify(c)
	}
	return removed
}

// Run sweeps expired signals every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = t.ttl / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Expire()
		}
	}
}

func (t *Tracker) notify(change Change) {
	if t.onChange != nil {
		t.onChange(change)
	}
}

func (t *Tracker) changeLocked(ticketID string, room map[string]*typist) Change {
	t.version++
	out := make([]domain.Participant, 0, len(room))
	for _, entry := range room {
		out = append(out, entry.participant)
	}
	sortParticipants(out)
	return Change{TicketID: ticketID, Typists: out, Version: t.version}
}

func (e *typist) liveAt(now time.Time) bool {
	for _, deadline := range e.sources {
		if deadline.After(now) {
			return true
		}
	}
	return false
}

func sortParticipants(ps []domain.Participant) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Key() < ps[j].Key() })
}
