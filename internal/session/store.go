package session

import (
	"sync"

	"github.com/charlesng35/jamlink/internal/protocol"
	"github.com/charlesng35/jamlink/pkg/metrics"
)

// Snapshot is an immutable copy of the local mirror handed to subscribers.
type Snapshot struct {
	ID            string
	Role          protocol.Role
	PasteLocked   bool
	StateReceived bool
	Participants  []protocol.Participant
	Messages      []protocol.ChatMessage
}

// Store holds the client's local mirror of server-authoritative session
// state. Only the Synchronizer and an explicit Reset mutate it; everything
// else observes through Snapshot or Subscribe.
type Store struct {
	mu            sync.RWMutex
	id            string
	role          protocol.Role
	pasteLocked   bool
	stateReceived bool
	participants  []protocol.Participant
	messages      []protocol.ChatMessage
	seenMessages  map[string]struct{}

	subMu   sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int
}

// NewStore constructs an empty mirror store.
func NewStore() *Store {
	return &Store{
		seenMessages: make(map[string]struct{}),
		subs:         make(map[int]func(Snapshot)),
	}
}

// Subscribe registers an observer invoked with a fresh snapshot after every
// applied change. The returned function cancels the subscription.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Snapshot returns a deep copy of the current mirror state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// ID returns the server-assigned session id, empty until the first
// session_state snapshot arrives.
func (s *Store) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// StateReceived reports whether the initial full-state snapshot has been
// applied. Until then the session is not yet usable.
func (s *Store) StateReceived() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateReceived
}

// Reset clears the mirror back to its initial empty state. Called on manual
// disconnect and on logout.
func (s *Store) Reset() {
	s.mu.Lock()
	s.id = ""
	s.role = ""
	s.pasteLocked = false
	s.stateReceived = false
	s.participants = nil
	s.messages = nil
	s.seenMessages = make(map[string]struct{})
	snap := s.snapshotLocked()
	s.mu.Unlock()

	metrics.SessionParticipants.Set(0)
	s.notify(snap)
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:            s.id,
		Role:          s.role,
		PasteLocked:   s.pasteLocked,
		StateReceived: s.stateReceived,
	}
	if len(s.participants) > 0 {
		snap.Participants = make([]protocol.Participant, len(s.participants))
		copy(snap.Participants, s.participants)
	}
	if len(s.messages) > 0 {
		snap.Messages = make([]protocol.ChatMessage, len(s.messages))
		copy(snap.Messages, s.messages)
	}
	return snap
}

func (s *Store) notify(snap Snapshot) {
	s.subMu.Lock()
	observers := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		observers = append(observers, fn)
	}
	s.subMu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}
