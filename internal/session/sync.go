package session

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/charlesng35/jamlink/internal/protocol"
	"github.com/charlesng35/jamlink/pkg/logger"
	"github.com/charlesng35/jamlink/pkg/metrics"
)

// Synchronizer applies server-pushed events to the local mirror. All merges
// are idempotent: re-applying an already-applied event leaves the observable
// state unchanged.
type Synchronizer struct {
	store *Store
	log   *zap.Logger
}

// NewSynchronizer constructs a synchronizer bound to the supplied store.
func NewSynchronizer(store *Store) *Synchronizer {
	return &Synchronizer{
		store: store,
		log:   logger.WithModule("session"),
	}
}

// Apply routes one inbound envelope to the matching merge. Unknown kinds are
// logged and skipped rather than treated as errors, so older clients survive
// newer servers.
func (s *Synchronizer) Apply(env protocol.Envelope) error {
	switch env.Kind {
	case protocol.KindSessionState:
		return s.applySessionState(env)
	case protocol.KindParticipantJoined:
		return s.applyParticipantJoined(env)
	case protocol.KindParticipantLeft:
		return s.applyParticipantLeft(env)
	case protocol.KindChatMessage:
		return s.applyChatMessage(env)
	case protocol.KindPasteLockChanged:
		return s.applyPasteLock(env)
	default:
		s.log.Debug("ignoring unknown event kind", zap.String("kind", string(env.Kind)))
		return nil
	}
}

func (s *Synchronizer) applySessionState(env protocol.Envelope) error {
	var state protocol.SessionState
	if err := env.DecodeData(&state); err != nil {
		return err
	}

	st := s.store
	st.mu.Lock()
	if st.id != "" && state.SessionID != "" && st.id != state.SessionID {
		// the session id is immutable once set; a mismatched snapshot means
		// the server minted a new session, so the old mirror is stale
		st.messages = nil
		st.seenMessages = make(map[string]struct{})
	}
	if state.SessionID != "" {
		st.id = state.SessionID
	}
	st.role = state.Role
	st.pasteLocked = state.PasteLocked
	st.participants = dedupeParticipants(state.Participants)
	st.stateReceived = true
	snap := st.snapshotLocked()
	st.mu.Unlock()

	metrics.EventsApplied.WithLabelValues(string(env.Kind)).Inc()
	metrics.SessionParticipants.Set(float64(len(snap.Participants)))
	s.log.Debug("session state applied",
		zap.String("session_id", snap.ID),
		zap.Int("participants", len(snap.Participants)))

	st.notify(snap)
	return nil
}

func (s *Synchronizer) applyParticipantJoined(env protocol.Envelope) error {
	var joined protocol.Participant
	if err := env.DecodeData(&joined); err != nil {
		return err
	}
	if joined.ID == "" && joined.UserID == "" && joined.DisplayName == "" {
		return fmt.Errorf("session: participant_joined carries no identity")
	}

	st := s.store
	st.mu.Lock()
	for _, existing := range st.participants {
		if existing.SameIdentity(joined) {
			// duplicate delivery is a silent no-op
			st.mu.Unlock()
			return nil
		}
	}
	st.participants = append(st.participants, joined)
	snap := st.snapshotLocked()
	st.mu.Unlock()

	metrics.EventsApplied.WithLabelValues(string(env.Kind)).Inc()
	metrics.SessionParticipants.Set(float64(len(snap.Participants)))

	st.notify(snap)
	return nil
}

func (s *Synchronizer) applyParticipantLeft(env protocol.Envelope) error {
	var left protocol.ParticipantLeft
	if err := env.DecodeData(&left); err != nil {
		return err
	}

	st := s.store
	st.mu.Lock()
	removed := removeLeftLocked(st, left)
	var snap Snapshot
	if removed {
		snap = st.snapshotLocked()
	}
	st.mu.Unlock()

	if !removed {
		return nil
	}

	metrics.EventsApplied.WithLabelValues(string(env.Kind)).Inc()
	metrics.SessionParticipants.Set(float64(len(snap.Participants)))

	st.notify(snap)
	return nil
}

func (s *Synchronizer) applyChatMessage(env protocol.Envelope) error {
	var msg protocol.ChatMessage
	if err := env.DecodeData(&msg); err != nil {
		return err
	}

	st := s.store
	st.mu.Lock()
	if msg.ID != "" {
		if _, seen := st.seenMessages[msg.ID]; seen {
			st.mu.Unlock()
			return nil
		}
		st.seenMessages[msg.ID] = struct{}{}
	}
	st.messages = append(st.messages, msg)
	snap := st.snapshotLocked()
	st.mu.Unlock()

	metrics.EventsApplied.WithLabelValues(string(env.Kind)).Inc()

	st.notify(snap)
	return nil
}

func (s *Synchronizer) applyPasteLock(env protocol.Envelope) error {
	var lock protocol.PasteLockChanged
	if err := env.DecodeData(&lock); err != nil {
		return err
	}

	st := s.store
	st.mu.Lock()
	changed := st.pasteLocked != lock.Locked
	st.pasteLocked = lock.Locked
	snap := st.snapshotLocked()
	st.mu.Unlock()

	metrics.EventsApplied.WithLabelValues(string(env.Kind)).Inc()

	if changed {
		st.notify(snap)
	}
	return nil
}

// removeLeftLocked applies the removal precedence: connection id first, then
// user id, then guest-only display name. An unmatched id falls through to
// the user id, because join dedup keeps the first connection's id for a
// user who later joins from another connection. The name fallback never
// removes a registered user, so a guest sharing a registered user's name
// cannot evict them.
func removeLeftLocked(st *Store, left protocol.ParticipantLeft) bool {
	if left.ID != "" {
		if removeFirstLocked(st, func(p protocol.Participant) bool { return p.ID == left.ID }) {
			return true
		}
	}
	if left.UserID != "" {
		if removeFirstLocked(st, func(p protocol.Participant) bool { return p.UserID != "" && p.UserID == left.UserID }) {
			return true
		}
	}
	if left.ID == "" && left.UserID == "" && left.DisplayName != "" {
		return removeFirstLocked(st, func(p protocol.Participant) bool {
			return p.UserID == "" && p.DisplayName == left.DisplayName
		})
	}
	return false
}

func removeFirstLocked(st *Store, match func(protocol.Participant) bool) bool {
	for i, p := range st.participants {
		if match(p) {
			st.participants = append(st.participants[:i], st.participants[i+1:]...)
			return true
		}
	}
	return false
}

func dedupeParticipants(in []protocol.Participant) []protocol.Participant {
	if len(in) == 0 {
		return nil
	}
	out := make([]protocol.Participant, 0, len(in))
	for _, candidate := range in {
		duplicate := false
		for _, existing := range out {
			if existing.SameIdentity(candidate) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			out = append(out, candidate)
		}
	}
	return out
}
