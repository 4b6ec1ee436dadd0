package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/jamlink/internal/protocol"
)

func mustEncode(t *testing.T, kind protocol.Kind, payload any) protocol.Envelope {
	t.Helper()
	raw, err := protocol.Encode(kind, payload)
	require.NoError(t, err)
	env, err := protocol.Decode(raw)
	require.NoError(t, err)
	return env
}

func TestSessionStateReplacesParticipants(t *testing.T) {
	store := NewStore()
	sync := NewSynchronizer(store)

	require.NoError(t, sync.Apply(mustEncode(t, protocol.KindParticipantJoined,
		protocol.Participant{ID: "stale", DisplayName: "ghost"})))

	state := protocol.SessionState{
		SessionID:   "sess-1",
		Role:        protocol.RoleEditor,
		PasteLocked: true,
		Participants: []protocol.Participant{
			{ID: "c1", UserID: "u1", DisplayName: "alice", Role: protocol.RoleOwner},
			{ID: "c2", DisplayName: "guest-bob"},
		},
	}
	require.NoError(t, sync.Apply(mustEncode(t, protocol.KindSessionState, state)))

	snap := store.Snapshot()
	require.True(t, snap.StateReceived)
	require.Equal(t, "sess-1", snap.ID)
	require.Equal(t, protocol.RoleEditor, snap.Role)
	require.True(t, snap.PasteLocked)
	require.Len(t, snap.Participants, 2)
	for _, p := range snap.Participants {
		require.NotEqual(t, "stale", p.ID, "snapshot must replace, not merge")
	}
}

func TestSessionStateDedupesSnapshotParticipants(t *testing.T) {
	store := NewStore()
	sync := NewSynchronizer(store)

	state := protocol.SessionState{
		SessionID: "sess-1",
		Participants: []protocol.Participant{
			{ID: "c1", UserID: "u1", DisplayName: "alice"},
			{ID: "c2", UserID: "u1", DisplayName: "alice-phone"},
			{ID: "c3", DisplayName: "guest"},
			{ID: "c4", DisplayName: "guest"},
		},
	}
	require.NoError(t, sync.Apply(mustEncode(t, protocol.KindSessionState, state)))
	require.Len(t, store.Snapshot().Participants, 2)
}

func TestParticipantJoinedIsIdempotent(t *testing.T) {
	store := NewStore()
	sync := NewSynchronizer(store)

	joined := protocol.Participant{ID: "c1", UserID: "u1", DisplayName: "alice"}
	for i := 0; i < 3; i++ {
		require.NoError(t, sync.Apply(mustEncode(t, protocol.KindParticipantJoined, joined)))
	}
	require.Len(t, store.Snapshot().Participants, 1)

	// same user on a second connection is still one participant
	second := protocol.Participant{ID: "c2", UserID: "u1", DisplayName: "alice"}
	require.NoError(t, sync.Apply(mustEncode(t, protocol.KindParticipantJoined, second)))
	require.Len(t, store.Snapshot().Participants, 1)

	// two guests with the same name are one guest
	guest := protocol.Participant{ID: "c3", DisplayName: "guest"}
	again := protocol.Participant{ID: "c4", DisplayName: "guest"}
	require.NoError(t, sync.Apply(mustEncode(t, protocol.KindParticipantJoined, guest)))
	require.NoError(t, sync.Apply(mustEncode(t, protocol.KindParticipantJoined, again)))
	require.Len(t, store.Snapshot().Participants, 2)
}

func TestParticipantLeftMatchingPrecedence(t *testing.T) {
	store := NewStore()
	sync := NewSynchronizer(store)

	require.NoError(t, sync.Apply(mustEncode(t, protocol.KindParticipantJoined,
		protocol.Participant{ID: "c1", UserID: "u1", DisplayName: "alice"})))
	require.NoError(t, sync.Apply(mustEncode(t, protocol.KindParticipantJoined,
		protocol.Participant{ID: "c2", DisplayName: "alice"})))

	// display-name fallback only removes guests, never the registered user
	require.NoError(t, sync.Apply(mustEncode(t, protocol.KindParticipantLeft,
		protocol.ParticipantLeft{DisplayName: "alice"})))
	snap := store.Snapshot()
	require.Len(t, snap.Participants, 1)
	require.Equal(t, "u1", snap.Participants[0].UserID)

	// user id match removes the registered user
	require.NoError(t, sync.Apply(mustEncode(t, protocol.KindParticipantLeft,
		protocol.ParticipantLeft{UserID: "u1"})))
	require.Empty(t, store.Snapshot().Participants)

	// removing an absent participant is a no-op
	require.NoError(t, sync.Apply(mustEncode(t, protocol.KindParticipantLeft,
		protocol.ParticipantLeft{ID: "c9"})))
	require.Empty(t, store.Snapshot().Participants)
}

func TestParticipantLeftUnmatchedIDFallsBackToUserID(t *testing.T) {
	store := NewStore()
	sync := NewSynchronizer(store)

	// the user joins twice; dedup keeps the first connection's id
	require.NoError(t, sync.Apply(mustEncode(t, protocol.KindParticipantJoined,
		protocol.Participant{ID: "c1", UserID: "u1", DisplayName: "alice"})))
	require.NoError(t, sync.Apply(mustEncode(t, protocol.KindParticipantJoined,
		protocol.Participant{ID: "c2", UserID: "u1", DisplayName: "alice"})))
	require.Len(t, store.Snapshot().Participants, 1)

	// the leave cites the second connection's id; the user id must still match
	require.NoError(t, sync.Apply(mustEncode(t, protocol.KindParticipantLeft,
		protocol.ParticipantLeft{ID: "c2", UserID: "u1"})))
	require.Empty(t, store.Snapshot().Participants)
}

func TestChatMessagesAppendInReceiptOrder(t *testing.T) {
	store := NewStore()
	sync := NewSynchronizer(store)

	first := protocol.ChatMessage{ID: "m1", Author: "alice", Text: "hello"}
	second := protocol.ChatMessage{ID: "m2", Author: "bob", Text: "hey"}

	require.NoError(t, sync.Apply(mustEncode(t, protocol.KindChatMessage, first)))
	require.NoError(t, sync.Apply(mustEncode(t, protocol.KindChatMessage, second)))
	// duplicate delivery of m1 must not reorder or duplicate
	require.NoError(t, sync.Apply(mustEncode(t, protocol.KindChatMessage, first)))

	snap := store.Snapshot()
	require.Len(t, snap.Messages, 2)
	require.Equal(t, "m1", snap.Messages[0].ID)
	require.Equal(t, "m2", snap.Messages[1].ID)
}

func TestPasteLockChanged(t *testing.T) {
	store := NewStore()
	sync := NewSynchronizer(store)

	require.NoError(t, sync.Apply(mustEncode(t, protocol.KindPasteLockChanged,
		protocol.PasteLockChanged{Locked: true})))
	require.True(t, store.Snapshot().PasteLocked)

	// repeated lock state is an equivalent final state
	require.NoError(t, sync.Apply(mustEncode(t, protocol.KindPasteLockChanged,
		protocol.PasteLockChanged{Locked: true})))
	require.True(t, store.Snapshot().PasteLocked)
}

func TestSubscribeNotifiesAndCancels(t *testing.T) {
	store := NewStore()
	sync := NewSynchronizer(store)

	var seen []Snapshot
	cancel := store.Subscribe(func(s Snapshot) { seen = append(seen, s) })

	require.NoError(t, sync.Apply(mustEncode(t, protocol.KindParticipantJoined,
		protocol.Participant{ID: "c1", DisplayName: "guest"})))
	require.Len(t, seen, 1)
	require.Len(t, seen[0].Participants, 1)

	cancel()
	require.NoError(t, sync.Apply(mustEncode(t, protocol.KindPasteLockChanged,
		protocol.PasteLockChanged{Locked: true})))
	require.Len(t, seen, 1)
}

func TestResetClearsMirror(t *testing.T) {
	store := NewStore()
	sync := NewSynchronizer(store)

	require.NoError(t, sync.Apply(mustEncode(t, protocol.KindSessionState, protocol.SessionState{
		SessionID:    "sess-1",
		Participants: []protocol.Participant{{ID: "c1", DisplayName: "guest"}},
	})))
	require.NoError(t, sync.Apply(mustEncode(t, protocol.KindChatMessage,
		protocol.ChatMessage{ID: "m1", Text: "hi"})))

	store.Reset()

	snap := store.Snapshot()
	require.Empty(t, snap.ID)
	require.False(t, snap.StateReceived)
	require.Empty(t, snap.Participants)
	require.Empty(t, snap.Messages)

	// a message replayed after reset is new again
	require.NoError(t, sync.Apply(mustEncode(t, protocol.KindChatMessage,
		protocol.ChatMessage{ID: "m1", Text: "hi"})))
	require.Len(t, store.Snapshot().Messages, 1)
}

func TestUnknownEventKindIsSkipped(t *testing.T) {
	store := NewStore()
	sync := NewSynchronizer(store)

	env, err := protocol.Decode([]byte(`{"kind":"totally_new_thing","data":{}}`))
	require.NoError(t, err)
	require.NoError(t, sync.Apply(env))
}
