package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind identifies a wire message type.
type Kind string

// Client to server message kinds.
const (
	KindSessionRequest Kind = "session_request"
	KindCodeUpdate     Kind = "code_update"
	KindChatSend       Kind = "chat_message"
	KindAgentRequest   Kind = "agent_request"
)

// Server to client message kinds.
const (
	KindSessionState      Kind = "session_state"
	KindParticipantJoined Kind = "participant_joined"
	KindParticipantLeft   Kind = "participant_left"
	KindChatMessage       Kind = "chat_message"
	KindPasteLockChanged  Kind = "paste_lock_changed"
	KindError             Kind = "error"
)

// Role describes a participant's capabilities within a session.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Participant is one connected identity in a session. Registered users carry
// a stable UserID; guests are identified by display name alone.
type Participant struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id,omitempty"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role,omitempty"`
}

// SameIdentity reports whether two participant entries refer to the same
// person: matching non-empty user ids, or two guests with the same name.
func (p Participant) SameIdentity(other Participant) bool {
	if p.UserID != "" && other.UserID != "" {
		return p.UserID == other.UserID
	}
	if p.UserID == "" && other.UserID == "" {
		return p.DisplayName == other.DisplayName
	}
	return false
}

// ChatMessage is a single chat entry as delivered by the server.
type ChatMessage struct {
	ID       string    `json:"id"`
	AuthorID string    `json:"author_id,omitempty"`
	Author   string    `json:"author"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sent_at,omitempty"`
}

// Envelope frames every wire message with its kind.
type Envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SessionRequest asks the server to create or resume a session. It is the
// first logical message after the channel is established.
type SessionRequest struct {
	SessionID   string `json:"session_id,omitempty"`
	InviteToken string `json:"invite_token,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// CodeUpdate carries the full current program text.
type CodeUpdate struct {
	Code string `json:"code"`
}

// ChatSend carries an outgoing chat line.
type ChatSend struct {
	Text string `json:"text"`
}

// AgentRequest carries an AI-assist query.
type AgentRequest struct {
	Query string `json:"query"`
}

// SessionState is the initial full snapshot pushed by the server.
type SessionState struct {
	SessionID    string        `json:"session_id"`
	Role         Role          `json:"role"`
	PasteLocked  bool          `json:"paste_locked"`
	Participants []Participant `json:"participants"`
}

// ParticipantLeft identifies a departing participant. The server may supply
// any subset of the identifying fields.
type ParticipantLeft struct {
	ID          string `json:"id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// PasteLockChanged updates the authoritative paste-lock flag.
type PasteLockChanged struct {
	Locked bool `json:"locked"`
}

// ServerError is an application-level rejection pushed by the server.
type ServerError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Encode frames a payload under the supplied kind.
func Encode(kind Kind, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", kind, err)
	}
	return json.Marshal(Envelope{Kind: kind, Data: data})
}

// Decode parses a raw frame into an envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode frame: %w", err)
	}
	if strings.TrimSpace(string(env.Kind)) == "" {
		return Envelope{}, fmt.Errorf("protocol: frame missing kind")
	}
	return env, nil
}

// DecodeData parses the envelope payload into the supplied destination.
func (e Envelope) DecodeData(dst any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("protocol: %s frame has no payload", e.Kind)
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", e.Kind, err)
	}
	return nil
}
