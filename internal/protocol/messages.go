// Package protocol defines the WebSocket message types and structures used for
// communication between clients and the community chat gateway. All messages
// are serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeMessage = "message"
	TypePing    = "ping"
)

// Server -> Client event types.
const (
	TypeUserJoined        = "user_joined"
	TypeUserLeft          = "user_left"
	TypeModerationWarning = "moderation_warning"
	TypeSystem            = "system"
	TypeRateLimited       = "rate_limited"
	TypeError             = "error"
	TypePong              = "pong"
)

// ---------------------------------------------------------------------------
// Envelope and raw payload parsing.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
//
// A missing "type" field defaults to "message": the original web client
// sends bare {member_name, message, is_anonymous} payloads on the chat
// channel without a discriminator.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		partial.Type = TypeMessage
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ChatMsg is a text message sent by a client into the community it is
// attached to. MemberID and MemberName are advisory; the server trusts the
// authenticated member bound to the connection, not the payload.
type ChatMsg struct {
	Type        string `json:"type"`
	MemberID    string `json:"member_id"`
	MemberName  string `json:"member_name"`
	Message     string `json:"message"`
	IsAnonymous bool   `json:"is_anonymous"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// MessageEvent is a chat message broadcast to every connection attached to a
// community. Seq is assigned by the room hub at broadcast time and is
// strictly increasing within one community.
type MessageEvent struct {
	Type        string `json:"type"`
	Seq         uint64 `json:"seq"`
	CommunityID string `json:"community_id"`
	AuthorID    string `json:"author_id"`
	AuthorName  string `json:"author_name"`
	IsAnonymous bool   `json:"is_anonymous"`
	Body        string `json:"message"`
	CreatedAt   int64  `json:"created_at"`
}

// UserJoinedEvent announces a member joining the community chat.
type UserJoinedEvent struct {
	Type        string `json:"type"`
	CommunityID string `json:"community_id"`
	MemberID    string `json:"member_id"`
	MemberName  string `json:"member_name"`
}

// UserLeftEvent announces a member leaving (or being disconnected from) the
// community chat.
type UserLeftEvent struct {
	Type        string `json:"type"`
	CommunityID string `json:"community_id"`
	MemberID    string `json:"member_id"`
	MemberName  string `json:"member_name"`
}

// ModerationWarningEvent carries the moderation filter's warning text. For a
// flagged message it follows the message event in the same stream and goes to
// everyone; for a blocked message it goes to the sender alone.
type ModerationWarningEvent struct {
	Type        string `json:"type"`
	CommunityID string `json:"community_id"`
	Warning     string `json:"warning"`
	Blocked     bool   `json:"blocked"`
}

// SystemEvent is a free-form notice from the server (e.g. community rules on
// join).
type SystemEvent struct {
	Type        string `json:"type"`
	CommunityID string `json:"community_id"`
	Text        string `json:"text"`
}

// RateLimitedEvent is sent when the client has exceeded the message rate
// limit. RetryAfter is in seconds.
type RateLimitedEvent struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server event.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the *Event/*Msg structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
