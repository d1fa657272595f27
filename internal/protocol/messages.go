// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned by ParseClientMessage for a well-formed envelope
// whose type is not a client message type.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSendMessage       = "send_message"
	TypeCreateLike        = "create_like"
	TypeDeleteLike        = "delete_like"
	TypeCreateBlock       = "create_block"
	TypeDeleteBlock       = "delete_block"
	TypeOpenConversation  = "open_conversation"
	TypeCloseConversation = "close_conversation"
	TypeTyping            = "typing"
	TypeViewProfile       = "view_profile"
	TypeCreateReport      = "create_report"
	TypeDeleteReport      = "delete_report"
	TypeDisconnect        = "disconnect"
	TypePing              = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated    = "session_created"
	TypeMessageReceived   = "message_received"
	TypeMessageSent       = "message_sent"
	TypeStatusChanged     = "status_changed"
	TypeBlocked           = "blocked"
	TypeUnblocked         = "unblocked"
	TypeLiked             = "liked"
	TypeUnliked           = "unliked"
	TypeMatched           = "matched"
	TypeNotificationCount = "notification_count"
	TypePeerTyping        = "typing"
	TypeViewed            = "viewed"
	TypeConversation      = "conversation"
	TypeAck               = "ack"
	TypeRateLimited       = "rate_limited"
	TypeError             = "error"
	TypePong              = "pong"
)

// ---------------------------------------------------------------------------
// Envelope is decoded first to extract the type discriminator.
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
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SendMessageMsg is a chat message addressed to another user.
type SendMessageMsg struct {
	Type string `json:"type"`
	To   int64  `json:"to"`
	Body string `json:"body"`
}

// CreateLikeMsg likes another user's profile.
type CreateLikeMsg struct {
	Type string `json:"type"`
	To   int64  `json:"to"`
}

// DeleteLikeMsg withdraws a like.
type DeleteLikeMsg struct {
	Type string `json:"type"`
	To   int64  `json:"to"`
}

// CreateBlockMsg blocks another user.
type CreateBlockMsg struct {
	Type string `json:"type"`
	To   int64  `json:"to"`
}

// DeleteBlockMsg lifts a block the sender created.
type DeleteBlockMsg struct {
	Type string `json:"type"`
	To   int64  `json:"to"`
}

// OpenConversationMsg marks the conversation with a peer as actively viewed
// on this session.
type OpenConversationMsg struct {
	Type string `json:"type"`
	With int64  `json:"with"`
}

// CloseConversationMsg clears the actively viewed conversation.
type CloseConversationMsg struct {
	Type string `json:"type"`
	With int64  `json:"with"`
}

// TypingMsg indicates whether the client is currently typing to a peer.
type TypingMsg struct {
	Type     string `json:"type"`
	To       int64  `json:"to"`
	IsTyping bool   `json:"is_typing"`
}

// ViewProfileMsg records a profile view.
type ViewProfileMsg struct {
	Type string `json:"type"`
	To   int64  `json:"to"`
}

// CreateReportMsg reports another user.
type CreateReportMsg struct {
	Type   string `json:"type"`
	To     int64  `json:"to"`
	Reason string `json:"reason"`
}

// DeleteReportMsg withdraws a report.
type DeleteReportMsg struct {
	Type string `json:"type"`
	To   int64  `json:"to"`
}

// DisconnectMsg asks the server to close this session.
type DisconnectMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new session is established.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    int64  `json:"user_id"`
}

// MessageReceivedMsg delivers a chat message to the recipient.
type MessageReceivedMsg struct {
	Type      string `json:"type"`
	From      int64  `json:"from"`
	MessageID int64  `json:"message_id"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

// MessageSentMsg acknowledges a persisted message to its author.
type MessageSentMsg struct {
	Type      string `json:"type"`
	To        int64  `json:"to"`
	MessageID int64  `json:"message_id"`
	Timestamp int64  `json:"timestamp"`
}

// StatusChangedMsg reports a subscribed user's presence.
type StatusChangedMsg struct {
	Type   string `json:"type"`
	User   int64  `json:"user"`
	Status string `json:"status"`
}

// BlockedMsg tells a participant that the pair is now blocked.
type BlockedMsg struct {
	Type string `json:"type"`
	By   int64  `json:"by"`
}

// UnblockedMsg tells a participant that the pair is no longer blocked.
type UnblockedMsg struct {
	Type string `json:"type"`
	By   int64  `json:"by"`
}

// LikedMsg tells the recipient of a like who sent it.
type LikedMsg struct {
	Type string `json:"type"`
	By   int64  `json:"by"`
}

// UnlikedMsg tells a participant that a like was withdrawn.
type UnlikedMsg struct {
	Type string `json:"type"`
	By   int64  `json:"by"`
}

// MatchedMsg announces a mutual like.
type MatchedMsg struct {
	Type string `json:"type"`
	With int64  `json:"with"`
}

// NotificationCountMsg carries the unread counter for one author.
type NotificationCountMsg struct {
	Type   string `json:"type"`
	Author int64  `json:"author"`
	Count  int64  `json:"count"`
}

// PeerTypingMsg relays a peer's typing indicator.
type PeerTypingMsg struct {
	Type     string `json:"type"`
	From     int64  `json:"from"`
	IsTyping bool   `json:"is_typing"`
}

// ViewedMsg tells the recipient that their profile was viewed.
type ViewedMsg struct {
	Type string `json:"type"`
	By   int64  `json:"by"`
}

// HistoryEntry is one message in a conversation snapshot.
type HistoryEntry struct {
	ID        int64  `json:"id"`
	From      int64  `json:"from"`
	To        int64  `json:"to"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
}

// ConversationMsg answers open_conversation with the peer's presence, the
// relationship state and the message history in chronological order.
type ConversationMsg struct {
	Type     string         `json:"type"`
	With     int64          `json:"with"`
	Status   string         `json:"status"`
	Blocked  bool           `json:"blocked"`
	Matched  bool           `json:"matched"`
	Messages []HistoryEntry `json:"messages"`
}

// AckMsg confirms a relationship action.
type AckMsg struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Target int64  `json:"target"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
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
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCreateLike:
		var m CreateLikeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeleteLike:
		var m DeleteLikeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCreateBlock:
		var m CreateBlockMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeleteBlock:
		var m DeleteBlockMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeOpenConversation:
		var m OpenConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCloseConversation:
		var m CloseConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeViewProfile:
		var m ViewProfileMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCreateReport:
		var m CreateReportMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeleteReport:
		var m DeleteReportMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDisconnect:
		var m DisconnectMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
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
