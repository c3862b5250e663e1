package chat

import (
	"encoding/json"

	"roomrelay/internal/app/identity"
	"roomrelay/internal/app/store"
)

// InboundType tags a frame sent by a client.
type InboundType string

const (
	InboundJoinRoom    InboundType = "join-room"
	InboundLeaveRoom   InboundType = "leave-room"
	InboundSendMessage InboundType = "send-message"
	InboundTyping      InboundType = "typing"
)

// Inbound is a frame read from a client connection.
type Inbound struct {
	Type    InboundType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinRoomPayload is the payload of a join-room frame.
type JoinRoomPayload struct {
	Code        string `json:"code"`
	DisplayName string `json:"displayName,omitempty"`
}

// SendMessagePayload is the payload of a send-message frame.
type SendMessagePayload struct {
	Content string `json:"content"`
}

// TypingInput is the payload of a typing frame.
type TypingInput struct {
	IsTyping bool `json:"isTyping"`
}

// PresencePayload is carried by user-joined and user-left.
type PresencePayload struct {
	Identity    identity.View `json:"identity"`
	DisplayName string        `json:"displayName"`
	MemberCount int           `json:"memberCount"`
	Reason      string        `json:"reason,omitempty"`
}

// TypingPayload is carried by user-typing.
type TypingPayload struct {
	Identity    identity.View `json:"identity"`
	DisplayName string        `json:"displayName"`
	IsTyping    bool          `json:"isTyping"`
}

// RoomStatePayload is sent to a connection that just joined a room.
type RoomStatePayload struct {
	Room        *store.Room        `json:"room"`
	Self        identity.View      `json:"self"`
	Members     []store.Membership `json:"members"`
	MemberCount int                `json:"memberCount"`
	History     []store.Message    `json:"history"`
}

// RoomUpdatedPayload is carried by room-updated.
type RoomUpdatedPayload struct {
	Room *store.Room `json:"room"`
}

// RoomClosedPayload is carried by room-closed.
type RoomClosedPayload struct {
	Reason string `json:"reason"`
}

// SessionPayload delivers a freshly minted guest credential.
type SessionPayload struct {
	Token    string        `json:"token"`
	Identity identity.View `json:"identity"`
}

// ErrorPayload is carried by error events.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`

	// Request echoes the inbound frame type that failed, if any.
	Request InboundType `json:"request,omitempty"`
}

const (
	leaveReasonLeft         = "left"
	leaveReasonDisconnected = "disconnected"
	leaveReasonSwitched     = "switched"
	leaveReasonExpired      = "expired"

	closeReasonDeleted = "deleted"
)

func refOf(v identity.View) store.IdentityRef {
	return store.IdentityRef{Kind: v.Kind, ID: v.ID}
}
