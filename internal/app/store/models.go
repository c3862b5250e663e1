/*
Package store defines the durable records of the relay (rooms, memberships, messages, guest
sessions and users) and the Store contract that backing stores implement.

Two implementations exist: the PostgreSQL store in package db and the in-memory Memory store
in this package, used for development and tests.
*/
package store

import (
	"strings"
	"time"
)

// RoomKind is the capacity policy of a room.
type RoomKind string

const (
	// RoomKindPair caps concurrent open memberships at PairCapacity.
	RoomKindPair RoomKind = "PAIR"

	// RoomKindGroup has no membership cap.
	RoomKindGroup RoomKind = "GROUP"

	// PairCapacity is the open membership limit of a PAIR room.
	PairCapacity = 2
)

// ParseRoomKind accepts the canonical kinds and the aliases clients send ("p2p", "private").
func ParseRoomKind(s string) (RoomKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pair", "p2p", "private":
		return RoomKindPair, true
	case "group":
		return RoomKindGroup, true
	}
	return "", false
}

// Capacity returns the open membership limit, or 0 when unbounded.
func (k RoomKind) Capacity() int {
	if k == RoomKindPair {
		return PairCapacity
	}
	return 0
}

// IdentityKind tells registered users and guests apart in stored references.
type IdentityKind string

const (
	IdentityUser  IdentityKind = "user"
	IdentityGuest IdentityKind = "guest"
)

// IdentityRef is the stored reference to an identity: a user ID or a guest session ID.
type IdentityRef struct {
	Kind IdentityKind `json:"kind"`
	ID   string       `json:"id"`
}

// Key returns a string unique across both identity kinds.
func (r IdentityRef) Key() string {
	return string(r.Kind) + ":" + r.ID
}

// IsZero reports whether the reference is unset.
func (r IdentityRef) IsZero() bool {
	return r.ID == ""
}

// Room is a coded chat channel.
type Room struct {
	Code            string       `json:"code"`
	Kind            RoomKind     `json:"kind"`
	Creator         *IdentityRef `json:"creator,omitempty"`
	PreserveHistory bool         `json:"preserveHistory"`
	Active          bool         `json:"active"`
	CreatedAt       time.Time    `json:"createdAt"`
}

// IsCreator reports whether who created the room.
func (r *Room) IsCreator(who IdentityRef) bool {
	return r.Creator != nil && *r.Creator == who
}

// Membership records one stay of an identity in a room. LeftAt is nil while the membership is open.
type Membership struct {
	ID          int64       `json:"id"`
	RoomCode    string      `json:"roomCode"`
	Member      IdentityRef `json:"member"`
	DisplayName string      `json:"displayName"`
	JoinedAt    time.Time   `json:"joinedAt"`
	LeftAt      *time.Time  `json:"leftAt,omitempty"`
}

// IsOpen reports whether the membership has not been closed.
func (m *Membership) IsOpen() bool {
	return m.LeftAt == nil
}

// NewMember describes a membership to open.
type NewMember struct {
	Member      IdentityRef
	DisplayName string
	JoinedAt    time.Time
}

// MessageKind separates user-authored text from relay-generated notices.
type MessageKind string

const (
	MessageText   MessageKind = "TEXT"
	MessageSystem MessageKind = "SYSTEM"
)

// Message is a persisted chat message. Seq orders messages within the store.
type Message struct {
	ID         string      `json:"id"`
	Seq        int64       `json:"seq"`
	RoomCode   string      `json:"roomCode"`
	Author     IdentityRef `json:"author"`
	AuthorName string      `json:"authorName"`
	Content    string      `json:"content"`
	Kind       MessageKind `json:"kind"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// GuestSession backs a guest token. CurrentRoom is empty when the guest holds no open membership.
type GuestSession struct {
	ID          string    `json:"id"`
	Token       string    `json:"-"`
	DisplayName string    `json:"displayName"`
	CurrentRoom string    `json:"currentRoom,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Expired reports whether the session is no longer valid at now.
func (s *GuestSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// User is a registered account.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"displayName"`
	CreatedAt    time.Time `json:"createdAt"`
}

// RoomSummary is a room seen from one of its members.
type RoomSummary struct {
	Room        Room     `json:"room"`
	MemberCount int      `json:"memberCount"`
	LastMessage *Message `json:"lastMessage,omitempty"`
}
