package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the addressed record does not exist.
	// For rooms it also covers inactive rooms on the join path.
	ErrNotFound = errors.New("store: not found")

	// ErrCodeTaken is returned by CreateRoom when the code collides with an existing room.
	ErrCodeTaken = errors.New("store: room code taken")

	// ErrConflict is returned when a unique attribute (username, token) already exists.
	ErrConflict = errors.New("store: conflict")

	// ErrRoomFull is returned by AddMember when the capacity bound would be exceeded.
	ErrRoomFull = errors.New("store: room full")

	// ErrAlreadyMember is returned by AddMember when an open membership already exists.
	ErrAlreadyMember = errors.New("store: already member")

	// ErrGuestInOtherRoom is returned when a guest already holds an open membership elsewhere.
	ErrGuestInOtherRoom = errors.New("store: guest in other room")

	// ErrSessionGone is returned when a guest member's session record no longer exists.
	ErrSessionGone = errors.New("store: guest session gone")

	// ErrNotMember is returned by RemoveMember when no open membership exists.
	ErrNotMember = errors.New("store: not a member")

	// ErrUnavailable wraps transport-level failures after the adapter gave up retrying.
	ErrUnavailable = errors.New("store: unavailable")
)

// RoomStore persists rooms and memberships.
//
// AddMember must be atomic with respect to its checks: the open-membership count read and the
// capacity-bounded insert happen as one serialized step per room.
type RoomStore interface {
	// CreateRoom inserts room and, when creator is non-nil, its first membership.
	CreateRoom(ctx context.Context, room Room, creator *NewMember) (*Room, error)
	GetRoom(ctx context.Context, code string) (*Room, error)
	SetPreserveHistory(ctx context.Context, code string, preserve bool) (*Room, error)

	// DeleteRoom removes the room with its memberships and messages and clears guest sessions
	// that point at it.
	DeleteRoom(ctx context.Context, code string) error

	CountOpenMembers(ctx context.Context, code string) (int, error)
	ListOpenMembers(ctx context.Context, code string) ([]Membership, error)

	// AddMember opens a membership. capacity 0 means unbounded. For guest members the guest
	// session's CurrentRoom is checked and set in the same step.
	AddMember(ctx context.Context, code string, m NewMember, capacity int) (*Membership, error)

	// RemoveMember closes the open membership of who at the given time and clears the guest
	// session's CurrentRoom when it points at code.
	RemoveMember(ctx context.Context, code string, who IdentityRef, at time.Time) (*Membership, error)

	// ListRoomsFor returns the rooms where who holds an open membership.
	ListRoomsFor(ctx context.Context, who IdentityRef) ([]RoomSummary, error)
}

// MessageStore persists chat history.
type MessageStore interface {
	// CreateMessage stores m and assigns m.Seq.
	CreateMessage(ctx context.Context, m *Message) error

	// ListMessages returns the latest limit messages of the room in ascending order.
	ListMessages(ctx context.Context, code string, limit int) ([]Message, error)
}

// SessionStore persists guest sessions.
type SessionStore interface {
	CreateGuestSession(ctx context.Context, s GuestSession) error
	GetGuestSessionByToken(ctx context.Context, token string) (*GuestSession, error)
	GetGuestSession(ctx context.Context, id string) (*GuestSession, error)

	// PurgeExpiredGuestSessions closes the open memberships of sessions expired at now, deletes
	// those sessions, and returns the memberships it closed.
	PurgeExpiredGuestSessions(ctx context.Context, now time.Time) ([]Membership, error)
}

// UserStore persists registered accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}

// Store is the full backing store used by the relay.
type Store interface {
	RoomStore
	MessageStore
	SessionStore
	UserStore

	Ping(ctx context.Context) error
	Close()
}
