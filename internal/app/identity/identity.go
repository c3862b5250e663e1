/*
Package identity contains the resolved identity of a chat participant and the Resolver that
turns an inbound credential into one.

An Identity is either a RegisteredUser, backed by an account record, or a Guest, backed by a
time-limited guest session. The variant is fixed at resolution time; downstream code switches on
the concrete type instead of inspecting token fields.
*/
package identity

import (
	"time"

	"roomrelay/internal/app/store"
)

// Identity is a resolved chat participant. The set of implementations is closed.
type Identity interface {
	// ID is the user ID or the guest session ID.
	ID() string

	// DisplayName is the name shown to other members.
	DisplayName() string

	// Ref is the stored reference used by memberships and messages.
	Ref() store.IdentityRef

	sealed()
}

// RegisteredUser is an identity backed by a durable account.
type RegisteredUser struct {
	UserID string
	Name   string
}

func (u RegisteredUser) ID() string          { return u.UserID }
func (u RegisteredUser) DisplayName() string { return u.Name }
func (u RegisteredUser) Ref() store.IdentityRef {
	return store.IdentityRef{Kind: store.IdentityUser, ID: u.UserID}
}
func (RegisteredUser) sealed() {}

// Guest is an ephemeral identity backed by a guest session.
type Guest struct {
	SessionID string
	Name      string
	ExpiresAt time.Time
}

func (g Guest) ID() string          { return g.SessionID }
func (g Guest) DisplayName() string { return g.Name }
func (g Guest) Ref() store.IdentityRef {
	return store.IdentityRef{Kind: store.IdentityGuest, ID: g.SessionID}
}
func (Guest) sealed() {}

// Key returns a map key unique across both variants.
func Key(id Identity) string {
	return id.Ref().Key()
}

// IsGuest reports whether id is a Guest.
func IsGuest(id Identity) bool {
	_, ok := id.(Guest)
	return ok
}

// View is the wire form of an identity.
type View struct {
	ID          string             `json:"id"`
	DisplayName string             `json:"displayName"`
	Kind        store.IdentityKind `json:"kind"`
	ExpiresAt   *time.Time         `json:"expiresAt,omitempty"`
}

// ViewOf converts id to its wire form.
func ViewOf(id Identity) View {
	v := View{ID: id.ID(), DisplayName: id.DisplayName(), Kind: id.Ref().Kind}
	if g, ok := id.(Guest); ok {
		exp := g.ExpiresAt
		v.ExpiresAt = &exp
	}
	return v
}
