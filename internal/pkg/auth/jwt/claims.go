package jwt

import "github.com/golang-jwt/jwt"

const (
	// UserTypeRegistered marks a token issued to an account holder.
	UserTypeRegistered = "registered"

	// UserTypeGuest marks a token backed by a guest session record.
	UserTypeGuest = "guest"
)

// Payload defines the JWT claims issued by the relay.
type Payload struct {
	// StandardClaims carries exp, iat and iss.
	jwt.StandardClaims

	// ID is the user ID for registered tokens and the guest session ID for guest tokens.
	ID string `json:"id"`

	// UserType is UserTypeRegistered or UserTypeGuest.
	UserType string `json:"user_type"`

	// Nickname is the display name at issue time. It is informational; the store is authoritative.
	Nickname string `json:"nickname,omitempty"`
}

// IsGuest reports whether the token was issued for a guest session.
func (p *Payload) IsGuest() bool {
	return p.UserType == UserTypeGuest
}
