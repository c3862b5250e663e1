package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	// UserIdentityExpiration is the lifetime of registered-user tokens.
	UserIdentityExpiration = 7 * 24 * time.Hour

	// GuestSessionExpiration is the lifetime of guest tokens and their session records.
	GuestSessionExpiration = 24 * time.Hour

	// TokenIssuer identifies the issuer of the token.
	TokenIssuer = "RoomRelay"
)

var (
	// ErrTokenExpired is returned by ParseToken when the signature is valid but exp has passed.
	// The claims are still returned so callers can tell guest and user tokens apart.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenInvalid covers malformed tokens, bad signatures and unexpected algorithms.
	ErrTokenInvalid = errors.New("invalid token")
)

// GenerateToken signs payload with HS256 and sets its standard claims for the given lifetime.
func GenerateToken(payload *Payload, secretKey string, duration time.Duration) (string, error) {
	return GenerateTokenAt(payload, secretKey, time.Now(), duration)
}

// GenerateTokenAt is GenerateToken with an explicit issue time.
func GenerateTokenAt(payload *Payload, secretKey string, now time.Time, duration time.Duration) (string, error) {
	payload.StandardClaims = jwt.StandardClaims{
		ExpiresAt: now.Add(duration).Unix(),
		IssuedAt:  now.Unix(),
		Issuer:    TokenIssuer,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, payload)

	return token.SignedString([]byte(secretKey))
}

// ParseToken verifies tokenString with secretKey.
// It returns ErrTokenExpired together with the decoded claims when only the expiry check failed,
// and ErrTokenInvalid for every other verification failure.
func ParseToken(tokenString string, secretKey string) (*Payload, error) {
	claims := &Payload{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secretKey), nil
	})

	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors == jwt.ValidationErrorExpired {
			return claims, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	if !token.Valid {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}
