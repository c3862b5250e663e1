/*
Package randx provides cryptographically secure random identifiers.

It generates the 6-character room codes, guest display names and the UUIDs used for
connections, messages and sessions.
*/
package randx

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

const (
	// RoomCodeChars is the alphabet of room codes: uppercase letters and digits.
	RoomCodeChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// RoomCodeLength is the fixed length of a room code.
	RoomCodeLength = 6

	// GuestNamePrefix prefixes generated guest display names.
	GuestNamePrefix = "Guest_"

	// GuestNameRandomLength is the number of random characters after GuestNamePrefix.
	GuestNameRandomLength = 6

	base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

// randomString draws length characters uniformly from alphabet using crypto/rand.
func randomString(alphabet string, length int) (string, error) {
	result := make([]byte, length)
	limit := big.NewInt(int64(len(alphabet)))

	for i := 0; i < length; i++ {
		num, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("failed to generate random number: %w", err)
		}
		result[i] = alphabet[num.Int64()]
	}

	return string(result), nil
}

// RoomCode generates a candidate room code of RoomCodeLength characters from RoomCodeChars.
func RoomCode() (string, error) {
	code, err := randomString(RoomCodeChars, RoomCodeLength)
	if err != nil {
		return "", fmt.Errorf("room code: %w", err)
	}
	return code, nil
}

// NormalizeRoomCode trims and uppercases user input. It does not validate.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsValidRoomCode reports whether code is exactly RoomCodeLength characters of RoomCodeChars.
// Callers normalize first; lowercase input is rejected here.
func IsValidRoomCode(code string) bool {
	if len(code) != RoomCodeLength {
		return false
	}

	for _, char := range code {
		if !strings.ContainsRune(RoomCodeChars, char) {
			return false
		}
	}

	return true
}

// GuestName generates a display name of the form Guest_xxxxxx.
func GuestName() (string, error) {
	suffix, err := randomString(base62Chars, GuestNameRandomLength)
	if err != nil {
		return "", fmt.Errorf("guest name: %w", err)
	}
	return GuestNamePrefix + suffix, nil
}

// NewID generates a UUID v4 string for connections, messages, sessions and users.
func NewID() string {
	return uuid.New().String()
}
