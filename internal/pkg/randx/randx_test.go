package randx

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var roomCodePattern = regexp.MustCompile(`^[A-Z0-9]{6}$`)

func TestRoomCode_Format(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := RoomCode()
		require.NoError(t, err)
		assert.Regexp(t, roomCodePattern, code)
		assert.True(t, IsValidRoomCode(code))
	}
}

func TestIsValidRoomCode(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"AB12C3", true},
		{"Z9K3M1", true},
		{"ab12c3", false},
		{"AB12C", false},
		{"AB12C34", false},
		{"AB-2C3", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidRoomCode(tt.code))
		})
	}
}

func TestNormalizeRoomCode(t *testing.T) {
	assert.Equal(t, "AB12C3", NormalizeRoomCode("  ab12c3 "))
	assert.True(t, IsValidRoomCode(NormalizeRoomCode("q1w2e3")))
}

func TestGuestName(t *testing.T) {
	name, err := GuestName()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(name, GuestNamePrefix))
	assert.Len(t, name, len(GuestNamePrefix)+GuestNameRandomLength)
}

func TestNewID_Unique(t *testing.T) {
	assert.NotEqual(t, NewID(), NewID())
}
