package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewError_StatusMapping(t *testing.T) {
	tests := []struct {
		code   int
		status int
	}{
		{ErrRoomNotFound, http.StatusNotFound},
		{ErrRoomFull, http.StatusBadRequest},
		{ErrAlreadyMember, http.StatusBadRequest},
		{ErrGuestAlreadyInOtherRoom, http.StatusBadRequest},
		{ErrInvalidCredential, http.StatusForbidden},
		{ErrUnauthorized, http.StatusUnauthorized},
		{ErrNotAuthorized, http.StatusForbidden},
		{ErrStoreUnavailable, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			err := NewError(tt.code)
			assert.Equal(t, tt.code, err.Code)
			assert.Equal(t, tt.status, err.Status)
			assert.NotEmpty(t, err.Message)
		})
	}
}

func TestNewError_UnknownCodeFallsBack(t *testing.T) {
	err := NewError(424242)
	assert.Equal(t, ErrUnknown, err.Code)
	assert.Equal(t, http.StatusInternalServerError, err.Status)
}

func TestNewError_ReturnsCopy(t *testing.T) {
	a := NewError(ErrRoomFull)
	a.Message = "mutated"
	assert.NotEqual(t, "mutated", NewError(ErrRoomFull).Message)
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(ErrStoreUnavailable, cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
	assert.True(t, Is(err, ErrStoreUnavailable))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, 0, CodeOf(nil))
	assert.Equal(t, ErrUnknown, CodeOf(errors.New("plain")))
	assert.Equal(t, ErrRoomFull, CodeOf(fmt.Errorf("join: %w", NewError(ErrRoomFull))))
}

func TestErrorsIs_ComparesCodes(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewError(ErrNotAMember))
	assert.ErrorIs(t, err, NewError(ErrNotAMember))
	assert.NotErrorIs(t, err, NewError(ErrRoomFull))
}

func TestFrom(t *testing.T) {
	assert.Nil(t, From(nil))

	custom := NewError(ErrRoomFull)
	assert.Same(t, custom, From(custom))

	converted := From(errors.New("boom"))
	require.NotNil(t, converted)
	assert.Equal(t, ErrUnknown, converted.Code)
}
