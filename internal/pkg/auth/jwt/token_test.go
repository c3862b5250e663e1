package jwt

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func TestGenerateAndParse(t *testing.T) {
	token, err := GenerateToken(&Payload{ID: "u-1", UserType: UserTypeRegistered, Nickname: "ada"}, testSecret, time.Hour)
	require.NoError(t, err)

	payload, err := ParseToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "u-1", payload.ID)
	assert.Equal(t, UserTypeRegistered, payload.UserType)
	assert.False(t, payload.IsGuest())
	assert.Equal(t, TokenIssuer, payload.Issuer)
}

func TestParseToken_WrongSecret(t *testing.T) {
	token, err := GenerateToken(&Payload{ID: "u-1", UserType: UserTypeRegistered}, testSecret, time.Hour)
	require.NoError(t, err)

	payload, err := ParseToken(token, "other-secret")
	assert.ErrorIs(t, err, ErrTokenInvalid)
	assert.Nil(t, payload)
}

func TestParseToken_Expired(t *testing.T) {
	token, err := GenerateTokenAt(&Payload{ID: "g-1", UserType: UserTypeGuest}, testSecret, time.Now().Add(-48*time.Hour), 24*time.Hour)
	require.NoError(t, err)

	payload, err := ParseToken(token, testSecret)
	assert.ErrorIs(t, err, ErrTokenExpired)
	require.NotNil(t, payload)
	assert.True(t, payload.IsGuest())
}

func TestParseToken_Garbage(t *testing.T) {
	_, err := ParseToken("not.a.token", testSecret)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"header", "Bearer abc", "", "abc"},
		{"header lowercase scheme", "bearer abc", "", "abc"},
		{"bad scheme", "Basic abc", "", ""},
		{"query fallback", "", "xyz", "xyz"},
		{"none", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws?token="+tt.query, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, BearerToken(r))
		})
	}
}

func TestCredentialMiddleware(t *testing.T) {
	var got string
	h := CredentialMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = CredentialFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer tok")
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "tok", got)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "", got)
}
