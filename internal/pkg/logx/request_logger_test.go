package logx

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnonymizeIP(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"ipv4 with port", "203.0.113.57:4242", "203.0.113.0"},
		{"ipv4 bare", "198.51.100.9", "198.51.100.0"},
		{"loopback", "127.0.0.1:80", "127.0.0.1"},
		{"ipv6", "[2001:db8:abcd:12:1:2:3:4]:443", "2001:db8:abcd:12::"},
		{"garbage", "not-an-ip", "unknown_ip"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, anonymizeIP(tt.in))
		})
	}
}

func TestCheckFields(t *testing.T) {
	assert.Len(t, checkFields("Info", []any{"k", "v"}), 2)
	assert.Nil(t, checkFields("Info", []any{"k"}))
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	prev := *Logger()
	var buf bytes.Buffer
	SetOutput(&buf, zerolog.DebugLevel)
	t.Cleanup(func() { *Logger() = prev })
	return &buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	return entry
}

func TestRequestLogger(t *testing.T) {
	buf := captureLogs(t)

	r := chi.NewRouter()
	r.Use(RequestLogger())
	r.Get("/api/rooms/{code}", func(w http.ResponseWriter, r *http.Request) {
		FromContext(r.Context()).Info().Msg("inside handler")
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/api/rooms/AB12C3?token=secret", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	entry := lastLine(t, buf)
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, float64(http.StatusNotFound), entry["status"])
	assert.Equal(t, "/api/rooms/{code}", entry["route"])
	assert.Equal(t, "/api/rooms/AB12C3", entry["request_path"])
	assert.NotContains(t, buf.String(), "secret")
	assert.Contains(t, buf.String(), `"message":"inside handler"`)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "debug", lastLine(t, buf)["level"])
}

func TestFromContextFallsBackToGlobal(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Same(t, Logger(), FromContext(req.Context()))
}
