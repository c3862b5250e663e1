package limiter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestIPRateLimiter_Middleware(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewIPRateLimiter(ctx, rate.Limit(0.001), 2)
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/rooms", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, call("10.0.0.1:1000"))
	assert.Equal(t, http.StatusNoContent, call("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1:1002"))
	assert.Equal(t, http.StatusNoContent, call("10.0.0.2:1000"), "buckets are per IP")
	assert.Equal(t, 2, l.Len())
}

func TestIPRateLimiter_RemoveIdle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewIPRateLimiter(ctx, rate.Limit(10), 1)
	l.GetLimiter("10.0.0.1").Allow()
	l.GetLimiter("10.0.0.2")

	assert.Equal(t, 1, l.removeIdle(time.Now()))
	assert.Equal(t, 1, l.removeIdle(time.Now().Add(time.Second)))
	assert.Zero(t, l.Len())
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	assert.Equal(t, "192.0.2.7", ClientIP(req))

	req.RemoteAddr = "192.0.2.8"
	assert.Equal(t, "192.0.2.8", ClientIP(req))

	req.RemoteAddr = ""
	assert.Equal(t, "unknown_ip", ClientIP(req))
}
