package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"roomrelay/internal/app/identity"
	"roomrelay/internal/app/store"
)

func typist(id string) TypingPayload {
	return TypingPayload{
		Identity:    identity.View{ID: id, DisplayName: id, Kind: store.IdentityGuest},
		DisplayName: id,
		IsTyping:    true,
	}
}

func TestTypingTracker_ExpiresOnce(t *testing.T) {
	var mu sync.Mutex
	var expired []TypingPayload
	tr := NewTypingTracker(20*time.Millisecond, func(code string, p TypingPayload) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "AB12C3", code)
		expired = append(expired, p)
	})
	defer tr.Stop()

	tr.Touch("AB12C3", typist("g1"))
	tr.Touch("AB12C3", typist("g1"))
	assert.Len(t, tr.Typing("AB12C3"), 1)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(expired) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Len(t, expired, 1, "a re-armed indicator expires once")
	assert.False(t, expired[0].IsTyping)
	mu.Unlock()
	assert.Empty(t, tr.Typing("AB12C3"))
}

func TestTypingTracker_ClearDisarms(t *testing.T) {
	fired := make(chan struct{}, 4)
	tr := NewTypingTracker(20*time.Millisecond, func(string, TypingPayload) { fired <- struct{}{} })
	defer tr.Stop()

	tr.Touch("AB12C3", typist("g1"))
	tr.Touch("AB12C3", typist("g2"))
	tr.Touch("Q1W2E3", typist("g3"))

	assert.True(t, tr.Clear("AB12C3", store.IdentityRef{Kind: store.IdentityGuest, ID: "g1"}.Key()))
	assert.False(t, tr.Clear("AB12C3", "guest:missing"))
	tr.ClearRoom("Q1W2E3")

	assert.Len(t, tr.Typing("AB12C3"), 1)
	assert.Empty(t, tr.Typing("Q1W2E3"))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("remaining indicator never expired")
	}
	select {
	case <-fired:
		t.Fatal("cleared indicators must not fire")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestNewTypingTracker_DefaultTTL(t *testing.T) {
	tr := NewTypingTracker(0, nil)
	assert.Equal(t, DefaultTypingTTL, tr.ttl)
	assert.Equal(t, 3*time.Second, DefaultTypingTTL)
}
