package chat

import (
	"sync"
	"time"
)

// DefaultTypingTTL clears a typing indicator that was never stopped.
const DefaultTypingTTL = 3 * time.Second

// ExpireFunc is called when a typing indicator times out.
type ExpireFunc func(code string, p TypingPayload)

// TypingTracker holds the typing indicators seen by this process, per room and identity.
type TypingTracker struct {
	ttl      time.Duration
	onExpire ExpireFunc

	// mu protects rooms.
	mu sync.Mutex

	// rooms maps room code to identity key to the armed indicator.
	rooms map[string]map[string]*typingEntry
}

type typingEntry struct {
	timer *time.Timer
}

// NewTypingTracker returns a tracker that calls onExpire ttl after the last Touch of an identity.
func NewTypingTracker(ttl time.Duration, onExpire ExpireFunc) *TypingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingTracker{
		ttl:      ttl,
		onExpire: onExpire,
		rooms:    make(map[string]map[string]*typingEntry),
	}
}

// Touch arms or re-arms the timer of the identity described by p.
func (t *TypingTracker) Touch(code string, p TypingPayload) {
	key := refOf(p.Identity).Key()

	t.mu.Lock()
	defer t.mu.Unlock()

	entries, ok := t.rooms[code]
	if !ok {
		entries = make(map[string]*typingEntry)
		t.rooms[code] = entries
	}
	if old, ok := entries[key]; ok {
		old.timer.Stop()
	}

	e := &typingEntry{}
	entries[key] = e
	e.timer = time.AfterFunc(t.ttl, func() {
		if !t.remove(code, key, e) {
			return
		}
		p.IsTyping = false
		if t.onExpire != nil {
			t.onExpire(code, p)
		}
	})
}

// Clear drops the indicator of key in code. It reports whether one was armed.
func (t *TypingTracker) Clear(code, key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.rooms[code][key]
	if !ok {
		return false
	}
	e.timer.Stop()
	t.drop(code, key)
	return true
}

// ClearRoom drops every indicator of code.
func (t *TypingTracker) ClearRoom(code string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.rooms[code] {
		e.timer.Stop()
	}
	delete(t.rooms, code)
}

// Typing returns the identity keys currently typing in code.
func (t *TypingTracker) Typing(code string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]string, 0, len(t.rooms[code]))
	for key := range t.rooms[code] {
		keys = append(keys, key)
	}
	return keys
}

// Stop disarms every timer.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for code, entries := range t.rooms {
		for _, e := range entries {
			e.timer.Stop()
		}
		delete(t.rooms, code)
	}
}

// remove deletes the entry only if it is still e, so a re-armed indicator survives the
// callback of the timer it replaced.
func (t *TypingTracker) remove(code, key string, e *typingEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rooms[code][key] != e {
		return false
	}
	t.drop(code, key)
	return true
}

func (t *TypingTracker) drop(code, key string) {
	delete(t.rooms[code], key)
	if len(t.rooms[code]) == 0 {
		delete(t.rooms, code)
	}
}
