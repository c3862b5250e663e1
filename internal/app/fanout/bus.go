package fanout

import (
	"context"
	"sync"
)

// Handler receives every event delivered to this process.
type Handler func(evt Event)

// Bus is the Fanout Bus.
type Bus interface {
	// Publish sends evt to every subscriber of evt.RoomCode. It is at-least-once towards current
	// subscribers; nothing is replayed to late subscribers.
	Publish(ctx context.Context, evt Event) error

	// SubscribeAll registers handler for events of every room. It returns once the subscription
	// is active. Delivery stops when ctx is done or the bus is closed.
	SubscribeAll(ctx context.Context, handler Handler) error

	// Close releases the bus and its subscriptions.
	Close() error
}

// MemoryBus delivers events synchronously inside the process.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers []Handler
	closed   bool
}

// NewMemoryBus returns a bus for single-process deployments and tests.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Publish(_ context.Context, evt Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrUnavailable
	}
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(evt)
	}
	return nil
}

func (b *MemoryBus) SubscribeAll(_ context.Context, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrUnavailable
	}
	b.handlers = append(b.handlers, handler)
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = nil
	return nil
}
