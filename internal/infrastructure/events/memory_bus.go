package events

import (
	"context"
	"sync"

	"livecast/internal/core/ports"
)

// MemoryBus fans events out in-process. A single dispatcher goroutine
// delivers events in publish order, which is what gives chat its total
// order on a single instance.
type MemoryBus struct {
	mu       sync.Mutex
	handlers map[int]func(*ports.Event)
	nextID   int

	events chan *ports.Event
	done   chan struct{}
	once   sync.Once
}

func NewMemoryBus() *MemoryBus {
	b := &MemoryBus{
		handlers: make(map[int]func(*ports.Event)),
		events:   make(chan *ports.Event, 256),
		done:     make(chan struct{}),
	}
	go b.dispatch()
	return b
}

var _ ports.EventBus = (*MemoryBus)(nil)

func (b *MemoryBus) Publish(ctx context.Context, event *ports.Event) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case b.events <- event:
		return nil
	}
}

func (b *MemoryBus) Subscribe(handler func(*ports.Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.handlers[id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

func (b *MemoryBus) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}

func (b *MemoryBus) dispatch() {
	for {
		select {
		case <-b.done:
			return
		case event := <-b.events:
			b.mu.Lock()
			hs := make([]func(*ports.Event), 0, len(b.handlers))
			for _, h := range b.handlers {
				hs = append(hs, h)
			}
			b.mu.Unlock()

			for _, h := range hs {
				h(event)
			}
		}
	}
}
