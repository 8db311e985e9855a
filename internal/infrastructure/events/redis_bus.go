package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"livecast/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const eventChannel = "livecast:events"

// RedisBus fans events out across instances via pub/sub. Local handlers
// receive both locally published and remote events, in channel order.
type RedisBus struct {
	client *redis.Client
	logger *zap.SugaredLogger

	mu       sync.Mutex
	handlers map[int]func(*ports.Event)
	nextID   int

	cancel context.CancelFunc
}

func NewRedisBus(client *redis.Client, logger *zap.SugaredLogger) *RedisBus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{
		client:   client,
		logger:   logger,
		handlers: make(map[int]func(*ports.Event)),
		cancel:   cancel,
	}
	go b.consume(ctx)
	return b
}

var _ ports.EventBus = (*RedisBus)(nil)

func (b *RedisBus) Publish(ctx context.Context, event *ports.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, eventChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(handler func(*ports.Event)) func() {
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

func (b *RedisBus) Close() error {
	b.cancel()
	return nil
}

func (b *RedisBus) consume(ctx context.Context) {
	pubsub := b.client.Subscribe(ctx, eventChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event ports.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warnw("failed to unmarshal event", "error", err)
				continue
			}

			b.mu.Lock()
			hs := make([]func(*ports.Event), 0, len(b.handlers))
			for _, h := range b.handlers {
				hs = append(hs, h)
			}
			b.mu.Unlock()

			for _, h := range hs {
				h(&event)
			}
		}
	}
}
