package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"offline-meal-queue/internal/models"
)

// Broadcaster announces drain completions to whoever is listening.
type Broadcaster interface {
	Publish(ctx context.Context, c models.SyncCompletion)
}

// Hub fans completions out to in-process subscribers (UI streams, tests).
// Slow subscribers miss messages rather than stall a drain.
type Hub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan models.SyncCompletion
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan models.SyncCompletion)}
}

// Subscribe registers a listener. Call the returned func to unsubscribe.
func (h *Hub) Subscribe(buffer int) (<-chan models.SyncCompletion, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan models.SyncCompletion, buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(_ context.Context, c models.SyncCompletion) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// RedisPublisher carries completions from the background worker to agents.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger
}

func NewRedisPublisher(client *redis.Client, channel string, logger zerolog.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel, logger: logger}
}

func (p *RedisPublisher) Publish(ctx context.Context, c models.SyncCompletion) {
	body, err := json.Marshal(c)
	if err != nil {
		p.logger.Error().Err(err).Msg("marshal sync completion")
		return
	}
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		p.logger.Error().Err(err).Str("channel", p.channel).Msg("publish sync completion")
	}
}

// Relay forwards completions published on channel into hub until ctx ends.
// onMessage, when set, runs after each forwarded completion.
func Relay(ctx context.Context, client *redis.Client, channel string, hub *Hub, onMessage func(models.SyncCompletion), logger zerolog.Logger) error {
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var c models.SyncCompletion
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				logger.Warn().Err(err).Msg("dropping malformed sync completion")
				continue
			}
			if c.Type != models.CompletionMessageType {
				continue
			}
			hub.Publish(ctx, c)
			if onMessage != nil {
				onMessage(c)
			}
		}
	}
}
