package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisTransport fans envelopes out over a redis pub/sub channel scoped
// to one deck.
type RedisTransport struct {
	client  *redis.Client
	channel string
	owned   bool
}

// NewRedisTransport connects to redis at addr.
func NewRedisTransport(addr, deckID string) *RedisTransport {
	client := redis.NewClient(&redis.Options{Addr: addr})
	tr := NewRedisTransportWithClient(client, deckID)
	tr.owned = true
	return tr
}

// NewRedisTransportWithClient wraps an existing client, which the
// caller remains responsible for closing.
func NewRedisTransportWithClient(client *redis.Client, deckID string) *RedisTransport {
	return &RedisTransport{
		client:  client,
		channel: fmt.Sprintf("deck:%s", deckID),
	}
}

// Send publishes env to every subscriber of the deck's channel,
// including the sender.
func (t *RedisTransport) Send(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := t.client.Publish(ctx, t.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}
	return nil
}

// Receive delivers decoded envelopes to fn from a background goroutine
// until the returned cancel runs. Malformed payloads are skipped.
func (t *RedisTransport) Receive(ctx context.Context, fn func(Envelope)) (func(), error) {
	sub := t.client.Subscribe(ctx, t.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe deck channel: %w", err)
	}
	go func() {
		for msg := range sub.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			fn(env)
		}
	}()
	return func() { _ = sub.Close() }, nil
}

// Close releases the client if this transport created it.
func (t *RedisTransport) Close() error {
	if t.owned {
		return t.client.Close()
	}
	return nil
}
