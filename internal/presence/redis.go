package presence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisChannel carries presence updates over redis pub/sub so that
// participants connected to different processes see each other.
type RedisChannel struct {
	client  *redis.Client
	channel string
	owned   bool
}

// NewRedisChannel connects to redis at addr and scopes updates to the
// given deck.
func NewRedisChannel(addr, deckID string) *RedisChannel {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ch := NewRedisChannelWithClient(client, deckID)
	ch.owned = true
	return ch
}

// NewRedisChannelWithClient wraps an existing client, which the caller
// remains responsible for closing.
func NewRedisChannelWithClient(client *redis.Client, deckID string) *RedisChannel {
	return &RedisChannel{
		client:  client,
		channel: fmt.Sprintf("presence:deck:%s", deckID),
	}
}

// Publish broadcasts u to every subscriber of the deck's channel.
func (c *RedisChannel) Publish(ctx context.Context, u Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal presence update: %w", err)
	}
	if err := c.client.Publish(ctx, c.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish presence update: %w", err)
	}
	return nil
}

// Subscribe delivers decoded updates to fn from a background goroutine
// until the returned cancel runs or ctx ends. Malformed payloads are
// skipped.
func (c *RedisChannel) Subscribe(ctx context.Context, fn func(Update)) (func(), error) {
	sub := c.client.Subscribe(ctx, c.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe presence channel: %w", err)
	}
	go func() {
		for msg := range sub.Channel() {
			var u Update
			if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
				continue
			}
			fn(u)
		}
	}()
	return func() { _ = sub.Close() }, nil
}

// Close releases the client if this channel created it.
func (c *RedisChannel) Close() error {
	if c.owned {
		return c.client.Close()
	}
	return nil
}
