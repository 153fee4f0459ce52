package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConnInfo is what the registry records about an active connection.
type ConnInfo struct {
	Name     string    `json:"name"`
	Color    string    `json:"color"`
	JoinedAt time.Time `json:"joined_at"`
}

// RedisRegistry tracks which connections are active on which deck, in
// redis keys with a liveness TTL. The relay server registers every
// accepted connection and refreshes it while the socket lives, so the
// snapshotter knows which decks are worth persisting and stale entries
// vanish on their own after a crash.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry connects to redis at redisURL.
func NewRedisRegistry(redisURL string) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisRegistryWithClient(client), nil
}

// NewRedisRegistryWithClient creates a registry from an existing
// client.
func NewRedisRegistryWithClient(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{
		client: client,
		prefix: "conn:",
		ttl:    30 * time.Second,
	}
}

func (r *RedisRegistry) key(deckID, connID string) string {
	return r.prefix + deckID + ":" + connID
}

// Register records an active connection with the liveness TTL.
func (r *RedisRegistry) Register(ctx context.Context, deckID, connID string, info ConnInfo) error {
	if info.JoinedAt.IsZero() {
		info.JoinedAt = time.Now()
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal conn info: %w", err)
	}
	if err := r.client.Set(ctx, r.key(deckID, connID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("register conn: %w", err)
	}
	return nil
}

// Refresh extends a connection's TTL. Refreshing an expired or unknown
// connection re-registers nothing and returns false.
func (r *RedisRegistry) Refresh(ctx context.Context, deckID, connID string) (bool, error) {
	ok, err := r.client.Expire(ctx, r.key(deckID, connID), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("refresh conn: %w", err)
	}
	return ok, nil
}

// Deregister removes a connection immediately.
func (r *RedisRegistry) Deregister(ctx context.Context, deckID, connID string) error {
	if err := r.client.Del(ctx, r.key(deckID, connID)).Err(); err != nil {
		return fmt.Errorf("deregister conn: %w", err)
	}
	return nil
}

// ActiveConns lists the live connections on a deck.
func (r *RedisRegistry) ActiveConns(ctx context.Context, deckID string) (map[string]ConnInfo, error) {
	pattern := r.prefix + deckID + ":*"
	keys, err := r.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("list conns: %w", err)
	}
	out := make(map[string]ConnInfo, len(keys))
	for _, key := range keys {
		data, err := r.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read conn %s: %w", key, err)
		}
		var info ConnInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			continue
		}
		out[key[len(r.prefix)+len(deckID)+1:]] = info
	}
	return out, nil
}

// Ping checks if redis is reachable.
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the redis connection.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
