package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDedupe is a fast-path messageId dedupe in front of the database's
// unique constraint. It is best-effort: a Redis miss or outage falls through
// to the batch insert, which remains the source of truth for idempotency.
type RedisDedupe struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDedupe connects a dedupe cache. TTL bounds memory; after it expires
// the database constraint still rejects replays.
func NewRedisDedupe(addr, password string, db int, ttl time.Duration) (*RedisDedupe, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisDedupe{client: client, ttl: ttl}, nil
}

// Seen atomically marks messageID and reports whether it was already present.
// SET NX returns false when the key exists, which is exactly "seen before".
func (d *RedisDedupe) Seen(ctx context.Context, messageID string) (bool, error) {
	ok, err := d.client.SetNX(ctx, "dedupe:msg:"+messageID, 1, d.ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Forget removes a marker, used when the row's batch insert failed so a
// retried message is not misreported as duplicate.
func (d *RedisDedupe) Forget(ctx context.Context, messageID string) error {
	return d.client.Del(ctx, "dedupe:msg:"+messageID).Err()
}

func (d *RedisDedupe) Close() error {
	return d.client.Close()
}
