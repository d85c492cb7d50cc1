package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores each session transcript as a Redis list, trimmed to the
// most recent maxTurns messages.
type Redis struct {
	client   *redis.Client
	prefix   string
	maxTurns int
	ttl      time.Duration
}

// NewRedis wraps an existing client. ttl of zero disables expiry.
func NewRedis(client *redis.Client, prefix string, maxTurns int, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, maxTurns: maxTurns, ttl: ttl}
}

func (r *Redis) key(sessionID string) string {
	return r.prefix + sessionID
}

func (r *Redis) Get(ctx context.Context, sessionID string) ([]Message, error) {
	raw, err := r.client.LRange(ctx, r.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history: lrange: %w", err)
	}
	messages := make([]Message, 0, len(raw))
	for _, entry := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (r *Redis) Append(ctx context.Context, sessionID string, msg Message) error {
	encoded, err := marshalMessage(msg)
	if err != nil {
		return err
	}
	key := r.key(sessionID)
	if err := r.client.RPush(ctx, key, encoded).Err(); err != nil {
		return fmt.Errorf("history: rpush: %w", err)
	}
	return r.finalize(ctx, key)
}

func (r *Redis) Set(ctx context.Context, sessionID string, messages []Message) error {
	key := r.key(sessionID)
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("history: del: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}
	encoded := make([]any, 0, len(messages))
	for _, msg := range messages {
		entry, err := marshalMessage(msg)
		if err != nil {
			return err
		}
		encoded = append(encoded, entry)
	}
	if err := r.client.RPush(ctx, key, encoded...).Err(); err != nil {
		return fmt.Errorf("history: rpush: %w", err)
	}
	return r.finalize(ctx, key)
}

func (r *Redis) Clear(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("history: del: %w", err)
	}
	return nil
}

func (r *Redis) finalize(ctx context.Context, key string) error {
	if r.maxTurns > 0 {
		if err := r.client.LTrim(ctx, key, int64(-r.maxTurns), -1).Err(); err != nil {
			return fmt.Errorf("history: ltrim: %w", err)
		}
	}
	if r.ttl > 0 {
		if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
			return fmt.Errorf("history: expire: %w", err)
		}
	}
	return nil
}
