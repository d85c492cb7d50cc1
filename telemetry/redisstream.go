package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStreamExporter appends events to a Redis stream so external
// consumers can tail runs in near real time.
type RedisStreamExporter struct {
	client  *redis.Client
	stream  string
	maxLen  int64
	timeout time.Duration
}

// NewRedisStreamExporter publishes to the named stream, trimming it to
// maxLen entries (0 disables trimming).
func NewRedisStreamExporter(client *redis.Client, stream string, maxLen int64) *RedisStreamExporter {
	return &RedisStreamExporter{
		client:  client,
		stream:  stream,
		maxLen:  maxLen,
		timeout: 5 * time.Second,
	}
}

func (e *RedisStreamExporter) Export(event string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telemetry: marshal event payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: e.stream,
		Values: map[string]any{
			"event":    event,
			"run_id":   payload["run_id"],
			"sequence": fmt.Sprint(payload["sequence"]),
			"payload":  string(raw),
		},
	}
	if e.maxLen > 0 {
		args.MaxLen = e.maxLen
		args.Approx = true
	}
	if err := e.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("telemetry: xadd: %w", err)
	}
	return nil
}
