package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes kernel events to Redis pub/sub channels so external
// reviewers and dashboards can observe runs. Publish failures are logged and
// swallowed: observability must never fail a pipeline run.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisBus creates a Redis-backed bus. The prefix namespaces channels,
// e.g. prefix "tiller" publishes to "tiller:autonomy:pipeline:started".
func NewRedisBus(client *redis.Client, prefix string) *RedisBus {
	return &RedisBus{
		client: client,
		prefix: prefix,
		logger: slog.Default().With("component", "redis-bus"),
	}
}

// Emit implements Bus.
func (b *RedisBus) Emit(ctx context.Context, topic string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.WarnContext(ctx, "payload not serializable", "topic", topic, "error", err)
		return
	}
	channel := topic
	if b.prefix != "" {
		channel = b.prefix + ":" + topic
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		b.logger.WarnContext(ctx, "publish failed", "channel", channel, "error", err)
	}
}
