package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/faramesh/faramesh-core/pkg/action"
)

// redisChannel is the Pub/Sub channel events are published to when a
// Redis fan-out is configured. This is an additional delivery path for
// multi-process deployments, not a consensus mechanism: the Store
// remains the single source of truth and subscribers must reconcile
// against get_events for any gaps.
const redisChannel = "faramesh:events"

// RedisPublisher publishes events to a Redis Pub/Sub channel so multiple
// Governor processes can share live event delivery.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher connects to addr. The connection is lazy: no I/O
// happens until the first Publish call.
func NewRedisPublisher(addr string) *RedisPublisher {
	return &RedisPublisher{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, e *action.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event for redis: %w", err)
	}
	if err := p.client.Publish(ctx, redisChannel, payload).Err(); err != nil {
		return fmt.Errorf("eventbus: redis publish: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
