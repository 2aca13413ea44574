package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// eventsChannel carries node updates between processes. The worker emits
// onto it; the API relays into its local hub for SSE fan-out.
const eventsChannel = "flow.events"

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Bridge relays node updates across process boundaries over redis pub/sub.
// Delivery is best-effort, matching the hub's contract.
type Bridge struct {
	redis  *redis.Client
	hub    *Hub
	logger Logger
}

// NewBridge creates a bridge bound to a local hub
func NewBridge(redisClient *redis.Client, hub *Hub, logger Logger) *Bridge {
	return &Bridge{
		redis:  redisClient,
		hub:    hub,
		logger: logger,
	}
}

// Emit publishes to the local hub and to the redis channel so that other
// processes (the API serving SSE) see the update too.
func (b *Bridge) Emit(update NodeUpdate) {
	b.hub.Emit(update)

	data, err := json.Marshal(update)
	if err != nil {
		b.logger.Error("failed to encode node update", "error", err)
		return
	}
	if err := b.redis.Publish(context.Background(), eventsChannel, string(data)).Err(); err != nil {
		b.logger.Warn("failed to relay node update", "error", err)
	}
}

// Run subscribes to the redis channel and republishes into the local hub
// until ctx is cancelled. Used by the API process.
func (b *Bridge) Run(ctx context.Context) error {
	pubsub := b.redis.Subscribe(ctx, eventsChannel)
	defer pubsub.Close()

	b.logger.Info("event bridge subscribed", "channel", eventsChannel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("event bridge stopping")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var update NodeUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				b.logger.Error("undecodable node update", "error", err)
				continue
			}
			b.hub.Emit(update)
		}
	}
}
