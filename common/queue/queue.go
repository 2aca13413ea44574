package queue

import (
	"context"
	"time"
)

// Handler processes one delivered envelope. A nil return acknowledges the
// message; callers must have durably recorded the outcome (terminal status,
// pause, or scheduled redelivery) before returning nil. A non-nil return
// leaves the message pending for infrastructure-level redelivery.
type Handler func(ctx context.Context, env *Envelope) error

// Bus is the durable work queue with primary, retry and dead-letter
// channels. Delivery is at-least-once.
type Bus interface {
	// Publish puts an envelope on the primary channel
	Publish(ctx context.Context, env *Envelope) error
	// PublishRetry schedules a deferred redelivery onto the primary channel
	PublishRetry(ctx context.Context, env *Envelope, delay time.Duration) error
	// PublishDLQ routes a poison envelope to the terminal sink
	PublishDLQ(ctx context.Context, env *Envelope, reason string, lastErr error) error
	// Consume blocks, delivering envelopes to the handler until ctx ends
	Consume(ctx context.Context, handler Handler) error
	Close() error
}
