package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus for tests and single-node development.
// Retry scheduling uses real timers so backoff behavior is observable.
type MemoryBus struct {
	mu     sync.Mutex
	jobs   chan *Envelope
	dead   []*DeadLetter
	closed bool
}

// NewMemoryBus creates an in-memory bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		jobs: make(chan *Envelope, 1000),
	}
}

// Publish puts an envelope on the primary channel
func (b *MemoryBus) Publish(ctx context.Context, env *Envelope) error {
	select {
	case b.jobs <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishRetry redelivers the envelope after the delay
func (b *MemoryBus) PublishRetry(ctx context.Context, env *Envelope, delay time.Duration) error {
	timer := time.AfterFunc(delay, func() {
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if !closed {
			b.jobs <- env
		}
	})
	_ = timer
	return nil
}

// PublishDLQ records the envelope on the dead-letter list
func (b *MemoryBus) PublishDLQ(ctx context.Context, env *Envelope, reason string, lastErr error) error {
	dead := &DeadLetter{
		Envelope:      env,
		FailureReason: reason,
		DeadAt:        time.Now().UTC(),
	}
	if lastErr != nil {
		dead.LastError = lastErr.Error()
	}

	b.mu.Lock()
	b.dead = append(b.dead, dead)
	b.mu.Unlock()
	return nil
}

// Consume delivers envelopes to the handler until ctx ends. Failed
// deliveries are redelivered immediately, mirroring a pending-entry claim.
func (b *MemoryBus) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-b.jobs:
			if err := handler(ctx, env); err != nil {
				select {
				case b.jobs <- env:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// DeadLetters returns a snapshot of the dead-letter channel
func (b *MemoryBus) DeadLetters() []*DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*DeadLetter, len(b.dead))
	copy(out, b.dead)
	return out
}

// Depth returns the number of undelivered primary jobs
func (b *MemoryBus) Depth() int {
	return len(b.jobs)
}

// Close stops accepting retry redeliveries
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
