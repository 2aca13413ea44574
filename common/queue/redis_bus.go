package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	primaryStream = "flow.jobs"
	dlqStream     = "flow.jobs.dlq"
	retryZSet     = "flow.jobs.retry"

	// retryPollInterval bounds how late a deferred redelivery can fire
	retryPollInterval = 1 * time.Second

	// staleClaimIdle is how long a pending delivery may sit unacked on a
	// dead consumer before another consumer claims it
	staleClaimIdle = 60 * time.Second
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// RedisBus implements Bus on redis streams. The primary and DLQ channels
// are streams read through a consumer group; the retry channel is a sorted
// set scored by delivery time, drained onto the primary stream by a mover
// loop inside Consume.
type RedisBus struct {
	redis         *redis.Client
	logger        Logger
	consumerGroup string
	consumerName  string
}

// NewRedisBus creates a bus over an existing redis client
func NewRedisBus(redisClient *redis.Client, consumerGroup string, logger Logger) *RedisBus {
	return &RedisBus{
		redis:         redisClient,
		logger:        logger,
		consumerGroup: consumerGroup,
		consumerName:  fmt.Sprintf("worker_%s", uuid.New().String()[:8]),
	}
}

// Publish puts an envelope on the primary stream
func (b *RedisBus) Publish(ctx context.Context, env *Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	if err := b.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: primaryStream,
		Values: map[string]interface{}{"envelope": string(data)},
	}).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", primaryStream, err)
	}

	b.logger.Debug("job published",
		"job_id", env.JobID,
		"kind", env.Kind,
		"execution_id", env.ExecutionID)
	return nil
}

// PublishRetry schedules a deferred redelivery via the retry sorted set
func (b *RedisBus) PublishRetry(ctx context.Context, env *Envelope, delay time.Duration) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	deliverAt := time.Now().Add(delay)
	if err := b.redis.ZAdd(ctx, retryZSet, redis.Z{
		Score:  float64(deliverAt.UnixMilli()),
		Member: string(data),
	}).Err(); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}

	b.logger.Info("job scheduled for retry",
		"job_id", env.JobID,
		"execution_id", env.ExecutionID,
		"attempt", env.Attempt,
		"delay", delay)
	return nil
}

// PublishDLQ routes a poison envelope to the dead-letter stream
func (b *RedisBus) PublishDLQ(ctx context.Context, env *Envelope, reason string, lastErr error) error {
	dead := &DeadLetter{
		Envelope:      env,
		FailureReason: reason,
		DeadAt:        time.Now().UTC(),
	}
	if lastErr != nil {
		dead.LastError = lastErr.Error()
	}

	data, err := json.Marshal(dead)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	if err := b.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqStream,
		Values: map[string]interface{}{"dead_letter": string(data)},
	}).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", dlqStream, err)
	}

	b.logger.Warn("job dead-lettered",
		"job_id", env.JobID,
		"execution_id", env.ExecutionID,
		"reason", reason)
	return nil
}

// Consume reads the primary stream through the consumer group and hands
// envelopes to the handler. It also runs the retry mover and a stale-claim
// sweep until ctx is cancelled.
func (b *RedisBus) Consume(ctx context.Context, handler Handler) error {
	if err := b.redis.XGroupCreateMkStream(ctx, primaryStream, b.consumerGroup, "0").Err(); err != nil &&
		!strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	b.logger.Info("bus consumer starting",
		"stream", primaryStream,
		"consumer_group", b.consumerGroup,
		"consumer_name", b.consumerName)

	go b.runRetryMover(ctx)
	go b.runStaleClaim(ctx, handler)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("bus consumer stopping")
			return nil
		default:
			if err := b.readNext(ctx, handler); err != nil && ctx.Err() == nil {
				b.logger.Error("failed to read from stream", "error", err)
				time.Sleep(1 * time.Second)
			}
		}
	}
}

func (b *RedisBus) readNext(ctx context.Context, handler Handler) error {
	streams, err := b.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.consumerGroup,
		Consumer: b.consumerName,
		Streams:  []string{primaryStream, ">"},
		Count:    1,
		Block:    5 * time.Second,
	}).Result()

	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("XREADGROUP: %w", err)
	}

	for _, stream := range streams {
		for _, message := range stream.Messages {
			b.deliver(ctx, message, handler)
		}
	}
	return nil
}

// deliver decodes and processes one stream message. Malformed messages are
// dead-lettered immediately; an ack only follows a nil handler return.
func (b *RedisBus) deliver(ctx context.Context, message redis.XMessage, handler Handler) {
	raw, ok := message.Values["envelope"].(string)
	if !ok {
		b.logger.Error("stream message missing envelope field", "message_id", message.ID)
		b.deadLetterRaw(ctx, message, "malformed message")
		b.ack(ctx, message.ID)
		return
	}

	env, err := DecodeEnvelope([]byte(raw))
	if err != nil {
		b.logger.Error("undecodable envelope", "message_id", message.ID, "error", err)
		b.deadLetterRaw(ctx, message, err.Error())
		b.ack(ctx, message.ID)
		return
	}

	if err := handler(ctx, env); err != nil {
		// Leave the message pending; the stale-claim sweep or another
		// consumer redelivers it
		b.logger.Error("handler failed, leaving message pending",
			"job_id", env.JobID,
			"message_id", message.ID,
			"error", err)
		return
	}

	b.ack(ctx, message.ID)
}

func (b *RedisBus) ack(ctx context.Context, messageID string) {
	if err := b.redis.XAck(ctx, primaryStream, b.consumerGroup, messageID).Err(); err != nil {
		b.logger.Error("failed to ACK message", "message_id", messageID, "error", err)
	}
}

// deadLetterRaw preserves an undecodable stream entry on the DLQ stream
func (b *RedisBus) deadLetterRaw(ctx context.Context, message redis.XMessage, reason string) {
	values := map[string]interface{}{
		"failure_reason": reason,
		"message_id":     message.ID,
	}
	for k, v := range message.Values {
		values[k] = v
	}
	if err := b.redis.XAdd(ctx, &redis.XAddArgs{Stream: dlqStream, Values: values}).Err(); err != nil {
		b.logger.Error("failed to dead-letter raw message", "message_id", message.ID, "error", err)
	}
}

// runRetryMover drains due members of the retry set back onto the primary
// stream. ZRem-before-XAdd would lose jobs on a crash, so the mover removes
// only after a successful re-publish; a crash in between duplicates the
// delivery, which at-least-once permits.
func (b *RedisBus) runRetryMover(ctx context.Context) {
	ticker := time.NewTicker(retryPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.moveDueRetries(ctx)
		}
	}
}

func (b *RedisBus) moveDueRetries(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := b.redis.ZRangeByScore(ctx, retryZSet, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: 100,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Error("retry mover scan failed", "error", err)
		}
		return
	}

	for _, member := range members {
		if err := b.redis.XAdd(ctx, &redis.XAddArgs{
			Stream: primaryStream,
			Values: map[string]interface{}{"envelope": member},
		}).Err(); err != nil {
			b.logger.Error("retry mover publish failed", "error", err)
			continue
		}
		if err := b.redis.ZRem(ctx, retryZSet, member).Err(); err != nil {
			b.logger.Error("retry mover ZREM failed", "error", err)
		}
	}

	if len(members) > 0 {
		b.logger.Debug("retry mover redelivered jobs", "count", len(members))
	}
}

// runStaleClaim periodically claims messages that sat pending on a dead
// consumer and replays them through the handler.
func (b *RedisBus) runStaleClaim(ctx context.Context, handler Handler) {
	ticker := time.NewTicker(staleClaimIdle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			messages, _, err := b.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   primaryStream,
				Group:    b.consumerGroup,
				Consumer: b.consumerName,
				MinIdle:  staleClaimIdle,
				Start:    "0-0",
				Count:    10,
			}).Result()
			if err != nil {
				if ctx.Err() == nil {
					b.logger.Error("stale claim failed", "error", err)
				}
				continue
			}
			for _, message := range messages {
				b.logger.Warn("claimed stale delivery", "message_id", message.ID)
				b.deliver(ctx, message, handler)
			}
		}
	}
}

// Close is a no-op; the redis client is owned by the caller
func (b *RedisBus) Close() error {
	return nil
}
