// Package consumer connects the queue bus to the execution engine, deciding
// per delivery whether a job is done, needs a deferred retry, or is poison.
package consumer

import (
	"context"
	"time"

	"github.com/lyzr/flowengine/cmd/worker/engine"
	"github.com/lyzr/flowengine/common/config"
	"github.com/lyzr/flowengine/common/faults"
	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/common/metrics"
	"github.com/lyzr/flowengine/common/queue"
)

// Runner is the part of the engine the consumer drives
type Runner interface {
	Run(ctx context.Context, env *queue.Envelope) error
}

// Consumer handles job deliveries. A job whose outcome is durable is
// acknowledged; a job that could not record its outcome is rescheduled with
// backoff until the attempt budget runs out, then dead-lettered.
type Consumer struct {
	engine  Runner
	bus     queue.Bus
	log     *logger.Logger
	metrics *metrics.Metrics
	cfg     config.QueueConfig
}

var _ Runner = (*engine.Engine)(nil)

// New creates a consumer
func New(eng Runner, bus queue.Bus, log *logger.Logger, m *metrics.Metrics, cfg config.QueueConfig) *Consumer {
	return &Consumer{engine: eng, bus: bus, log: log, metrics: m, cfg: cfg}
}

// Run consumes until the context ends
func (c *Consumer) Run(ctx context.Context) error {
	return c.bus.Consume(ctx, c.Handle)
}

// Handle processes one delivery. The nil/non-nil return follows the bus ack
// contract: nil only after the outcome is durable somewhere (store, retry
// channel, or DLQ).
func (c *Consumer) Handle(ctx context.Context, env *queue.Envelope) error {
	log := c.log.WithExecutionID(env.ExecutionID.String())

	err := c.engine.Run(ctx, env)
	if err == nil {
		return nil
	}

	// The worker is going down; leave the delivery pending so another
	// worker claims it
	if ctx.Err() != nil || faults.Is(err, faults.KindCancelled) {
		log.Info("job interrupted by shutdown, leaving for redelivery", "job_id", env.JobID)
		return err
	}

	next := env.Attempt + 1
	if next >= c.cfg.MaxAttempts {
		log.Error("job exhausted its attempts, dead-lettering",
			"job_id", env.JobID, "attempts", next, "error", err)
		if dlqErr := c.bus.PublishDLQ(ctx, env, "attempts exhausted", err); dlqErr != nil {
			return dlqErr
		}
		c.metrics.IncPublish("dlq")
		return nil
	}

	retry := *env
	retry.Attempt = next
	retry.EnqueuedAt = time.Now().UTC()
	delay := queue.Backoff(next, c.cfg.RetryBase, c.cfg.RetryCap)
	log.Warn("job outcome not durable, scheduling retry",
		"job_id", env.JobID, "attempt", next, "backoff", delay, "error", err)
	if retryErr := c.bus.PublishRetry(ctx, &retry, delay); retryErr != nil {
		return retryErr
	}
	c.metrics.IncPublish("retry")
	return nil
}
