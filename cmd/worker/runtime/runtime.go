// Package runtime turns one node of a workflow into a durable node-execution
// row: it validates and interpolates the node's config, runs the handler
// under a timeout with panic recovery and an in-memory retry loop, and
// persists the outcome. Handler log lines stream through the log sink as
// they are written.
package runtime

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/flowengine/cmd/worker/blocks"
	"github.com/lyzr/flowengine/cmd/worker/registry"
	"github.com/lyzr/flowengine/common/config"
	"github.com/lyzr/flowengine/common/events"
	"github.com/lyzr/flowengine/common/faults"
	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/common/metrics"
	"github.com/lyzr/flowengine/common/models"
	"github.com/lyzr/flowengine/common/queue"
)

// persistTimeout bounds node-row writes that run detached from the
// workflow's run context
const persistTimeout = 10 * time.Second

// NodeStore is the slice of the repository the runtime writes through
type NodeStore interface {
	Upsert(ctx context.Context, executionID uuid.UUID, nodeID string, attempt int, patch models.NodeExecutionPatch) error
}

// LogSink receives handler log lines without blocking the node; satisfied
// by repository.AsyncLogWriter.
type LogSink interface {
	Write(entry *models.ExecutionLog)
}

// Outcome is the result of one node within one queue attempt. Settled means
// the outcome was durably recorded; an unsettled outcome carries a store
// error and the job must be redelivered.
type Outcome struct {
	Output     map[string]any
	Handle     string
	Paused     bool
	PauseData  map[string]any
	RetryCount int
	Settled    bool
	Err        error
}

// Runtime executes nodes through the block registry
type Runtime struct {
	registry *registry.Registry
	store    NodeStore
	sink     LogSink
	events   events.Emitter
	metrics  *metrics.Metrics
	log      *logger.Logger
	cfg      config.EngineConfig
	retry    config.QueueConfig

	// sleep is swappable so retry tests run fast
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a runtime. sink may be nil, in which case handler log lines
// are only emitted as events.
func New(reg *registry.Registry, store NodeStore, sink LogSink, emitter events.Emitter, m *metrics.Metrics, log *logger.Logger, engineCfg config.EngineConfig, queueCfg config.QueueConfig) *Runtime {
	return &Runtime{
		registry: reg,
		store:    store,
		sink:     sink,
		events:   emitter,
		metrics:  m,
		log:      log,
		cfg:      engineCfg,
		retry:    queueCfg,
		sleep:    sleepCtx,
	}
}

// Invoke runs one node to a settled outcome. Transient failures are retried
// in memory with exponential backoff; priorRetries seeds the loop from the
// previous attempt's row so MaxNodeRetries is a budget across deliveries,
// not per delivery. A pause resets the row to pending so a later resume or
// redelivery finds it untouched.
func (r *Runtime) Invoke(ctx context.Context, exec *models.Execution, node *models.Node, attempt, priorRetries int, base, scope map[string]any) *Outcome {
	log := r.log.WithExecutionID(exec.ID.String()).WithNodeID(node.ID)

	desc, err := r.registry.Resolve(node.BlockType)
	if err != nil {
		return r.fail(ctx, exec, node, attempt, 0, nil, err)
	}
	if err := r.registry.ValidateConfig(node); err != nil {
		return r.fail(ctx, exec, node, attempt, 0, nil, err)
	}

	interp, err := NewInterpolator(scope)
	if err != nil {
		return r.fail(ctx, exec, node, attempt, 0, nil, faults.Wrap(faults.KindPermanent, err, "building interpolation scope"))
	}
	inputs := mergeInputs(base, interp.ApplyConfig(node.Config))

	started := time.Now().UTC()
	bctx := &blocks.Context{
		ExecutionID: exec.ID,
		NodeID:      node.ID,
		UserID:      exec.UserID,
		Inputs:      inputs,
		Variables:   scope,
		Logger:      log,
		Log: func(level models.LogLevel, msg string, metadata map[string]any) {
			if r.sink != nil {
				r.sink.Write(&models.ExecutionLog{
					ID:          uuid.New(),
					ExecutionID: exec.ID,
					NodeID:      node.ID,
					Level:       level,
					Message:     msg,
					Metadata:    metadata,
					Timestamp:   time.Now().UTC(),
				})
			}
			r.emit(exec.ID, node.ID, "log", map[string]any{
				"level":   string(level),
				"message": msg,
			})
		},
	}

	if err := r.transition(ctx, exec.ID, node.ID, attempt, models.NodeExecutionPatch{
		Status:    models.NodeRunning,
		Input:     inputs,
		StartedAt: &started,
	}); err != nil {
		return &Outcome{Err: err}
	}
	r.emit(exec.ID, node.ID, string(models.NodeRunning), nil)
	r.metrics.AddInflight(1)
	defer r.metrics.AddInflight(-1)

	var (
		result  *blocks.Result
		callErr error
		retries = priorRetries
	)
	for {
		result, callErr = r.call(ctx, desc, node, bctx)

		var pause *blocks.PauseSignal
		if asPause(callErr, &pause) {
			return r.pause(ctx, exec, node, attempt, pause)
		}
		if callErr == nil || !faults.Retryable(callErr) || retries >= r.cfg.MaxNodeRetries {
			break
		}
		if ctx.Err() != nil {
			break
		}

		retries++
		r.metrics.IncRetry(string(node.BlockType))
		delay := queue.Backoff(retries, r.retry.RetryBase, r.retry.RetryCap)
		log.Warn("node failed, retrying", "error", callErr, "retry", retries, "backoff", delay)
		if err := r.sleep(ctx, delay); err != nil {
			callErr = faults.Wrap(faults.KindCancelled, err, "interrupted during retry backoff")
			break
		}
	}

	elapsed := time.Since(started).Seconds()
	if callErr != nil {
		r.metrics.ObserveNode(string(node.BlockType), "failed", elapsed)
		return r.fail(ctx, exec, node, attempt, retries, inputs, callErr)
	}

	finished := time.Now().UTC()
	if err := r.transition(ctx, exec.ID, node.ID, attempt, models.NodeExecutionPatch{
		Status:     models.NodeCompleted,
		Output:     result.Output,
		Handle:     result.Handle,
		FinishedAt: &finished,
		RetryCount: retries,
	}); err != nil {
		return &Outcome{Err: err}
	}
	r.metrics.ObserveNode(string(node.BlockType), "completed", elapsed)
	r.emit(exec.ID, node.ID, string(models.NodeCompleted), result.Output)

	return &Outcome{Output: result.Output, Handle: result.Handle, RetryCount: retries, Settled: true}
}

type callReturn struct {
	result *blocks.Result
	err    error
}

// call runs the handler under the node timeout with panic containment.
// When the context is cancelled the handler gets CancelGrace to return on
// its own; after that it is abandoned and the node is closed without it.
func (r *Runtime) call(ctx context.Context, desc *registry.Descriptor, node *models.Node, bctx *blocks.Context) (*blocks.Result, error) {
	nodeCtx := ctx
	var cancel context.CancelFunc
	if r.cfg.NodeTimeout > 0 {
		nodeCtx, cancel = context.WithTimeout(ctx, r.cfg.NodeTimeout)
		defer cancel()
	}

	done := make(chan callReturn, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- callReturn{err: faults.New(faults.KindPermanent, "handler panicked: %v", rec)}
			}
		}()
		result, err := desc.Handler.Execute(nodeCtx, node, bctx)
		done <- callReturn{result: result, err: err}
	}()

	var ret callReturn
	select {
	case ret = <-done:
	case <-nodeCtx.Done():
		grace := time.NewTimer(r.cfg.CancelGrace)
		defer grace.Stop()
		select {
		case ret = <-done:
		case <-grace.C:
			if ctx.Err() != nil {
				return nil, faults.Wrap(faults.KindCancelled, ctx.Err(), "handler ignored cancellation for %s", r.cfg.CancelGrace)
			}
			return nil, faults.New(faults.KindTransient, "node timed out after %s and ignored cancellation for %s", r.cfg.NodeTimeout, r.cfg.CancelGrace)
		}
	}

	result, err := ret.result, ret.err
	if err != nil {
		if ctx.Err() != nil {
			return nil, faults.Wrap(faults.KindCancelled, ctx.Err(), "node interrupted")
		}
		if nodeCtx.Err() != nil && faults.KindOf(err) != faults.KindTransient {
			return nil, faults.Wrap(faults.KindTransient, err, "node timed out after %s", r.cfg.NodeTimeout)
		}
		return nil, err
	}
	if result == nil {
		return nil, faults.New(faults.KindPermanent, "handler returned no result")
	}
	return result, nil
}

func (r *Runtime) pause(ctx context.Context, exec *models.Execution, node *models.Node, attempt int, pause *blocks.PauseSignal) *Outcome {
	// The row goes back to pending: a paused node has not finished an
	// attempt, and the resume path writes the completed row itself
	if err := r.transition(ctx, exec.ID, node.ID, attempt, models.NodeExecutionPatch{
		Status: models.NodePending,
	}); err != nil {
		return &Outcome{Err: err}
	}
	r.emit(exec.ID, node.ID, "paused", pause.Data)
	return &Outcome{Paused: true, PauseData: pause.Data, Settled: true}
}

func (r *Runtime) fail(ctx context.Context, exec *models.Execution, node *models.Node, attempt, retries int, inputs map[string]any, cause error) *Outcome {
	finished := time.Now().UTC()
	patch := models.NodeExecutionPatch{
		Status:     models.NodeFailed,
		Input:      inputs,
		Error:      cause.Error(),
		FinishedAt: &finished,
		RetryCount: retries,
	}
	if err := r.transition(ctx, exec.ID, node.ID, attempt, patch); err != nil {
		return &Outcome{Err: err}
	}
	r.emit(exec.ID, node.ID, string(models.NodeFailed), map[string]any{"error": cause.Error()})
	return &Outcome{RetryCount: retries, Settled: true, Err: cause}
}

// MarkResumed closes a paused node with the externally supplied resume data
// as its output
func (r *Runtime) MarkResumed(ctx context.Context, executionID uuid.UUID, nodeID string, attempt int, resumeData map[string]any) error {
	if resumeData == nil {
		resumeData = map[string]any{}
	}
	finished := time.Now().UTC()
	if err := r.transition(ctx, executionID, nodeID, attempt, models.NodeExecutionPatch{
		Status:     models.NodeCompleted,
		Output:     resumeData,
		StartedAt:  &finished,
		FinishedAt: &finished,
	}); err != nil {
		return err
	}
	r.emit(executionID, nodeID, string(models.NodeCompleted), resumeData)
	return nil
}

// MarkSkipped records a node the readiness rules ruled out
func (r *Runtime) MarkSkipped(ctx context.Context, executionID uuid.UUID, nodeID string, attempt int) error {
	finished := time.Now().UTC()
	if err := r.transition(ctx, executionID, nodeID, attempt, models.NodeExecutionPatch{
		Status:     models.NodeSkipped,
		FinishedAt: &finished,
	}); err != nil {
		return err
	}
	r.emit(executionID, nodeID, string(models.NodeSkipped), nil)
	return nil
}

// transition persists a node-row change. The write runs detached from the
// caller's context: a row must still close after the workflow timeout or a
// cancel has already fired, so it carries its own deadline instead.
func (r *Runtime) transition(ctx context.Context, executionID uuid.UUID, nodeID string, attempt int, patch models.NodeExecutionPatch) error {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := r.store.Upsert(persistCtx, executionID, nodeID, attempt, patch); err != nil {
		return faults.Wrap(faults.KindTransient, err, "persisting node %s transition", nodeID)
	}
	return nil
}

func (r *Runtime) emit(executionID uuid.UUID, nodeID, status string, data map[string]any) {
	if r.events == nil {
		return
	}
	r.events.Emit(events.NodeUpdate{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Data:        data,
	})
}

// mergeInputs layers interpolated config over the upstream base; config wins
func mergeInputs(base, cfg map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(cfg))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range cfg {
		out[k] = v
	}
	return out
}

func asPause(err error, target **blocks.PauseSignal) bool {
	if err == nil {
		return false
	}
	p, ok := err.(*blocks.PauseSignal)
	if !ok {
		return false
	}
	*target = p
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
