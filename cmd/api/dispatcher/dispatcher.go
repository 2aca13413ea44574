// Package dispatcher is the control-plane admission path: it owns
// execution creation, quota enforcement and handoff to the queue bus.
// Running workflows is the worker's job; nothing here touches the graph.
package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/flowengine/cmd/api/auth"
	"github.com/lyzr/flowengine/common/breaker"
	"github.com/lyzr/flowengine/common/faults"
	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/common/metrics"
	"github.com/lyzr/flowengine/common/models"
	"github.com/lyzr/flowengine/common/queue"
)

// WorkflowStore loads workflow graphs
type WorkflowStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
}

// ExecutionStore persists execution lifecycle state
type ExecutionStore interface {
	Create(ctx context.Context, exec *models.Execution) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Execution, error)
	GetByIdempotencyKey(ctx context.Context, userID, key string) (*models.Execution, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from []models.ExecutionStatus, to models.ExecutionStatus, patch models.ExecutionPatch) (bool, error)
	RequestCancel(ctx context.Context, id uuid.UUID) (bool, error)
	List(ctx context.Context, workflowID *uuid.UUID, status models.ExecutionStatus, limit int) ([]*models.Execution, error)
}

// PauseStore resolves suspension records on resume
type PauseStore interface {
	FindLatestUnresumed(ctx context.Context, executionID uuid.UUID) (*models.Pause, error)
	Resolve(ctx context.Context, pauseID uuid.UUID, resumeData map[string]any) (bool, error)
}

// UsageStore meters executions per subscription and period
type UsageStore interface {
	Increment(ctx context.Context, subscriptionID string, resource models.ResourceType, period string, delta int64) (int64, error)
	Get(ctx context.Context, subscriptionID string, resource models.ResourceType, period string) (int64, error)
}

// TierResolver is the billing collaborator: the active subscription tier
// for a user, with per-resource limits for the current period.
type TierResolver interface {
	GetActiveTier(ctx context.Context, userID string) (*models.Tier, error)
}

// StaticTiers is the config-backed tier resolver used when no billing
// service is wired. Every user gets the same limit; zero means unlimited.
type StaticTiers struct {
	ExecutionsPerPeriod int64
}

// GetActiveTier implements TierResolver
func (s StaticTiers) GetActiveTier(ctx context.Context, userID string) (*models.Tier, error) {
	return &models.Tier{
		SubscriptionID: userID,
		Limits: map[models.ResourceType]int64{
			models.ResourceExecutions: s.ExecutionsPerPeriod,
		},
	}, nil
}

// StartRequest carries the parameters of one execution dispatch
type StartRequest struct {
	WorkflowID     uuid.UUID      `json:"workflowId"`
	Input          map[string]any `json:"input"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
}

// Dispatcher admits, persists and enqueues execution commands
type Dispatcher struct {
	workflows  WorkflowStore
	executions ExecutionStore
	pauses     PauseStore
	usage      UsageStore
	tiers      TierResolver
	bus        queue.Bus
	breaker    *breaker.Breaker
	metrics    *metrics.Metrics
	logger     *logger.Logger
}

// New creates a dispatcher
func New(workflows WorkflowStore, executions ExecutionStore, pauses PauseStore, usage UsageStore, tiers TierResolver, bus queue.Bus, brk *breaker.Breaker, m *metrics.Metrics, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		workflows:  workflows,
		executions: executions,
		pauses:     pauses,
		usage:      usage,
		tiers:      tiers,
		bus:        bus,
		breaker:    brk,
		metrics:    m,
		logger:     log,
	}
}

// billingPeriod is the usage bucket key: calendar month, UTC
func billingPeriod(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// StartExecution admits a new run: ownership check, quota check, durable
// pending row, then enqueue. A replayed idempotency key returns the prior
// execution with replayed=true instead of creating a second one.
func (d *Dispatcher) StartExecution(ctx context.Context, session *auth.Session, req StartRequest) (exec *models.Execution, replayed bool, err error) {
	wf, err := d.workflows.GetByID(ctx, req.WorkflowID)
	if err != nil {
		return nil, false, err
	}
	// Foreign private workflows are indistinguishable from absent ones
	if !wf.Public && wf.OwnerUserID != session.UserID && !session.IsAdmin {
		return nil, false, faults.New(faults.KindNotFound, "workflow %s not found", req.WorkflowID)
	}

	tier, err := d.tiers.GetActiveTier(ctx, session.UserID)
	if err != nil {
		return nil, false, err
	}
	period := billingPeriod(time.Now())
	if limit := tier.Limits[models.ResourceExecutions]; limit > 0 {
		used, err := d.usage.Get(ctx, tier.SubscriptionID, models.ResourceExecutions, period)
		if err != nil {
			return nil, false, err
		}
		if used >= limit {
			return nil, false, faults.New(faults.KindQuotaExceeded, "execution quota reached (%d/%d this period)", used, limit)
		}
	}

	exec = &models.Execution{
		ID:             uuid.New(),
		WorkflowID:     wf.ID,
		UserID:         session.UserID,
		Status:         models.ExecutionPending,
		Input:          req.Input,
		StartedAt:      time.Now().UTC(),
		AttemptCount:   0,
		IdempotencyKey: req.IdempotencyKey,
	}

	if err := d.executions.Create(ctx, exec); err != nil {
		if faults.Is(err, faults.KindConflict) && req.IdempotencyKey != "" {
			prior, getErr := d.executions.GetByIdempotencyKey(ctx, session.UserID, req.IdempotencyKey)
			if getErr != nil {
				return nil, false, getErr
			}
			d.logger.Info("idempotent start replayed",
				"execution_id", prior.ID,
				"idempotency_key", req.IdempotencyKey)
			return prior, true, nil
		}
		return nil, false, err
	}

	if _, err := d.usage.Increment(ctx, tier.SubscriptionID, models.ResourceExecutions, period, 1); err != nil {
		// Admission stands; the counter undercounts until a later
		// increment lands
		d.metrics.IncUsageSyncFailure()
		d.logger.Error("usage increment failed", "execution_id", exec.ID, "error", err)
	}

	env := queue.NewEnvelope(queue.KindStart, exec.ID, wf.ID, session.UserID)
	if err := d.publish(ctx, env); err != nil {
		return nil, false, d.failEnqueue(ctx, exec, err)
	}

	d.metrics.IncPublish("primary")
	d.logger.Info("execution dispatched",
		"execution_id", exec.ID,
		"workflow_id", wf.ID,
		"user_id", session.UserID)
	return exec, false, nil
}

// ResumeExecution resolves the active pause with the caller's data and
// re-enqueues the execution so a worker picks it back up.
func (d *Dispatcher) ResumeExecution(ctx context.Context, session *auth.Session, executionID uuid.UUID, resumeData map[string]any) (*models.Execution, error) {
	exec, err := d.authorized(ctx, session, executionID)
	if err != nil {
		return nil, err
	}

	// An execution without an active pause maps to not-found, whatever its
	// status says; the pause record is the source of truth here
	pause, err := d.pauses.FindLatestUnresumed(ctx, executionID)
	if err != nil {
		return nil, err
	}
	resolved, err := d.pauses.Resolve(ctx, pause.ID, resumeData)
	if err != nil {
		return nil, err
	}
	if !resolved {
		return nil, faults.New(faults.KindConflict, "pause already resolved for execution %s", executionID)
	}

	env := queue.NewEnvelope(queue.KindResume, exec.ID, exec.WorkflowID, exec.UserID)
	if err := d.publish(ctx, env); err != nil {
		return nil, faults.Wrap(faults.KindEnqueueFailed, err, "resume enqueue failed for execution %s", executionID)
	}

	d.metrics.IncPublish("primary")
	d.logger.Info("execution resumed", "execution_id", exec.ID, "node_id", pause.NodeID)
	return exec, nil
}

// RetryFailedNode re-dispatches a failed or paused execution. Completed
// upstream work is reconstructed on pickup; only unfinished nodes re-run.
func (d *Dispatcher) RetryFailedNode(ctx context.Context, session *auth.Session, executionID uuid.UUID, nodeID string) (*models.Execution, error) {
	exec, err := d.authorized(ctx, session, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != models.ExecutionFailed && exec.Status != models.ExecutionPaused {
		return nil, faults.New(faults.KindConflict, "execution %s is %s, retry needs failed or paused", executionID, exec.Status)
	}

	wf, err := d.workflows.GetByID(ctx, exec.WorkflowID)
	if err != nil {
		return nil, err
	}
	if nodeID != "" {
		if _, ok := wf.NodeByID(nodeID); !ok {
			return nil, faults.New(faults.KindNotFound, "node %q not in workflow %s", nodeID, wf.ID)
		}
	}

	moved, err := d.executions.UpdateStatus(ctx, exec.ID,
		[]models.ExecutionStatus{models.ExecutionFailed, models.ExecutionPaused},
		models.ExecutionPending, models.ExecutionPatch{})
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, faults.New(faults.KindConflict, "execution %s changed state concurrently", executionID)
	}

	env := queue.NewEnvelope(queue.KindRetryNode, exec.ID, exec.WorkflowID, exec.UserID)
	if nodeID != "" {
		env.Payload = map[string]any{"nodeId": nodeID}
	}
	if err := d.publish(ctx, env); err != nil {
		return nil, d.failEnqueue(ctx, exec, err)
	}

	d.metrics.IncPublish("primary")
	d.logger.Info("node retry dispatched", "execution_id", exec.ID, "node_id", nodeID)
	exec.Status = models.ExecutionPending
	return exec, nil
}

// CancelExecution flags a non-terminal execution; running workers observe
// the flag and stop cooperatively.
func (d *Dispatcher) CancelExecution(ctx context.Context, session *auth.Session, executionID uuid.UUID) error {
	exec, err := d.authorized(ctx, session, executionID)
	if err != nil {
		return err
	}

	flagged, err := d.executions.RequestCancel(ctx, exec.ID)
	if err != nil {
		return err
	}
	if !flagged {
		return faults.New(faults.KindConflict, "execution %s already finished", executionID)
	}

	d.logger.Info("cancel requested", "execution_id", exec.ID)
	return nil
}

// GetExecution loads an execution the caller may see
func (d *Dispatcher) GetExecution(ctx context.Context, session *auth.Session, executionID uuid.UUID) (*models.Execution, error) {
	return d.authorized(ctx, session, executionID)
}

// ListExecutions returns the caller's executions, optionally filtered
func (d *Dispatcher) ListExecutions(ctx context.Context, session *auth.Session, workflowID *uuid.UUID, status models.ExecutionStatus, limit int) ([]*models.Execution, error) {
	all, err := d.executions.List(ctx, workflowID, status, limit)
	if err != nil {
		return nil, err
	}
	if session.IsAdmin {
		return all, nil
	}
	visible := make([]*models.Execution, 0, len(all))
	for _, exec := range all {
		if exec.UserID == session.UserID {
			visible = append(visible, exec)
		}
	}
	return visible, nil
}

// authorized loads an execution, hiding foreign ones behind not-found
func (d *Dispatcher) authorized(ctx context.Context, session *auth.Session, executionID uuid.UUID) (*models.Execution, error) {
	exec, err := d.executions.GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.UserID != session.UserID && !session.IsAdmin {
		return nil, faults.New(faults.KindNotFound, "execution %s not found", executionID)
	}
	return exec, nil
}

// publish pushes the envelope through the queue circuit
func (d *Dispatcher) publish(ctx context.Context, env *queue.Envelope) error {
	return d.breaker.Do(ctx, "queue", func(ctx context.Context) error {
		return d.bus.Publish(ctx, env)
	})
}

// failEnqueue closes out an execution whose job never made it onto the
// bus; a pending row with no message behind it would hang forever.
func (d *Dispatcher) failEnqueue(ctx context.Context, exec *models.Execution, cause error) error {
	now := time.Now().UTC()
	_, updErr := d.executions.UpdateStatus(ctx, exec.ID,
		[]models.ExecutionStatus{models.ExecutionPending},
		models.ExecutionFailed,
		models.ExecutionPatch{Error: "enqueue failed", FinishedAt: &now})
	if updErr != nil {
		d.logger.Error("failed to mark execution after enqueue failure",
			"execution_id", exec.ID, "error", updErr)
	}
	return faults.Wrap(faults.KindEnqueueFailed, cause, "enqueue failed for execution %s", exec.ID)
}
