package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/flowengine/cmd/worker/runtime"
	"github.com/lyzr/flowengine/common/config"
	"github.com/lyzr/flowengine/common/events"
	"github.com/lyzr/flowengine/common/faults"
	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/common/metrics"
	"github.com/lyzr/flowengine/common/models"
	"github.com/lyzr/flowengine/common/queue"
)

// cancelPollInterval is how often a running execution checks its cancel flag
const cancelPollInterval = 2 * time.Second

// Store is the persistence surface the executor drives
type Store interface {
	GetWorkflow(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
	GetExecution(ctx context.Context, id uuid.UUID) (*models.Execution, error)
	UpdateExecutionStatus(ctx context.Context, id uuid.UUID, from []models.ExecutionStatus, to models.ExecutionStatus, patch models.ExecutionPatch) (bool, error)
	IncrementAttempt(ctx context.Context, id uuid.UUID) (int, error)
	CancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
	ListNodeExecutions(ctx context.Context, executionID uuid.UUID) ([]*models.NodeExecution, error)
	FailStaleRunning(ctx context.Context, executionID uuid.UUID, reason string) (int64, error)
	CreatePause(ctx context.Context, pause *models.Pause) error
	GetResolvedPause(ctx context.Context, executionID uuid.UUID) (*models.Pause, error)
}

// Engine runs executions to a settled status. Run is idempotent under
// redelivery: completed work is reconstructed from node rows, not redone.
type Engine struct {
	store   Store
	runtime *runtime.Runtime
	events  events.Emitter
	metrics *metrics.Metrics
	log     *logger.Logger
	cfg     config.EngineConfig
}

// New creates an engine
func New(store Store, rt *runtime.Runtime, emitter events.Emitter, m *metrics.Metrics, log *logger.Logger, cfg config.EngineConfig) *Engine {
	return &Engine{
		store:   store,
		runtime: rt,
		events:  emitter,
		metrics: m,
		log:     log,
		cfg:     cfg,
	}
}

// nodeState is the settled view of one node during scheduling
type nodeState struct {
	status models.NodeStatus
	output map[string]any
	handle string
}

type nodeResult struct {
	id      string
	outcome *runtime.Outcome
}

// Run drives one job envelope to a settled execution status. A nil return
// means the job is done and may be acknowledged; a non-nil return means the
// outcome is not durable yet and the job must be redelivered.
func (e *Engine) Run(ctx context.Context, env *queue.Envelope) error {
	log := e.log.WithExecutionID(env.ExecutionID.String())

	exec, err := e.store.GetExecution(ctx, env.ExecutionID)
	if faults.Is(err, faults.KindNotFound) {
		log.Warn("job references unknown execution, dropping", "job_id", env.JobID)
		return nil
	}
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		log.Info("execution already settled, acknowledging redelivery", "status", exec.Status)
		return nil
	}
	if exec.CancelRequested {
		return e.settleFailed(ctx, exec, "execution cancelled")
	}

	wf, err := e.store.GetWorkflow(ctx, exec.WorkflowID)
	if faults.Is(err, faults.KindNotFound) {
		return e.settleFailed(ctx, exec, "workflow not found")
	}
	if err != nil {
		return err
	}

	g, err := BuildGraph(wf)
	if err != nil {
		return e.settleFailed(ctx, exec, err.Error())
	}

	attempt, err := e.store.IncrementAttempt(ctx, exec.ID)
	if err != nil {
		return err
	}
	if attempt > 1 {
		closed, err := e.store.FailStaleRunning(ctx, exec.ID, "interrupted: worker lost before finishing")
		if err != nil {
			return err
		}
		if closed > 0 {
			log.Warn("closed stale node rows from a lost worker", "count", closed)
		}
	}

	ok, err := e.store.UpdateExecutionStatus(ctx, exec.ID,
		[]models.ExecutionStatus{models.ExecutionPending, models.ExecutionRunning, models.ExecutionPaused},
		models.ExecutionRunning, models.ExecutionPatch{})
	if err != nil {
		return err
	}
	if !ok {
		log.Info("execution no longer runnable, acknowledging")
		return nil
	}
	e.emitExecution(exec.ID, string(models.ExecutionRunning), nil)
	e.metrics.IncStarted(string(env.Kind))

	if env.Kind == queue.KindResume {
		if err := e.applyResume(ctx, exec, attempt); err != nil {
			return err
		}
	}

	return e.schedule(ctx, log, exec, g, attempt)
}

// applyResume closes the paused node with its resume data before scheduling
func (e *Engine) applyResume(ctx context.Context, exec *models.Execution, attempt int) error {
	pause, err := e.store.GetResolvedPause(ctx, exec.ID)
	if faults.Is(err, faults.KindNotFound) {
		e.log.Warn("resume job without a resolved pause", "execution_id", exec.ID)
		return nil
	}
	if err != nil {
		return err
	}
	return e.runtime.MarkResumed(ctx, exec.ID, pause.NodeID, attempt, pause.ResumeData)
}

// schedule is the readiness loop: launch every node whose inbound edges are
// resolved with at least one fired, skip nodes whose inbound edges are all
// dead, and settle the execution when nothing is left.
func (e *Engine) schedule(ctx context.Context, log *logger.Logger, exec *models.Execution, g *Graph, attempt int) error {
	settled, spent, err := e.reconstruct(ctx, exec.ID)
	if err != nil {
		return err
	}

	runCtx := ctx
	var cancelRun context.CancelFunc
	if e.cfg.WorkflowTimeout > 0 {
		runCtx, cancelRun = context.WithTimeout(ctx, e.cfg.WorkflowTimeout)
		defer cancelRun()
	} else {
		runCtx, cancelRun = context.WithCancel(ctx)
		defer cancelRun()
	}

	var (
		inflight   = map[string]bool{}
		results    = make(chan nodeResult)
		failure    string
		infraErr   error
		paused     bool
		pauseNode  string
		timeoutCh  = runCtx.Done()
		cancelTick = time.NewTicker(cancelPollInterval)
	)
	defer cancelTick.Stop()

	for {
		launching := infraErr == nil && failure == "" && !paused
		if launching {
			progress := true
			for progress {
				progress = false
				for _, id := range g.Order {
					if _, done := settled[id]; done {
						continue
					}
					if inflight[id] {
						continue
					}
					ready, dead := e.readiness(g, id, settled)
					if dead {
						if err := e.runtime.MarkSkipped(ctx, exec.ID, id, attempt); err != nil {
							infraErr = err
						} else {
							settled[id] = &nodeState{status: models.NodeSkipped}
							progress = true
						}
						continue
					}
					if ready && len(inflight) < e.cfg.MaxConcurrentNodes {
						node := g.Node(id)
						base, scope := buildInputs(exec, g, id, settled)
						inflight[id] = true
						go func(id string, node *models.Node, prior int) {
							results <- nodeResult{id: id, outcome: e.runtime.Invoke(runCtx, exec, node, attempt, prior, base, scope)}
						}(id, node, spent[id])
					}
				}
				if infraErr != nil {
					break
				}
			}
		}

		if len(inflight) == 0 {
			switch {
			case infraErr != nil:
				return infraErr
			case paused:
				return e.settlePaused(ctx, exec, pauseNode)
			case failure != "":
				return e.settleFailed(ctx, exec, failure)
			case len(settled) == len(g.Order):
				return e.settleCompleted(ctx, exec, g, settled)
			default:
				// A DAG with resolved inputs always progresses; reaching
				// here means reconstruction and the graph disagree
				return e.settleFailed(ctx, exec, "execution stalled: no runnable nodes remain")
			}
		}

		select {
		case res := <-results:
			delete(inflight, res.id)
			out := res.outcome
			switch {
			case out.Err != nil && !out.Settled:
				if infraErr == nil {
					infraErr = out.Err
				}
			case out.Paused:
				paused = true
				pauseNode = res.id
			case out.Err != nil:
				if failure == "" {
					failure = fmt.Sprintf("node %s failed: %v", res.id, out.Err)
				}
			default:
				settled[res.id] = &nodeState{
					status: models.NodeCompleted,
					output: out.Output,
					handle: out.Handle,
				}
			}

		case <-cancelTick.C:
			requested, err := e.store.CancelRequested(ctx, exec.ID)
			if err != nil {
				log.Warn("cancel flag check failed", "error", err)
				continue
			}
			if requested && failure == "" {
				failure = "execution cancelled"
				log.Info("cancel requested, stopping execution")
				cancelRun()
				timeoutCh = nil
			}

		case <-timeoutCh:
			timeoutCh = nil
			if ctx.Err() != nil {
				// The worker itself is shutting down; leave the job for
				// redelivery rather than failing the execution
				if infraErr == nil {
					infraErr = faults.Wrap(faults.KindCancelled, ctx.Err(), "worker shutting down")
				}
			} else if failure == "" {
				failure = fmt.Sprintf("execution timed out after %s", e.cfg.WorkflowTimeout)
			}
		}
	}
}

// reconstruct rebuilds settled node state from durable rows so redelivered
// and resumed jobs never redo finished work. Failed rows are not settled,
// their nodes run again, but their retry counts carry over so the retry
// budget spans deliveries.
func (e *Engine) reconstruct(ctx context.Context, executionID uuid.UUID) (map[string]*nodeState, map[string]int, error) {
	rows, err := e.store.ListNodeExecutions(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}

	latest := map[string]*models.NodeExecution{}
	for _, row := range rows {
		prev, ok := latest[row.NodeID]
		if !ok || row.Attempt >= prev.Attempt {
			latest[row.NodeID] = row
		}
	}

	settled := map[string]*nodeState{}
	spent := map[string]int{}
	for id, row := range latest {
		switch row.Status {
		case models.NodeCompleted:
			settled[id] = &nodeState{status: models.NodeCompleted, output: row.Output, handle: row.Handle}
		case models.NodeSkipped:
			settled[id] = &nodeState{status: models.NodeSkipped}
		case models.NodeFailed:
			spent[id] = row.RetryCount
		}
	}
	return settled, spent, nil
}

// readiness classifies a node against its inbound edges. An edge is fired
// when its source completed and its handle matched; dead when the source was
// skipped or fired a different handle. ready requires every edge resolved
// and at least one fired; dead means all edges resolved and none fired.
func (e *Engine) readiness(g *Graph, id string, settled map[string]*nodeState) (ready, dead bool) {
	inbound := g.Inbound(id)
	if len(inbound) == 0 {
		return true, false
	}

	fired := 0
	for _, edge := range inbound {
		src, ok := settled[edge.SourceNodeID]
		if !ok {
			return false, false
		}
		if src.status == models.NodeCompleted && handleMatches(edge, src.handle) {
			fired++
		}
	}
	if fired > 0 {
		return true, false
	}
	return false, true
}

func handleMatches(edge models.Edge, firedHandle string) bool {
	return edge.SourceHandle == "" || edge.SourceHandle == firedHandle
}

// buildInputs assembles a node's base input and interpolation scope. The
// base layers fired upstream outputs over the workflow input in edge order;
// the scope exposes the workflow input under "input" and every completed
// node's output under its node id.
func buildInputs(exec *models.Execution, g *Graph, id string, settled map[string]*nodeState) (base, scope map[string]any) {
	base = map[string]any{}
	for k, v := range exec.Input {
		base[k] = v
	}
	for _, edge := range g.Inbound(id) {
		src, ok := settled[edge.SourceNodeID]
		if !ok || src.status != models.NodeCompleted || !handleMatches(edge, src.handle) {
			continue
		}
		for k, v := range src.output {
			base[k] = v
		}
	}

	scope = map[string]any{"input": exec.Input}
	for nodeID, state := range settled {
		if state.status == models.NodeCompleted {
			scope[nodeID] = state.output
		}
	}
	return base, scope
}

func (e *Engine) settlePaused(ctx context.Context, exec *models.Execution, nodeID string) error {
	err := e.store.CreatePause(ctx, &models.Pause{
		ID:          uuid.New(),
		ExecutionID: exec.ID,
		NodeID:      nodeID,
		CreatedAt:   time.Now().UTC(),
	})
	// A conflict means a pause from a previous delivery is still active
	if err != nil && !faults.Is(err, faults.KindConflict) {
		return err
	}

	if _, err := e.store.UpdateExecutionStatus(ctx, exec.ID,
		[]models.ExecutionStatus{models.ExecutionRunning},
		models.ExecutionPaused, models.ExecutionPatch{}); err != nil {
		return err
	}
	e.emitExecution(exec.ID, string(models.ExecutionPaused), map[string]any{"nodeId": nodeID})
	return nil
}

func (e *Engine) settleFailed(ctx context.Context, exec *models.Execution, reason string) error {
	finished := time.Now().UTC()
	if _, err := e.store.UpdateExecutionStatus(ctx, exec.ID,
		[]models.ExecutionStatus{models.ExecutionPending, models.ExecutionRunning, models.ExecutionPaused},
		models.ExecutionFailed, models.ExecutionPatch{Error: reason, FinishedAt: &finished}); err != nil {
		return err
	}
	e.metrics.IncFinished(string(models.ExecutionFailed))
	e.emitExecution(exec.ID, string(models.ExecutionFailed), map[string]any{"error": reason})
	return nil
}

func (e *Engine) settleCompleted(ctx context.Context, exec *models.Execution, g *Graph, settled map[string]*nodeState) error {
	output := map[string]any{}
	for id, state := range settled {
		if g.Terminal(id) && state.status == models.NodeCompleted {
			output[id] = state.output
		}
	}

	finished := time.Now().UTC()
	if _, err := e.store.UpdateExecutionStatus(ctx, exec.ID,
		[]models.ExecutionStatus{models.ExecutionRunning},
		models.ExecutionCompleted, models.ExecutionPatch{Output: output, FinishedAt: &finished}); err != nil {
		return err
	}
	e.metrics.IncFinished(string(models.ExecutionCompleted))
	e.emitExecution(exec.ID, string(models.ExecutionCompleted), output)
	return nil
}

func (e *Engine) emitExecution(executionID uuid.UUID, status string, data map[string]any) {
	if e.events == nil {
		return
	}
	e.events.Emit(events.NodeUpdate{
		ExecutionID: executionID,
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Data:        data,
	})
}
