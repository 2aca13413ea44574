// Package supervisor sweeps executions abandoned by lost workers: rows stuck
// in running long past the workflow timeout are closed as failed so clients
// are not left polling forever.
package supervisor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/flowengine/common/events"
	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/common/metrics"
	"github.com/lyzr/flowengine/common/models"
)

const (
	sweepInterval = time.Minute
	sweepBatch    = 100
	// abandonReason lands on the execution row and in the event stream
	abandonReason = "abandoned: execution exceeded its deadline with no worker holding it"
)

// Store is the persistence slice the supervisor needs
type Store interface {
	ListStaleRunning(ctx context.Context, cutoff time.Time, limit int) ([]*models.Execution, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from []models.ExecutionStatus, to models.ExecutionStatus, patch models.ExecutionPatch) (bool, error)
}

// NodeStore closes the orphaned node rows of a swept execution
type NodeStore interface {
	FailStaleRunning(ctx context.Context, executionID uuid.UUID, reason string) (int64, error)
}

// Supervisor periodically fails executions that outlived their deadline
type Supervisor struct {
	executions Store
	nodes      NodeStore
	events     events.Emitter
	metrics    *metrics.Metrics
	log        *logger.Logger
	// staleAfter is how long past start a running execution is presumed dead
	staleAfter time.Duration

	interval time.Duration
}

// New creates a supervisor. staleAfter should comfortably exceed the
// workflow timeout so the sweep never races a live worker.
func New(executions Store, nodes NodeStore, emitter events.Emitter, m *metrics.Metrics, log *logger.Logger, staleAfter time.Duration) *Supervisor {
	return &Supervisor{
		executions: executions,
		nodes:      nodes,
		events:     emitter,
		metrics:    m,
		log:        log,
		staleAfter: staleAfter,
		interval:   sweepInterval,
	}
}

// Run sweeps on a fixed interval until the context ends
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.log.Error("stale execution sweep failed", "error", err)
			} else if n > 0 {
				s.log.Warn("closed abandoned executions", "count", n)
			}
		}
	}
}

// Sweep fails one batch of stale running executions and returns how many it
// closed. The status CAS makes concurrent sweepers and late workers safe:
// whoever transitions first wins, everyone else no-ops.
func (s *Supervisor) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.staleAfter)
	stale, err := s.executions.ListStaleRunning(ctx, cutoff, sweepBatch)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, exec := range stale {
		if _, err := s.nodes.FailStaleRunning(ctx, exec.ID, abandonReason); err != nil {
			s.log.Error("closing stale node rows", "execution_id", exec.ID, "error", err)
			continue
		}

		finished := time.Now().UTC()
		ok, err := s.executions.UpdateStatus(ctx, exec.ID,
			[]models.ExecutionStatus{models.ExecutionRunning},
			models.ExecutionFailed,
			models.ExecutionPatch{Error: abandonReason, FinishedAt: &finished})
		if err != nil {
			s.log.Error("failing stale execution", "execution_id", exec.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}

		closed++
		s.metrics.IncFinished(string(models.ExecutionFailed))
		if s.events != nil {
			s.events.Emit(events.NodeUpdate{
				ExecutionID: exec.ID,
				Status:      string(models.ExecutionFailed),
				Timestamp:   finished,
				Data:        map[string]any{"error": abandonReason},
			})
		}
	}
	return closed, nil
}
