package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/lyzr/flowengine/common/models"
	"github.com/lyzr/flowengine/common/repository"
)

// RepoStore adapts the repositories to the executor's Store surface
type RepoStore struct {
	Workflows  *repository.WorkflowRepository
	Executions *repository.ExecutionRepository
	Nodes      *repository.NodeExecutionRepository
	Pauses     *repository.PauseRepository
}

var _ Store = (*RepoStore)(nil)

func (s *RepoStore) GetWorkflow(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	return s.Workflows.GetByID(ctx, id)
}

func (s *RepoStore) GetExecution(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	return s.Executions.GetByID(ctx, id)
}

func (s *RepoStore) UpdateExecutionStatus(ctx context.Context, id uuid.UUID, from []models.ExecutionStatus, to models.ExecutionStatus, patch models.ExecutionPatch) (bool, error) {
	return s.Executions.UpdateStatus(ctx, id, from, to, patch)
}

func (s *RepoStore) IncrementAttempt(ctx context.Context, id uuid.UUID) (int, error) {
	return s.Executions.IncrementAttempt(ctx, id)
}

func (s *RepoStore) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.Executions.CancelRequested(ctx, id)
}

func (s *RepoStore) ListNodeExecutions(ctx context.Context, executionID uuid.UUID) ([]*models.NodeExecution, error) {
	return s.Nodes.ListByExecution(ctx, executionID)
}

func (s *RepoStore) FailStaleRunning(ctx context.Context, executionID uuid.UUID, reason string) (int64, error) {
	return s.Nodes.FailStaleRunning(ctx, executionID, reason)
}

func (s *RepoStore) CreatePause(ctx context.Context, pause *models.Pause) error {
	return s.Pauses.Create(ctx, pause)
}

func (s *RepoStore) GetResolvedPause(ctx context.Context, executionID uuid.UUID) (*models.Pause, error) {
	return s.Pauses.GetResolved(ctx, executionID)
}
