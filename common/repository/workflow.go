package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lyzr/flowengine/common/db"
	"github.com/lyzr/flowengine/common/faults"
	"github.com/lyzr/flowengine/common/models"
)

// WorkflowRepository handles database operations for workflow graphs.
// Authoring CRUD lives outside the engine; Create exists for seeding and
// tests, the engine itself only loads.
type WorkflowRepository struct {
	db *db.DB
}

// NewWorkflowRepository creates a new workflow repository
func NewWorkflowRepository(database *db.DB) *WorkflowRepository {
	return &WorkflowRepository{db: database}
}

// Create inserts a workflow graph
func (r *WorkflowRepository) Create(ctx context.Context, wf *models.Workflow) error {
	nodes, err := json.Marshal(wf.Nodes)
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}
	edges, err := json.Marshal(wf.Edges)
	if err != nil {
		return fmt.Errorf("marshal edges: %w", err)
	}

	query := `
		INSERT INTO workflows (id, owner_user_id, name, nodes, edges, version, public, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.db.Exec(ctx, query,
		wf.ID,
		wf.OwnerUserID,
		wf.Name,
		nodes,
		edges,
		wf.Version,
		wf.Public,
		wf.CreatedAt,
		wf.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	return nil
}

// GetByID loads a workflow with its nodes and edges
func (r *WorkflowRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	query := `
		SELECT id, owner_user_id, name, nodes, edges, version, public, created_at, updated_at
		FROM workflows
		WHERE id = $1
	`

	wf := &models.Workflow{}
	var nodes, edges []byte

	err := r.db.QueryRow(ctx, query, id).Scan(
		&wf.ID,
		&wf.OwnerUserID,
		&wf.Name,
		&nodes,
		&edges,
		&wf.Version,
		&wf.Public,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, faults.New(faults.KindNotFound, "workflow %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	if err := json.Unmarshal(nodes, &wf.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes: %w", err)
	}
	if err := json.Unmarshal(edges, &wf.Edges); err != nil {
		return nil, fmt.Errorf("unmarshal edges: %w", err)
	}
	return wf, nil
}
