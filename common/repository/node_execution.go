package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lyzr/flowengine/common/db"
	"github.com/lyzr/flowengine/common/models"
)

// NodeExecutionRepository handles database operations for node executions
type NodeExecutionRepository struct {
	db *db.DB
}

// NewNodeExecutionRepository creates a new node execution repository
func NewNodeExecutionRepository(database *db.DB) *NodeExecutionRepository {
	return &NodeExecutionRepository{db: database}
}

// Upsert writes a node transition. One row exists per
// (execution_id, node_id, attempt); rows already in a terminal state are
// never overwritten, which keeps status transitions monotonic under
// redelivery.
func (r *NodeExecutionRepository) Upsert(ctx context.Context, executionID uuid.UUID, nodeID string, attempt int, patch models.NodeExecutionPatch) error {
	return r.upsert(ctx, r.db, executionID, nodeID, attempt, patch)
}

// execer covers both *db.DB and pgx.Tx so transitions can join a transaction
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (r *NodeExecutionRepository) upsert(ctx context.Context, q execer, executionID uuid.UUID, nodeID string, attempt int, patch models.NodeExecutionPatch) error {
	input, err := marshalMaybe(patch.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	output, err := marshalMaybe(patch.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	var errText *string
	if patch.Error != "" {
		errText = &patch.Error
	}
	var handle *string
	if patch.Handle != "" {
		handle = &patch.Handle
	}

	query := `
		INSERT INTO node_executions (id, execution_id, node_id, attempt, status, input, output, handle, error, started_at, finished_at, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (execution_id, node_id, attempt) DO UPDATE SET
			status = EXCLUDED.status,
			input = COALESCE(EXCLUDED.input, node_executions.input),
			output = COALESCE(EXCLUDED.output, node_executions.output),
			handle = COALESCE(EXCLUDED.handle, node_executions.handle),
			error = COALESCE(EXCLUDED.error, node_executions.error),
			started_at = COALESCE(node_executions.started_at, EXCLUDED.started_at),
			finished_at = COALESCE(EXCLUDED.finished_at, node_executions.finished_at),
			retry_count = GREATEST(node_executions.retry_count, EXCLUDED.retry_count)
		WHERE node_executions.status NOT IN ('completed', 'failed', 'skipped')
	`

	_, err = q.Exec(ctx, query,
		uuid.New(),
		executionID,
		nodeID,
		attempt,
		patch.Status,
		input,
		output,
		handle,
		errText,
		patch.StartedAt,
		patch.FinishedAt,
		patch.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert node execution: %w", err)
	}
	return nil
}

// ListByExecution returns all node execution rows for one execution,
// ordered by attempt then start time.
func (r *NodeExecutionRepository) ListByExecution(ctx context.Context, executionID uuid.UUID) ([]*models.NodeExecution, error) {
	query := `
		SELECT id, execution_id, node_id, attempt, status, input, output, handle, error, started_at, finished_at, retry_count
		FROM node_executions
		WHERE execution_id = $1
		ORDER BY attempt, started_at NULLS LAST
	`

	rows, err := r.db.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node executions: %w", err)
	}
	defer rows.Close()

	var nodeExecs []*models.NodeExecution
	for rows.Next() {
		ne, err := scanNodeExecution(rows)
		if err != nil {
			return nil, err
		}
		nodeExecs = append(nodeExecs, ne)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node executions: %w", err)
	}
	return nodeExecs, nil
}

// FailStaleRunning closes node rows left running by a dead worker so the
// next attempt starts from a clean slate.
func (r *NodeExecutionRepository) FailStaleRunning(ctx context.Context, executionID uuid.UUID, reason string) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE node_executions
		SET status = 'failed', error = $2, finished_at = now()
		WHERE execution_id = $1 AND status = 'running'
	`, executionID, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to close stale node executions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanNodeExecution(row pgx.Row) (*models.NodeExecution, error) {
	ne := &models.NodeExecution{}
	var input, output []byte
	var handle, errText *string

	err := row.Scan(
		&ne.ID,
		&ne.ExecutionID,
		&ne.NodeID,
		&ne.Attempt,
		&ne.Status,
		&input,
		&output,
		&handle,
		&errText,
		&ne.StartedAt,
		&ne.FinishedAt,
		&ne.RetryCount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan node execution: %w", err)
	}

	if len(input) > 0 {
		if err := json.Unmarshal(input, &ne.Input); err != nil {
			return nil, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &ne.Output); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	if handle != nil {
		ne.Handle = *handle
	}
	if errText != nil {
		ne.Error = *errText
	}
	return ne, nil
}

func marshalMaybe(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
