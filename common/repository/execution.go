package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lyzr/flowengine/common/db"
	"github.com/lyzr/flowengine/common/faults"
	"github.com/lyzr/flowengine/common/models"
)

// pgUniqueViolation is the SQLSTATE for unique constraint violations
const pgUniqueViolation = "23505"

// ExecutionRepository handles database operations for workflow executions
type ExecutionRepository struct {
	db *db.DB
}

// NewExecutionRepository creates a new execution repository
func NewExecutionRepository(database *db.DB) *ExecutionRepository {
	return &ExecutionRepository{db: database}
}

const executionColumns = `id, workflow_id, user_id, status, input, output, error,
		started_at, finished_at, attempt_count, idempotency_key, cancel_requested`

// Create inserts a new execution. On an idempotency-key collision it returns
// the prior row wrapped in a KindConflict fault.
func (r *ExecutionRepository) Create(ctx context.Context, exec *models.Execution) error {
	input, err := json.Marshal(exec.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}

	var key *string
	if exec.IdempotencyKey != "" {
		key = &exec.IdempotencyKey
	}

	query := `
		INSERT INTO workflow_executions (id, workflow_id, user_id, status, input, started_at, attempt_count, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = r.db.Exec(ctx, query,
		exec.ID,
		exec.WorkflowID,
		exec.UserID,
		exec.Status,
		input,
		exec.StartedAt,
		exec.AttemptCount,
		key,
	)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return faults.Wrap(faults.KindConflict, err, "execution already exists for idempotency key %q", exec.IdempotencyKey)
	}
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	return nil
}

// GetByID retrieves an execution by its ID
func (r *ExecutionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE id = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, id))
}

// GetByIdempotencyKey retrieves the prior execution for a replayed create
func (r *ExecutionRepository) GetByIdempotencyKey(ctx context.Context, userID, key string) (*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE user_id = $1 AND idempotency_key = $2`
	return r.scanOne(r.db.QueryRow(ctx, query, userID, key))
}

// UpdateStatus transitions an execution with a compare-and-set on the
// current status, refusing transitions out of a terminal state. Returns
// false when no row matched the expected statuses.
func (r *ExecutionRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from []models.ExecutionStatus, to models.ExecutionStatus, patch models.ExecutionPatch) (bool, error) {
	var output []byte
	if patch.Output != nil {
		var err error
		output, err = json.Marshal(patch.Output)
		if err != nil {
			return false, fmt.Errorf("marshal output: %w", err)
		}
	}

	var errText *string
	if patch.Error != "" {
		errText = &patch.Error
	}

	query := `
		UPDATE workflow_executions
		SET status = $3,
		    output = COALESCE($4, output),
		    error = COALESCE($5, error),
		    finished_at = COALESCE($6, finished_at)
		WHERE id = $1 AND status = ANY($2)
	`

	fromStrings := make([]string, len(from))
	for i, s := range from {
		fromStrings[i] = string(s)
	}

	tag, err := r.db.Exec(ctx, query, id, fromStrings, to, output, errText, patch.FinishedAt)
	if err != nil {
		return false, fmt.Errorf("failed to update execution status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IncrementAttempt bumps attempt_count on redelivery pickup
func (r *ExecutionRepository) IncrementAttempt(ctx context.Context, id uuid.UUID) (int, error) {
	var attempt int
	err := r.db.QueryRow(ctx, `
		UPDATE workflow_executions
		SET attempt_count = attempt_count + 1
		WHERE id = $1
		RETURNING attempt_count
	`, id).Scan(&attempt)
	if err != nil {
		return 0, fmt.Errorf("failed to increment attempt: %w", err)
	}
	return attempt, nil
}

// RequestCancel flags a non-terminal execution for cancellation. Returns
// false when the execution is already terminal.
func (r *ExecutionRepository) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE workflow_executions
		SET cancel_requested = TRUE
		WHERE id = $1 AND status IN ('pending', 'running', 'paused')
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to request cancel: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelRequested reads the cancellation flag
func (r *ExecutionRepository) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	err := r.db.QueryRow(ctx, `SELECT cancel_requested FROM workflow_executions WHERE id = $1`, id).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, faults.New(faults.KindNotFound, "execution %s not found", id)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return requested, nil
}

// List retrieves executions filtered by workflow and/or status
func (r *ExecutionRepository) List(ctx context.Context, workflowID *uuid.UUID, status models.ExecutionStatus, limit int) ([]*models.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM workflow_executions
		WHERE ($1::uuid IS NULL OR workflow_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY started_at DESC
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, workflowID, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var executions []*models.Execution
	for rows.Next() {
		exec, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return executions, nil
}

// ListStaleRunning returns running executions whose last activity predates
// the cutoff, for the stuck-execution supervisor.
func (r *ExecutionRepository) ListStaleRunning(ctx context.Context, cutoff time.Time, limit int) ([]*models.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM workflow_executions
		WHERE status = 'running' AND started_at < $1
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale executions: %w", err)
	}
	defer rows.Close()

	var executions []*models.Execution
	for rows.Next() {
		exec, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

func (r *ExecutionRepository) scanOne(row pgx.Row) (*models.Execution, error) {
	exec := &models.Execution{}
	var input, output []byte
	var errText, key *string

	err := row.Scan(
		&exec.ID,
		&exec.WorkflowID,
		&exec.UserID,
		&exec.Status,
		&input,
		&output,
		&errText,
		&exec.StartedAt,
		&exec.FinishedAt,
		&exec.AttemptCount,
		&key,
		&exec.CancelRequested,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, faults.New(faults.KindNotFound, "execution not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	if len(input) > 0 {
		if err := json.Unmarshal(input, &exec.Input); err != nil {
			return nil, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &exec.Output); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	if errText != nil {
		exec.Error = *errText
	}
	if key != nil {
		exec.IdempotencyKey = *key
	}
	return exec, nil
}
