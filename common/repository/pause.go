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

// PauseRepository handles database operations for execution pauses
type PauseRepository struct {
	db *db.DB
}

// NewPauseRepository creates a new pause repository
func NewPauseRepository(database *db.DB) *PauseRepository {
	return &PauseRepository{db: database}
}

// Create inserts a suspension record. The partial unique index on
// (execution_id) WHERE resumed_at IS NULL enforces at most one active
// pause per execution.
func (r *PauseRepository) Create(ctx context.Context, pause *models.Pause) error {
	query := `
		INSERT INTO workflow_pauses (id, execution_id, node_id, created_at)
		VALUES ($1, $2, $3, $4)
	`

	_, err := r.db.Exec(ctx, query, pause.ID, pause.ExecutionID, pause.NodeID, pause.CreatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return faults.Wrap(faults.KindConflict, err, "execution %s already paused", pause.ExecutionID)
	}
	if err != nil {
		return fmt.Errorf("failed to create pause: %w", err)
	}
	return nil
}

// FindLatestUnresumed returns the active pause for an execution
func (r *PauseRepository) FindLatestUnresumed(ctx context.Context, executionID uuid.UUID) (*models.Pause, error) {
	query := `
		SELECT id, execution_id, node_id, created_at, resumed_at, resume_data
		FROM workflow_pauses
		WHERE execution_id = $1 AND resumed_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`

	pause := &models.Pause{}
	var resumeData []byte

	err := r.db.QueryRow(ctx, query, executionID).Scan(
		&pause.ID,
		&pause.ExecutionID,
		&pause.NodeID,
		&pause.CreatedAt,
		&pause.ResumedAt,
		&resumeData,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, faults.New(faults.KindNotFound, "no active pause for execution %s", executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pause: %w", err)
	}

	if len(resumeData) > 0 {
		if err := json.Unmarshal(resumeData, &pause.ResumeData); err != nil {
			return nil, fmt.Errorf("unmarshal resume data: %w", err)
		}
	}
	return pause, nil
}

// Resolve atomically marks a pause resumed and stores the resume data.
// Returns false when the pause was already resolved by a concurrent call.
func (r *PauseRepository) Resolve(ctx context.Context, pauseID uuid.UUID, resumeData map[string]any) (bool, error) {
	data, err := marshalMaybe(resumeData)
	if err != nil {
		return false, fmt.Errorf("marshal resume data: %w", err)
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE workflow_pauses
		SET resumed_at = $2, resume_data = $3
		WHERE id = $1 AND resumed_at IS NULL
	`, pauseID, time.Now().UTC(), data)
	if err != nil {
		return false, fmt.Errorf("failed to resolve pause: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetResolved returns the most recently resolved pause for an execution,
// used on resume pickup to merge resume data into the paused node's output.
func (r *PauseRepository) GetResolved(ctx context.Context, executionID uuid.UUID) (*models.Pause, error) {
	query := `
		SELECT id, execution_id, node_id, created_at, resumed_at, resume_data
		FROM workflow_pauses
		WHERE execution_id = $1 AND resumed_at IS NOT NULL
		ORDER BY resumed_at DESC
		LIMIT 1
	`

	pause := &models.Pause{}
	var resumeData []byte

	err := r.db.QueryRow(ctx, query, executionID).Scan(
		&pause.ID,
		&pause.ExecutionID,
		&pause.NodeID,
		&pause.CreatedAt,
		&pause.ResumedAt,
		&resumeData,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, faults.New(faults.KindNotFound, "no resolved pause for execution %s", executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resolved pause: %w", err)
	}

	if len(resumeData) > 0 {
		if err := json.Unmarshal(resumeData, &pause.ResumeData); err != nil {
			return nil, fmt.Errorf("unmarshal resume data: %w", err)
		}
	}
	return pause, nil
}
