package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/lyzr/flowengine/common/db"
	"github.com/lyzr/flowengine/common/models"
)

// UsageRepository handles atomic usage counters for admission control
type UsageRepository struct {
	db *db.DB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(database *db.DB) *UsageRepository {
	return &UsageRepository{db: database}
}

// Increment atomically adds delta to the counter and returns the new value
func (r *UsageRepository) Increment(ctx context.Context, subscriptionID string, resource models.ResourceType, period string, delta int64) (int64, error) {
	var quantity int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO usage_logs (subscription_id, resource, period, quantity)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subscription_id, resource, period)
		DO UPDATE SET quantity = usage_logs.quantity + EXCLUDED.quantity
		RETURNING quantity
	`, subscriptionID, resource, period, delta).Scan(&quantity)
	if err != nil {
		return 0, fmt.Errorf("failed to increment usage: %w", err)
	}
	return quantity, nil
}

// Get returns the current counter value; zero when absent
func (r *UsageRepository) Get(ctx context.Context, subscriptionID string, resource models.ResourceType, period string) (int64, error) {
	var quantity int64
	err := r.db.QueryRow(ctx, `
		SELECT quantity FROM usage_logs
		WHERE subscription_id = $1 AND resource = $2 AND period = $3
	`, subscriptionID, resource, period).Scan(&quantity)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get usage: %w", err)
	}
	return quantity, nil
}
