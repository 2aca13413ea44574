package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/common/models"
)

type fakeStore struct {
	stale   []*models.Execution
	updated map[uuid.UUID]models.ExecutionStatus
	refuse  bool
}

func (f *fakeStore) ListStaleRunning(ctx context.Context, cutoff time.Time, limit int) ([]*models.Execution, error) {
	return f.stale, nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, id uuid.UUID, from []models.ExecutionStatus, to models.ExecutionStatus, patch models.ExecutionPatch) (bool, error) {
	if f.refuse {
		return false, nil
	}
	if f.updated == nil {
		f.updated = map[uuid.UUID]models.ExecutionStatus{}
	}
	f.updated[id] = to
	return true, nil
}

type fakeNodes struct {
	closed map[uuid.UUID]string
}

func (f *fakeNodes) FailStaleRunning(ctx context.Context, executionID uuid.UUID, reason string) (int64, error) {
	if f.closed == nil {
		f.closed = map[uuid.UUID]string{}
	}
	f.closed[executionID] = reason
	return 1, nil
}

func TestSweepFailsAbandonedExecutions(t *testing.T) {
	a := &models.Execution{ID: uuid.New(), Status: models.ExecutionRunning}
	b := &models.Execution{ID: uuid.New(), Status: models.ExecutionRunning}
	store := &fakeStore{stale: []*models.Execution{a, b}}
	nodes := &fakeNodes{}

	s := New(store, nodes, nil, nil, logger.New("error", "text"), time.Hour)

	closed, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, closed)
	assert.Equal(t, models.ExecutionFailed, store.updated[a.ID])
	assert.Equal(t, models.ExecutionFailed, store.updated[b.ID])
	assert.Contains(t, nodes.closed[a.ID], "abandoned")
}

func TestSweepRespectsLostCAS(t *testing.T) {
	a := &models.Execution{ID: uuid.New(), Status: models.ExecutionRunning}
	store := &fakeStore{stale: []*models.Execution{a}, refuse: true}

	s := New(store, &fakeNodes{}, nil, nil, logger.New("error", "text"), time.Hour)

	closed, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, closed, "an execution claimed by a live worker is left alone")
}

func TestSweepEmptyBatch(t *testing.T) {
	s := New(&fakeStore{}, &fakeNodes{}, nil, nil, logger.New("error", "text"), time.Hour)

	closed, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, closed)
}
