package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowengine/cmd/worker/blocks"
	"github.com/lyzr/flowengine/cmd/worker/registry"
	"github.com/lyzr/flowengine/common/config"
	"github.com/lyzr/flowengine/common/events"
	"github.com/lyzr/flowengine/common/faults"
	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/common/models"
)

type fakeNodeStore struct {
	mu      sync.Mutex
	patches []models.NodeExecutionPatch
}

func (s *fakeNodeStore) Upsert(ctx context.Context, executionID uuid.UUID, nodeID string, attempt int, patch models.NodeExecutionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patches = append(s.patches, patch)
	return nil
}

func (s *fakeNodeStore) last() models.NodeExecutionPatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patches[len(s.patches)-1]
}

// ctxBoundStore refuses writes on a cancelled context, the way the pgx
// pool does
type ctxBoundStore struct {
	fakeNodeStore
}

func (s *ctxBoundStore) Upsert(ctx context.Context, executionID uuid.UUID, nodeID string, attempt int, patch models.NodeExecutionPatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.fakeNodeStore.Upsert(ctx, executionID, nodeID, attempt, patch)
}

type memSink struct {
	mu      sync.Mutex
	entries []*models.ExecutionLog
}

func (s *memSink) Write(entry *models.ExecutionLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

func testRuntime(t *testing.T, reg *registry.Registry, store NodeStore) (*Runtime, *memSink) {
	t.Helper()
	sink := &memSink{}
	rt := New(reg, store, sink, events.NewHub(), nil, logger.New("error", "text"),
		config.EngineConfig{NodeTimeout: 5 * time.Second, MaxNodeRetries: 3, CancelGrace: 50 * time.Millisecond},
		config.QueueConfig{RetryBase: time.Second, RetryCap: time.Minute})
	rt.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return rt, sink
}

func exec() *models.Execution {
	return &models.Execution{ID: uuid.New(), WorkflowID: uuid.New(), UserID: "user_1", Status: models.ExecutionRunning}
}

func registerTestBlock(t *testing.T, reg *registry.Registry, fn blocks.HandlerFunc) models.BlockType {
	t.Helper()
	require.NoError(t, reg.Register(&registry.Descriptor{Type: "TEST_BLOCK", Handler: fn}))
	return "TEST_BLOCK"
}

func TestInvokeCompletesAndPersists(t *testing.T) {
	store := &fakeNodeStore{}
	reg := registry.New(registry.Deps{})
	blockType := registerTestBlock(t, reg, func(ctx context.Context, node *models.Node, bctx *blocks.Context) (*blocks.Result, error) {
		bctx.Log(models.LogInfo, "working", nil)
		return &blocks.Result{Output: map[string]any{"value": bctx.Inputs["seed"]}}, nil
	})
	rt, sink := testRuntime(t, reg, store)

	outcome := rt.Invoke(context.Background(), exec(), &models.Node{
		ID:        "n1",
		BlockType: blockType,
		Config:    map[string]any{"seed": "{{input.seed}}"},
	}, 1, 0, map[string]any{}, map[string]any{"input": map[string]any{"seed": float64(9)}})

	require.NoError(t, outcome.Err)
	assert.Equal(t, float64(9), outcome.Output["value"])

	require.Len(t, store.patches, 2)
	assert.Equal(t, models.NodeRunning, store.patches[0].Status)
	assert.Equal(t, models.NodeCompleted, store.patches[1].Status)
	assert.Equal(t, float64(9), store.patches[0].Input["seed"], "running row carries interpolated input")
	require.Len(t, sink.entries, 1)
	assert.Equal(t, "working", sink.entries[0].Message)
}

func TestInvokeRetriesTransientThenSucceeds(t *testing.T) {
	store := &fakeNodeStore{}
	reg := registry.New(registry.Deps{})
	calls := 0
	blockType := registerTestBlock(t, reg, func(ctx context.Context, node *models.Node, bctx *blocks.Context) (*blocks.Result, error) {
		calls++
		if calls <= 2 {
			return nil, faults.New(faults.KindTransient, "connection reset")
		}
		return &blocks.Result{Output: map[string]any{"ok": true}}, nil
	})
	rt, _ := testRuntime(t, reg, store)

	outcome := rt.Invoke(context.Background(), exec(), &models.Node{ID: "n1", BlockType: blockType}, 1, 0, nil, map[string]any{})

	require.NoError(t, outcome.Err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, outcome.RetryCount)
	assert.Equal(t, 2, store.last().RetryCount)
}

func TestInvokePermanentFailureDoesNotRetry(t *testing.T) {
	store := &fakeNodeStore{}
	reg := registry.New(registry.Deps{})
	calls := 0
	blockType := registerTestBlock(t, reg, func(ctx context.Context, node *models.Node, bctx *blocks.Context) (*blocks.Result, error) {
		calls++
		return nil, faults.New(faults.KindPermanent, "bad payload")
	})
	rt, _ := testRuntime(t, reg, store)

	outcome := rt.Invoke(context.Background(), exec(), &models.Node{ID: "n1", BlockType: blockType}, 1, 0, nil, map[string]any{})

	require.Error(t, outcome.Err)
	assert.Equal(t, 1, calls)
	last := store.last()
	assert.Equal(t, models.NodeFailed, last.Status)
	assert.Contains(t, last.Error, "bad payload")
}

func TestInvokeExhaustsRetries(t *testing.T) {
	store := &fakeNodeStore{}
	reg := registry.New(registry.Deps{})
	calls := 0
	blockType := registerTestBlock(t, reg, func(ctx context.Context, node *models.Node, bctx *blocks.Context) (*blocks.Result, error) {
		calls++
		return nil, faults.New(faults.KindTransient, "still down")
	})
	rt, _ := testRuntime(t, reg, store)

	outcome := rt.Invoke(context.Background(), exec(), &models.Node{ID: "n1", BlockType: blockType}, 1, 0, nil, map[string]any{})

	require.Error(t, outcome.Err)
	assert.Equal(t, 4, calls, "initial call plus MaxNodeRetries")
	assert.Equal(t, 3, outcome.RetryCount)
	assert.Equal(t, models.NodeFailed, store.last().Status)
}

func TestInvokeSeedsRetryBudgetFromPriorAttempt(t *testing.T) {
	store := &fakeNodeStore{}
	reg := registry.New(registry.Deps{})
	calls := 0
	blockType := registerTestBlock(t, reg, func(ctx context.Context, node *models.Node, bctx *blocks.Context) (*blocks.Result, error) {
		calls++
		return nil, faults.New(faults.KindTransient, "still down")
	})
	rt, _ := testRuntime(t, reg, store)

	outcome := rt.Invoke(context.Background(), exec(), &models.Node{ID: "n1", BlockType: blockType}, 2, 2, nil, map[string]any{})

	require.Error(t, outcome.Err)
	assert.Equal(t, 2, calls, "only the remainder of the budget is spent")
	assert.Equal(t, 3, outcome.RetryCount)
	assert.Equal(t, 3, store.last().RetryCount)
}

func TestInvokePauseResetsRowToPending(t *testing.T) {
	store := &fakeNodeStore{}
	reg := registry.New(registry.Deps{})
	rt, _ := testRuntime(t, reg, store)

	outcome := rt.Invoke(context.Background(), exec(), &models.Node{
		ID:        "n1",
		BlockType: models.BlockApproval,
		Config:    map[string]any{"prompt": "ship it?"},
	}, 1, 0, nil, map[string]any{})

	require.NoError(t, outcome.Err)
	assert.True(t, outcome.Paused)
	assert.Equal(t, "ship it?", outcome.PauseData["prompt"])
	assert.Equal(t, models.NodePending, store.last().Status)
}

func TestInvokeRecoversPanic(t *testing.T) {
	store := &fakeNodeStore{}
	reg := registry.New(registry.Deps{})
	blockType := registerTestBlock(t, reg, func(ctx context.Context, node *models.Node, bctx *blocks.Context) (*blocks.Result, error) {
		panic("boom")
	})
	rt, _ := testRuntime(t, reg, store)

	outcome := rt.Invoke(context.Background(), exec(), &models.Node{ID: "n1", BlockType: blockType}, 1, 0, nil, map[string]any{})

	require.Error(t, outcome.Err)
	assert.False(t, faults.Retryable(outcome.Err))
	assert.Contains(t, store.last().Error, "panicked")
}

func TestInvokeRejectsBadConfigBeforeRunning(t *testing.T) {
	store := &fakeNodeStore{}
	reg := registry.New(registry.Deps{})
	rt, _ := testRuntime(t, reg, store)

	outcome := rt.Invoke(context.Background(), exec(), &models.Node{
		ID:        "n1",
		BlockType: models.BlockCondition,
		Config:    map[string]any{}, // expression missing
	}, 1, 0, nil, map[string]any{})

	require.Error(t, outcome.Err)
	assert.Equal(t, faults.KindBadConfig, faults.KindOf(outcome.Err))
	require.Len(t, store.patches, 1)
	assert.Equal(t, models.NodeFailed, store.patches[0].Status)
}

func TestInvokeNodeTimeout(t *testing.T) {
	store := &fakeNodeStore{}
	reg := registry.New(registry.Deps{})
	blockType := registerTestBlock(t, reg, func(ctx context.Context, node *models.Node, bctx *blocks.Context) (*blocks.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	rt, _ := testRuntime(t, reg, store)
	rt.cfg.NodeTimeout = 20 * time.Millisecond
	rt.cfg.MaxNodeRetries = 0

	outcome := rt.Invoke(context.Background(), exec(), &models.Node{ID: "n1", BlockType: blockType}, 1, 0, nil, map[string]any{})

	require.Error(t, outcome.Err)
	assert.Equal(t, faults.KindTransient, faults.KindOf(outcome.Err))
	assert.Contains(t, outcome.Err.Error(), "timed out")
}

func TestInvokeClosesRowAfterCancellation(t *testing.T) {
	store := &ctxBoundStore{}
	reg := registry.New(registry.Deps{})
	blockType := registerTestBlock(t, reg, func(ctx context.Context, node *models.Node, bctx *blocks.Context) (*blocks.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	rt, _ := testRuntime(t, reg, store)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	outcome := rt.Invoke(ctx, exec(), &models.Node{ID: "n1", BlockType: blockType}, 1, 0, nil, map[string]any{})

	require.Error(t, outcome.Err)
	assert.Equal(t, faults.KindCancelled, faults.KindOf(outcome.Err))
	assert.True(t, outcome.Settled, "closure must land even though the run context is cancelled")
	assert.Equal(t, models.NodeFailed, store.last().Status)
}

func TestInvokeForceClosesStubbornHandler(t *testing.T) {
	store := &fakeNodeStore{}
	reg := registry.New(registry.Deps{})
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	blockType := registerTestBlock(t, reg, func(ctx context.Context, node *models.Node, bctx *blocks.Context) (*blocks.Result, error) {
		<-block // ignores ctx entirely
		return nil, nil
	})
	rt, _ := testRuntime(t, reg, store)
	rt.cfg.NodeTimeout = 20 * time.Millisecond
	rt.cfg.CancelGrace = 30 * time.Millisecond
	rt.cfg.MaxNodeRetries = 0

	outcome := rt.Invoke(context.Background(), exec(), &models.Node{ID: "n1", BlockType: blockType}, 1, 0, nil, map[string]any{})

	require.Error(t, outcome.Err)
	assert.Equal(t, faults.KindTransient, faults.KindOf(outcome.Err))
	assert.Contains(t, outcome.Err.Error(), "ignored cancellation")
	assert.True(t, outcome.Settled)
	assert.Equal(t, models.NodeFailed, store.last().Status)
}
