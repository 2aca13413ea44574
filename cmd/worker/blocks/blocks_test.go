package blocks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowengine/common/faults"
	"github.com/lyzr/flowengine/common/models"
)

func testCtx(inputs map[string]any) *Context {
	return &Context{
		ExecutionID: uuid.New(),
		NodeID:      "n1",
		UserID:      "user_1",
		Inputs:      inputs,
		Variables:   map[string]any{},
		Log:         func(models.LogLevel, string, map[string]any) {},
	}
}

func TestTriggerForwardsInput(t *testing.T) {
	res, err := Trigger().Execute(context.Background(), &models.Node{ID: "n1"}, testCtx(map[string]any{
		"order_id": "o-42",
	}))
	require.NoError(t, err)
	assert.Equal(t, "o-42", res.Output["order_id"])
	assert.Empty(t, res.Handle)
}

func TestConditionFiresMatchingHandle(t *testing.T) {
	eval := NewEvaluator()
	handler := Condition(eval)

	res, err := handler.Execute(context.Background(), &models.Node{ID: "n1"}, testCtx(map[string]any{
		"expression": "input.amount > 100.0",
		"amount":     250.0,
	}))
	require.NoError(t, err)
	assert.Equal(t, "true", res.Handle)
	assert.Equal(t, true, res.Output["result"])

	res, err = handler.Execute(context.Background(), &models.Node{ID: "n1"}, testCtx(map[string]any{
		"expression": "input.amount > 100.0",
		"amount":     10.0,
	}))
	require.NoError(t, err)
	assert.Equal(t, "false", res.Handle)
}

func TestConditionRejectsNonBoolean(t *testing.T) {
	_, err := Condition(NewEvaluator()).Execute(context.Background(), &models.Node{ID: "n1"}, testCtx(map[string]any{
		"expression": "input.amount + 1.0",
		"amount":     1.0,
	}))
	require.Error(t, err)
	assert.False(t, faults.Retryable(err))
}

func TestConditionMissingExpression(t *testing.T) {
	_, err := Condition(NewEvaluator()).Execute(context.Background(), &models.Node{ID: "n1"}, testCtx(map[string]any{}))
	require.Error(t, err)
	assert.Equal(t, faults.KindBadConfig, faults.KindOf(err))
}

func TestEvaluatorCachesPrograms(t *testing.T) {
	eval := NewEvaluator()
	for i := 0; i < 3; i++ {
		_, err := eval.EvalBool("input.x > 1.0", map[string]any{"x": 2.0}, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, eval.CacheSize())
}

func TestCalculator(t *testing.T) {
	res, err := Calculator(NewEvaluator()).Execute(context.Background(), &models.Node{ID: "n1"}, testCtx(map[string]any{
		"expression": "input.price * input.qty",
		"price":      3.5,
		"qty":        4.0,
	}))
	require.NoError(t, err)
	assert.InDelta(t, 14.0, res.Output["result"], 1e-9)
}

func TestDataTransformMappings(t *testing.T) {
	res, err := DataTransform().Execute(context.Background(), &models.Node{ID: "n1"}, testCtx(map[string]any{
		"mappings": map[string]any{
			"name":    "customer.name",
			"count":   "items.#",
			"missing": "customer.phone",
		},
		"customer": map[string]any{"name": "ada"},
		"items":    []any{"a", "b", "c"},
	}))
	require.NoError(t, err)
	assert.Equal(t, "ada", res.Output["name"])
	assert.Equal(t, float64(3), res.Output["count"])
	assert.Nil(t, res.Output["missing"])
}

func TestDataTransformPatch(t *testing.T) {
	res, err := DataTransform().Execute(context.Background(), &models.Node{ID: "n1"}, testCtx(map[string]any{
		"patch": []any{
			map[string]any{"op": "add", "path": "/status", "value": "enriched"},
			map[string]any{"op": "remove", "path": "/internal"},
		},
		"internal": "secret",
		"order":    "o-1",
	}))
	require.NoError(t, err)
	assert.Equal(t, "enriched", res.Output["status"])
	assert.Equal(t, "o-1", res.Output["order"])
	assert.NotContains(t, res.Output, "internal")
	assert.NotContains(t, res.Output, "patch")
}

func TestDataTransformInvalidPatch(t *testing.T) {
	_, err := DataTransform().Execute(context.Background(), &models.Node{ID: "n1"}, testCtx(map[string]any{
		"patch": "not-a-patch",
	}))
	require.Error(t, err)
	assert.Equal(t, faults.KindBadConfig, faults.KindOf(err))
}

func TestDelayWaitsAndRespectsCancel(t *testing.T) {
	start := time.Now()
	_, err := Delay().Execute(context.Background(), &models.Node{ID: "n1"}, testCtx(map[string]any{
		"duration_ms": float64(20),
	}))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = Delay().Execute(ctx, &models.Node{ID: "n1"}, testCtx(map[string]any{
		"duration_ms": float64(5000),
	}))
	require.Error(t, err)
	assert.Equal(t, faults.KindCancelled, faults.KindOf(err))
}

func TestHTTPRequestSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	res, err := NewHTTPRequest(srv.Client(), nil).Execute(context.Background(), &models.Node{ID: "n1"}, testCtx(map[string]any{
		"url":     srv.URL,
		"method":  "post",
		"headers": map[string]any{"X-Token": "secret"},
		"body":    map[string]any{"ping": true},
	}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Output["status"])
	body, ok := res.Output["body"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, body["ok"])
}

func TestHTTPRequestClassifiesStatus(t *testing.T) {
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	handler := NewHTTPRequest(srv.Client(), nil)

	_, err := handler.Execute(context.Background(), &models.Node{ID: "n1"}, testCtx(map[string]any{"url": srv.URL}))
	require.Error(t, err)
	assert.True(t, faults.Retryable(err), "5xx should be retryable")

	status = http.StatusNotFound
	_, err = handler.Execute(context.Background(), &models.Node{ID: "n1"}, testCtx(map[string]any{"url": srv.URL}))
	require.Error(t, err)
	assert.False(t, faults.Retryable(err), "4xx should not be retryable")
}

func TestNotificationPostsPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, jsonDecode(r, &got))
	}))
	defer srv.Close()

	res, err := NewNotification(srv.Client(), nil).Execute(context.Background(), &models.Node{ID: "n1"}, testCtx(map[string]any{
		"webhook_url": srv.URL,
		"message":     "shipment delayed",
	}))
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["delivered"])
	assert.Equal(t, "shipment delayed", got["message"])
	assert.Equal(t, "n1", got["node_id"])
}

func jsonDecode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func TestApprovalPauses(t *testing.T) {
	_, err := Approval().Execute(context.Background(), &models.Node{ID: "n1"}, testCtx(map[string]any{
		"prompt": "release funds?",
	}))
	require.Error(t, err)

	var pause *PauseSignal
	require.ErrorAs(t, err, &pause)
	assert.Equal(t, "release funds?", pause.Data["prompt"])
}

func TestCustomMapResult(t *testing.T) {
	res, err := Custom(NewEvaluator()).Execute(context.Background(), &models.Node{ID: "n1"}, testCtx(map[string]any{
		"expression": `{"greeting": "hi " + input.name}`,
		"name":       "ada",
	}))
	require.NoError(t, err)
	assert.Equal(t, "hi ada", res.Output["greeting"])
}
