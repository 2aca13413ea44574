package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowengine/cmd/api/auth"
	"github.com/lyzr/flowengine/cmd/api/dispatcher"
	"github.com/lyzr/flowengine/common/breaker"
	"github.com/lyzr/flowengine/common/config"
	"github.com/lyzr/flowengine/common/events"
	"github.com/lyzr/flowengine/common/faults"
	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/common/models"
	"github.com/lyzr/flowengine/common/queue"
)

type memWorkflows struct {
	byID map[uuid.UUID]*models.Workflow
}

func (m *memWorkflows) GetByID(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	if wf, ok := m.byID[id]; ok {
		return wf, nil
	}
	return nil, faults.New(faults.KindNotFound, "workflow %s not found", id)
}

type memExecutions struct {
	byID map[uuid.UUID]*models.Execution
}

func (m *memExecutions) Create(ctx context.Context, exec *models.Execution) error {
	m.byID[exec.ID] = exec
	return nil
}

func (m *memExecutions) GetByID(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	if exec, ok := m.byID[id]; ok {
		return exec, nil
	}
	return nil, faults.New(faults.KindNotFound, "execution not found")
}

func (m *memExecutions) GetByIdempotencyKey(ctx context.Context, userID, key string) (*models.Execution, error) {
	return nil, faults.New(faults.KindNotFound, "execution not found")
}

func (m *memExecutions) UpdateStatus(ctx context.Context, id uuid.UUID, from []models.ExecutionStatus, to models.ExecutionStatus, patch models.ExecutionPatch) (bool, error) {
	exec, ok := m.byID[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if exec.Status == f {
			exec.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (m *memExecutions) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	exec, ok := m.byID[id]
	if !ok || exec.Status.Terminal() {
		return false, nil
	}
	exec.CancelRequested = true
	return true, nil
}

func (m *memExecutions) List(ctx context.Context, workflowID *uuid.UUID, status models.ExecutionStatus, limit int) ([]*models.Execution, error) {
	var out []*models.Execution
	for _, exec := range m.byID {
		out = append(out, exec)
	}
	return out, nil
}

type memPauses struct{}

func (memPauses) FindLatestUnresumed(ctx context.Context, executionID uuid.UUID) (*models.Pause, error) {
	return nil, faults.New(faults.KindNotFound, "no active pause")
}

func (memPauses) Resolve(ctx context.Context, pauseID uuid.UUID, resumeData map[string]any) (bool, error) {
	return false, nil
}

type memUsage struct{}

func (memUsage) Increment(ctx context.Context, sub string, res models.ResourceType, period string, delta int64) (int64, error) {
	return delta, nil
}

func (memUsage) Get(ctx context.Context, sub string, res models.ResourceType, period string) (int64, error) {
	return 0, nil
}

type memNodes struct {
	rows []*models.NodeExecution
}

func (m *memNodes) ListByExecution(ctx context.Context, executionID uuid.UUID) ([]*models.NodeExecution, error) {
	return m.rows, nil
}

type memLogs struct{}

func (memLogs) Tail(ctx context.Context, executionID uuid.UUID, limit int) ([]*models.ExecutionLog, error) {
	return nil, nil
}

type app struct {
	echo       *echo.Echo
	handlers   *Handlers
	hub        *events.Hub
	workflows  *memWorkflows
	executions *memExecutions
	nodes      *memNodes
	workflow   *models.Workflow
}

func newApp(t *testing.T) *app {
	t.Helper()

	wf := &models.Workflow{
		ID:          uuid.New(),
		OwnerUserID: "alice",
		Name:        "test",
		Nodes: []models.Node{
			{ID: "start", BlockType: models.BlockTrigger},
			{ID: "work", BlockType: models.BlockCalculator, Config: map[string]any{"expression": "2 + 2"}},
		},
		Edges: []models.Edge{{ID: "e1", SourceNodeID: "start", TargetNodeID: "work"}},
	}

	workflows := &memWorkflows{byID: map[uuid.UUID]*models.Workflow{wf.ID: wf}}
	executions := &memExecutions{byID: map[uuid.UUID]*models.Execution{}}
	nodes := &memNodes{}
	hub := events.NewHub()

	log := logger.New("error", "text")
	brk := breaker.New(config.BreakerConfig{Enabled: false}, log)
	d := dispatcher.New(workflows, executions, memPauses{}, memUsage{}, dispatcher.StaticTiers{}, queue.NewMemoryBus(), brk, nil, log)

	h := New(d, workflows, nodes, memLogs{}, hub, nil, log)
	e := echo.New()
	h.Register(e, auth.InsecureVerifier{}, "/metrics")

	return &app{
		echo:       e,
		handlers:   h,
		hub:        hub,
		workflows:  workflows,
		executions: executions,
		nodes:      nodes,
		workflow:   wf,
	}
}

func (a *app) request(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	return rec
}

func TestStartExecutionEndpoint(t *testing.T) {
	a := newApp(t)

	body := `{"workflowId":"` + a.workflow.ID.String() + `","input":{"x":1}}`
	rec := a.request(t, http.MethodPost, "/v1/executions", "alice", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp struct {
		ExecutionID uuid.UUID `json:"executionId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	exec, ok := a.executions.byID[resp.ExecutionID]
	require.True(t, ok, "returned id refers to a stored execution")
	assert.Equal(t, models.ExecutionPending, exec.Status)
	assert.Equal(t, "alice", exec.UserID)
}

func TestStartExecutionRequiresAuth(t *testing.T) {
	a := newApp(t)

	rec := a.request(t, http.MethodPost, "/v1/executions", "", `{"workflowId":"`+a.workflow.ID.String()+`"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStartExecutionUnknownWorkflow(t *testing.T) {
	a := newApp(t)

	rec := a.request(t, http.MethodPost, "/v1/executions", "alice", `{"workflowId":"`+uuid.NewString()+`"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartExecutionMissingWorkflowID(t *testing.T) {
	a := newApp(t)

	rec := a.request(t, http.MethodPost, "/v1/executions", "alice", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetExecutionDetail(t *testing.T) {
	a := newApp(t)
	exec := &models.Execution{ID: uuid.New(), WorkflowID: a.workflow.ID, UserID: "alice", Status: models.ExecutionCompleted}
	a.executions.byID[exec.ID] = exec

	rec := a.request(t, http.MethodGet, "/v1/executions/"+exec.ID.String(), "alice", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var detail executionDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, exec.ID, detail.Execution.ID)
}

func TestGetExecutionForeignUserHidden(t *testing.T) {
	a := newApp(t)
	exec := &models.Execution{ID: uuid.New(), WorkflowID: a.workflow.ID, UserID: "alice", Status: models.ExecutionRunning}
	a.executions.byID[exec.ID] = exec

	rec := a.request(t, http.MethodGet, "/v1/executions/"+exec.ID.String(), "mallory", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListNodeExecutionsMergedView(t *testing.T) {
	a := newApp(t)
	exec := &models.Execution{ID: uuid.New(), WorkflowID: a.workflow.ID, UserID: "alice", Status: models.ExecutionRunning}
	a.executions.byID[exec.ID] = exec
	a.nodes.rows = []*models.NodeExecution{
		{ExecutionID: exec.ID, NodeID: "start", Attempt: 1, Status: models.NodeCompleted, Output: map[string]any{"ok": true}},
	}

	rec := a.request(t, http.MethodGet, "/v1/executions/"+exec.ID.String()+"/node-executions", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		NodeExecutions []nodeView `json:"node_executions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.NodeExecutions, 2)

	byID := map[string]nodeView{}
	for _, v := range resp.NodeExecutions {
		byID[v.NodeID] = v
	}
	assert.Equal(t, models.NodeCompleted, byID["start"].Status)
	assert.Equal(t, models.NodePending, byID["work"].Status, "unreached nodes report pending")
}

func TestLatestAttemptWinsInMergedView(t *testing.T) {
	a := newApp(t)
	exec := &models.Execution{ID: uuid.New(), WorkflowID: a.workflow.ID, UserID: "alice", Status: models.ExecutionRunning}
	a.executions.byID[exec.ID] = exec
	a.nodes.rows = []*models.NodeExecution{
		{ExecutionID: exec.ID, NodeID: "work", Attempt: 1, Status: models.NodeFailed, Error: "boom"},
		{ExecutionID: exec.ID, NodeID: "work", Attempt: 2, Status: models.NodeCompleted},
	}

	rec := a.request(t, http.MethodGet, "/v1/executions/"+exec.ID.String()+"/node-executions", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		NodeExecutions []nodeView `json:"node_executions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	for _, v := range resp.NodeExecutions {
		if v.NodeID == "work" {
			assert.Equal(t, models.NodeCompleted, v.Status)
			assert.Equal(t, 2, v.Attempt)
		}
	}
}

func TestCancelExecutionEndpoint(t *testing.T) {
	a := newApp(t)
	exec := &models.Execution{ID: uuid.New(), WorkflowID: a.workflow.ID, UserID: "alice", Status: models.ExecutionRunning}
	a.executions.byID[exec.ID] = exec

	rec := a.request(t, http.MethodPost, "/v1/executions/"+exec.ID.String()+"/cancel", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, exec.CancelRequested)

	// A second cancel hits an already-terminal guard once the run settles
	exec.Status = models.ExecutionCompleted
	rec = a.request(t, http.MethodPost, "/v1/executions/"+exec.ID.String()+"/cancel", "alice", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRetryEndpointWrongStatus(t *testing.T) {
	a := newApp(t)
	exec := &models.Execution{ID: uuid.New(), WorkflowID: a.workflow.ID, UserID: "alice", Status: models.ExecutionRunning}
	a.executions.byID[exec.ID] = exec

	rec := a.request(t, http.MethodPost, "/v1/executions/"+exec.ID.String()+"/retry", "alice", `{"nodeId":"work"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	a := newApp(t)

	rec := a.request(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInvalidExecutionID(t *testing.T) {
	a := newApp(t)

	rec := a.request(t, http.MethodGet, "/v1/executions/not-a-uuid", "alice", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamEventsSSE(t *testing.T) {
	a := newApp(t)
	exec := &models.Execution{ID: uuid.New(), WorkflowID: a.workflow.ID, UserID: "alice", Status: models.ExecutionRunning}
	a.executions.byID[exec.ID] = exec

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/executions/"+exec.ID.String()+"/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	c := a.echo.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(exec.ID.String())
	auth.WithSession(c, &auth.Session{UserID: "alice"})

	done := make(chan error, 1)
	go func() {
		done <- a.handlers.StreamEvents(c)
	}()

	// Wait for the subscription before emitting
	require.Eventually(t, func() bool {
		return a.hub.SubscriberCount() == 1
	}, time.Second, 5*time.Millisecond)

	a.hub.Emit(events.NodeUpdate{
		ExecutionID: exec.ID,
		NodeID:      "work",
		Status:      string(models.NodeRunning),
		Timestamp:   time.Now().UTC(),
	})

	// Give the stream a moment to write the frame, then close it down.
	// The recorder is only inspected after the handler returns.
	time.Sleep(100 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, ": connected\n\n"), "stream opens with a comment preamble: %q", body)
	assert.Contains(t, body, `"nodeId":"work"`)
	assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))
}
