// Package handlers is the HTTP surface of the control plane: execution
// commands, read models and the SSE event stream.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lyzr/flowengine/cmd/api/auth"
	"github.com/lyzr/flowengine/cmd/api/dispatcher"
	"github.com/lyzr/flowengine/common/events"
	"github.com/lyzr/flowengine/common/faults"
	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/common/metrics"
	"github.com/lyzr/flowengine/common/models"
)

// heartbeatInterval keeps idle SSE connections alive through proxies
const heartbeatInterval = 15 * time.Second

// logTailLimit bounds the log excerpt embedded in the detail view
const logTailLimit = 200

// NodeLister reads node attempt history
type NodeLister interface {
	ListByExecution(ctx context.Context, executionID uuid.UUID) ([]*models.NodeExecution, error)
}

// LogTailer reads recent execution logs
type LogTailer interface {
	Tail(ctx context.Context, executionID uuid.UUID, limit int) ([]*models.ExecutionLog, error)
}

// WorkflowGetter loads workflow graphs for the merged node view
type WorkflowGetter interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
}

// Handlers binds the dispatcher and read stores to HTTP routes
type Handlers struct {
	dispatcher *dispatcher.Dispatcher
	workflows  WorkflowGetter
	nodes      NodeLister
	logs       LogTailer
	hub        *events.Hub
	metrics    *metrics.Metrics
	logger     *logger.Logger
	checks     []healthCheck
}

type healthCheck struct {
	name  string
	probe func(ctx context.Context) error
}

// AddCheck registers a dependency probe for the health endpoint
func (h *Handlers) AddCheck(name string, probe func(ctx context.Context) error) {
	h.checks = append(h.checks, healthCheck{name: name, probe: probe})
}

// New creates the handler set
func New(d *dispatcher.Dispatcher, workflows WorkflowGetter, nodes NodeLister, logs LogTailer, hub *events.Hub, m *metrics.Metrics, log *logger.Logger) *Handlers {
	return &Handlers{
		dispatcher: d,
		workflows:  workflows,
		nodes:      nodes,
		logs:       logs,
		hub:        hub,
		metrics:    m,
		logger:     log,
	}
}

// Register wires all routes onto the echo instance
func (h *Handlers) Register(e *echo.Echo, verifier auth.Verifier, metricsPath string) {
	e.HTTPErrorHandler = h.errorHandler

	e.GET("/healthz", h.Health)
	e.GET(metricsPath, echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/v1", auth.Middleware(verifier))
	api.POST("/executions", h.StartExecution)
	api.GET("/executions", h.ListExecutions)
	api.GET("/executions/:id", h.GetExecution)
	api.GET("/executions/:id/node-executions", h.ListNodeExecutions)
	api.GET("/executions/:id/events", h.StreamEvents)
	api.POST("/executions/:id/resume", h.ResumeExecution)
	api.POST("/executions/:id/retry", h.RetryNode)
	api.POST("/executions/:id/cancel", h.CancelExecution)
}

// errorHandler maps fault kinds onto HTTP statuses
func (h *Handlers) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	kind := faults.KindOf(err)

	switch kind {
	case faults.KindUnauthorized:
		status = http.StatusUnauthorized
	case faults.KindQuotaExceeded:
		status = http.StatusForbidden
	case faults.KindNotFound:
		status = http.StatusNotFound
	case faults.KindConflict:
		status = http.StatusConflict
	case faults.KindBadConfig, faults.KindBadWorkflow:
		status = http.StatusBadRequest
	case faults.KindEnqueueFailed:
		status = http.StatusBadGateway
	case faults.KindCircuitOpen:
		status = http.StatusServiceUnavailable
	}

	var httpErr *echo.HTTPError
	if echoErr, ok := err.(*echo.HTTPError); ok {
		httpErr = echoErr
		status = echoErr.Code
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			"method", c.Request().Method,
			"path", c.Path(),
			"error", err)
	}

	body := map[string]any{
		"error": map[string]any{
			"kind":    string(kind),
			"message": err.Error(),
		},
	}
	if httpErr != nil {
		body["error"] = map[string]any{
			"kind":    "http",
			"message": fmt.Sprintf("%v", httpErr.Message),
		}
	}

	if writeErr := c.JSON(status, body); writeErr != nil {
		h.logger.Error("failed to write error response", "error", writeErr)
	}
}

// Health probes registered dependencies and reports overall status
func (h *Handlers) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := map[string]string{}
	for _, check := range h.checks {
		if err := check.probe(ctx); err != nil {
			deps[check.name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			deps[check.name] = "ok"
		}
	}

	body := map[string]any{"status": "ok"}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if len(deps) > 0 {
		body["dependencies"] = deps
	}
	return c.JSON(status, body)
}

// StartExecution admits and enqueues a new run
func (h *Handlers) StartExecution(c echo.Context) error {
	var req dispatcher.StartRequest
	if err := c.Bind(&req); err != nil {
		return faults.Wrap(faults.KindBadConfig, err, "undecodable request body")
	}
	if req.WorkflowID == uuid.Nil {
		return faults.New(faults.KindBadConfig, "workflow_id is required")
	}

	exec, replayed, err := h.dispatcher.StartExecution(c.Request().Context(), auth.FromContext(c), req)
	if err != nil {
		return err
	}
	// An idempotency replay surfaces as a conflict carrying the prior id
	status := http.StatusAccepted
	if replayed {
		status = http.StatusConflict
	}
	return c.JSON(status, map[string]any{"executionId": exec.ID})
}

// ListExecutions returns the caller's executions
func (h *Handlers) ListExecutions(c echo.Context) error {
	var workflowID *uuid.UUID
	if raw := c.QueryParam("workflowId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return faults.New(faults.KindBadConfig, "invalid workflowId %q", raw)
		}
		workflowID = &id
	}

	status := models.ExecutionStatus(c.QueryParam("status"))
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit < 1 || limit > 500 {
			return faults.New(faults.KindBadConfig, "invalid limit %q", raw)
		}
	}

	executions, err := h.dispatcher.ListExecutions(c.Request().Context(), auth.FromContext(c), workflowID, status, limit)
	if err != nil {
		return err
	}
	if executions == nil {
		executions = []*models.Execution{}
	}
	return c.JSON(http.StatusOK, map[string]any{"executions": executions})
}

// executionDetail is the full read model of one run
type executionDetail struct {
	Execution      *models.Execution       `json:"execution"`
	NodeExecutions []*models.NodeExecution `json:"node_executions"`
	Logs           []*models.ExecutionLog  `json:"logs"`
}

// GetExecution returns an execution with its node history and log tail
func (h *Handlers) GetExecution(c echo.Context) error {
	executionID, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	exec, err := h.dispatcher.GetExecution(ctx, auth.FromContext(c), executionID)
	if err != nil {
		return err
	}

	nodes, err := h.nodes.ListByExecution(ctx, executionID)
	if err != nil {
		return err
	}
	logs, err := h.logs.Tail(ctx, executionID, logTailLimit)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, executionDetail{
		Execution:      exec,
		NodeExecutions: nodes,
		Logs:           logs,
	})
}

// nodeView is one workflow node with its latest attempt, if any
type nodeView struct {
	NodeID     string            `json:"node_id"`
	BlockType  models.BlockType  `json:"block_type"`
	Status     models.NodeStatus `json:"status"`
	Attempt    int               `json:"attempt,omitempty"`
	Output     map[string]any    `json:"output,omitempty"`
	Handle     string            `json:"handle,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	RetryCount int               `json:"retry_count,omitempty"`
}

// ListNodeExecutions returns every workflow node merged with its latest
// recorded attempt; nodes never reached report pending.
func (h *Handlers) ListNodeExecutions(c echo.Context) error {
	executionID, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	exec, err := h.dispatcher.GetExecution(ctx, auth.FromContext(c), executionID)
	if err != nil {
		return err
	}
	wf, err := h.workflows.GetByID(ctx, exec.WorkflowID)
	if err != nil {
		return err
	}
	rows, err := h.nodes.ListByExecution(ctx, executionID)
	if err != nil {
		return err
	}

	latest := make(map[string]*models.NodeExecution, len(rows))
	for _, row := range rows {
		if prev, ok := latest[row.NodeID]; !ok || row.Attempt > prev.Attempt {
			latest[row.NodeID] = row
		}
	}

	views := make([]nodeView, 0, len(wf.Nodes))
	for _, node := range wf.Nodes {
		view := nodeView{
			NodeID:    node.ID,
			BlockType: node.BlockType,
			Status:    models.NodePending,
		}
		if row, ok := latest[node.ID]; ok {
			view.Status = row.Status
			view.Attempt = row.Attempt
			view.Output = row.Output
			view.Handle = row.Handle
			view.Error = row.Error
			view.StartedAt = row.StartedAt
			view.FinishedAt = row.FinishedAt
			view.RetryCount = row.RetryCount
		}
		views = append(views, view)
	}

	return c.JSON(http.StatusOK, map[string]any{"node_executions": views})
}

// resumeRequest carries the data merged into the paused node's output
type resumeRequest struct {
	ResumeData map[string]any `json:"resumeData"`
}

// ResumeExecution resolves a pause and re-enqueues the run
func (h *Handlers) ResumeExecution(c echo.Context) error {
	executionID, err := parseID(c)
	if err != nil {
		return err
	}

	var req resumeRequest
	if err := c.Bind(&req); err != nil {
		return faults.Wrap(faults.KindBadConfig, err, "undecodable request body")
	}

	if _, err := h.dispatcher.ResumeExecution(c.Request().Context(), auth.FromContext(c), executionID, req.ResumeData); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// retryRequest names the node to retry from
type retryRequest struct {
	NodeID string `json:"nodeId"`
}

// RetryNode re-dispatches a failed or paused execution
func (h *Handlers) RetryNode(c echo.Context) error {
	executionID, err := parseID(c)
	if err != nil {
		return err
	}

	var req retryRequest
	if err := c.Bind(&req); err != nil {
		return faults.Wrap(faults.KindBadConfig, err, "undecodable request body")
	}

	if _, err := h.dispatcher.RetryFailedNode(c.Request().Context(), auth.FromContext(c), executionID, req.NodeID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// CancelExecution flags the run for cooperative cancellation
func (h *Handlers) CancelExecution(c echo.Context) error {
	executionID, err := parseID(c)
	if err != nil {
		return err
	}

	if err := h.dispatcher.CancelExecution(c.Request().Context(), auth.FromContext(c), executionID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// StreamEvents serves the live node-status stream over SSE
func (h *Handlers) StreamEvents(c echo.Context) error {
	executionID, err := parseID(c)
	if err != nil {
		return err
	}

	// Authorization happens before the stream is committed
	if _, err := h.dispatcher.GetExecution(c.Request().Context(), auth.FromContext(c), executionID); err != nil {
		return err
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return faults.New(faults.KindPermanent, "response writer does not support streaming")
	}

	updates, cancel := h.hub.Subscribe(executionID)
	defer cancel()

	h.metrics.AddSSESubscribers(1)
	defer h.metrics.AddSSESubscribers(-1)

	if _, err := fmt.Fprint(resp, ": connected\n\n"); err != nil {
		return nil
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(resp, ": keep-alive\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			data, err := json.Marshal(update)
			if err != nil {
				h.logger.Error("failed to encode event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(resp, "data: %s\n\n", data); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, faults.New(faults.KindBadConfig, "invalid execution id %q", c.Param("id"))
	}
	return id, nil
}
