// Package blocks defines the handler contract every block type satisfies
// and the built-in block library.
package blocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/common/models"
)

// LogFunc captures a handler log line; the runtime both stores and emits it
type LogFunc func(level models.LogLevel, msg string, metadata map[string]any)

// Context carries the per-invocation environment into a handler
type Context struct {
	ExecutionID uuid.UUID
	NodeID      string
	UserID      string
	// Inputs is the merged input: workflow input, upstream outputs keyed
	// by node id, then the node's interpolated config
	Inputs map[string]any
	// Variables is the interpolation scope, for handlers that resolve
	// paths themselves
	Variables map[string]any
	Logger    *logger.Logger
	Log       LogFunc
}

// Result is a handler's successful outcome. Handle names the fired output
// port for branching blocks; empty means the default port.
type Result struct {
	Output map[string]any
	Handle string
}

// Handler executes one block. Implementations signal failure class through
// faults kinds and suspension through PauseSignal.
type Handler interface {
	Execute(ctx context.Context, node *models.Node, bctx *Context) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, node *models.Node, bctx *Context) (*Result, error)

// Execute implements Handler
func (f HandlerFunc) Execute(ctx context.Context, node *models.Node, bctx *Context) (*Result, error) {
	return f(ctx, node, bctx)
}

// PauseSignal is returned (as an error) by human-in-the-loop blocks to park
// the execution until external resume data arrives.
type PauseSignal struct {
	Data map[string]any
}

func (p *PauseSignal) Error() string {
	return "execution paused awaiting external input"
}
