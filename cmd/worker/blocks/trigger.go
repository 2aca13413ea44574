package blocks

import (
	"context"

	"github.com/lyzr/flowengine/common/models"
)

// Trigger is the entry block: it forwards the merged input (the workflow's
// trigger payload plus any static config) downstream unchanged.
func Trigger() Handler {
	return HandlerFunc(func(ctx context.Context, node *models.Node, bctx *Context) (*Result, error) {
		bctx.Log(models.LogInfo, "trigger fired", map[string]any{
			"input_keys": len(bctx.Inputs),
		})
		return &Result{Output: bctx.Inputs}, nil
	})
}
