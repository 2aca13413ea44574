package blocks

import (
	"context"

	"github.com/lyzr/flowengine/common/models"
)

// Approval parks the execution until a human resumes it. The pause payload
// carries the prompt and whatever context the approver needs; the node's
// output is the resume data supplied later.
func Approval() Handler {
	return HandlerFunc(func(ctx context.Context, node *models.Node, bctx *Context) (*Result, error) {
		prompt, _ := bctx.Inputs["prompt"].(string)
		if prompt == "" {
			prompt = "approval required"
		}

		data := map[string]any{"prompt": prompt}
		if extra, ok := bctx.Inputs["context"].(map[string]any); ok {
			data["context"] = extra
		}

		bctx.Log(models.LogInfo, "awaiting approval", map[string]any{"prompt": prompt})
		return nil, &PauseSignal{Data: data}
	})
}
