package blocks

import (
	"context"

	"github.com/lyzr/flowengine/common/faults"
	"github.com/lyzr/flowengine/common/models"
)

// Condition evaluates a boolean expression and fires the "true" or "false"
// handle; only edges attached to the fired handle carry data downstream.
func Condition(eval *Evaluator) Handler {
	return HandlerFunc(func(ctx context.Context, node *models.Node, bctx *Context) (*Result, error) {
		expr, _ := bctx.Inputs["expression"].(string)
		if expr == "" {
			return nil, faults.New(faults.KindBadConfig, "condition: expression is required")
		}

		matched, err := eval.EvalBool(expr, bctx.Inputs, bctx.Variables)
		if err != nil {
			return nil, faults.Wrap(faults.KindPermanent, err, "condition: evaluating %q", expr)
		}

		handle := "false"
		if matched {
			handle = "true"
		}
		bctx.Log(models.LogInfo, "condition evaluated", map[string]any{
			"expression": expr,
			"result":     matched,
		})

		return &Result{
			Output: map[string]any{"result": matched},
			Handle: handle,
		}, nil
	})
}
