package blocks

import (
	"context"

	"github.com/lyzr/flowengine/common/faults"
	"github.com/lyzr/flowengine/common/models"
)

// Custom runs a user-supplied expression against the block input. A map
// result becomes the output document directly; any other value is published
// under "result".
func Custom(eval *Evaluator) Handler {
	return HandlerFunc(func(ctx context.Context, node *models.Node, bctx *Context) (*Result, error) {
		expr, _ := bctx.Inputs["expression"].(string)
		if expr == "" {
			return nil, faults.New(faults.KindBadConfig, "custom: expression is required")
		}

		val, err := eval.Eval(expr, bctx.Inputs, bctx.Variables)
		if err != nil {
			return nil, faults.Wrap(faults.KindPermanent, err, "custom: evaluating expression")
		}

		if m, ok := val.(map[string]any); ok {
			return &Result{Output: m}, nil
		}
		return &Result{Output: map[string]any{"result": normalizeNumber(val)}}, nil
	})
}
