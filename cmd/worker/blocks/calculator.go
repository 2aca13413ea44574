package blocks

import (
	"context"

	"github.com/lyzr/flowengine/common/faults"
	"github.com/lyzr/flowengine/common/models"
)

// Calculator evaluates an arithmetic expression over the block input and
// publishes the value under "result".
func Calculator(eval *Evaluator) Handler {
	return HandlerFunc(func(ctx context.Context, node *models.Node, bctx *Context) (*Result, error) {
		expr, _ := bctx.Inputs["expression"].(string)
		if expr == "" {
			return nil, faults.New(faults.KindBadConfig, "calculator: expression is required")
		}

		val, err := eval.Eval(expr, bctx.Inputs, bctx.Variables)
		if err != nil {
			return nil, faults.Wrap(faults.KindPermanent, err, "calculator: evaluating %q", expr)
		}

		bctx.Log(models.LogDebug, "calculator evaluated", map[string]any{"expression": expr})
		return &Result{Output: map[string]any{"result": normalizeNumber(val)}}, nil
	})
}

// normalizeNumber maps CEL numeric types onto what JSON round-trips produce,
// so downstream interpolation sees consistent shapes
func normalizeNumber(v any) any {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	default:
		return v
	}
}
