package blocks

import (
	"context"
	"time"

	"github.com/lyzr/flowengine/common/faults"
	"github.com/lyzr/flowengine/common/models"
)

// maxDelay caps a single delay block well under the node execution timeout
const maxDelay = time.Hour

// Delay waits for the configured duration, respecting cancellation
func Delay() Handler {
	return HandlerFunc(func(ctx context.Context, node *models.Node, bctx *Context) (*Result, error) {
		ms, ok := asInt64(bctx.Inputs["duration_ms"])
		if !ok || ms < 0 {
			return nil, faults.New(faults.KindBadConfig, "delay: duration_ms must be a non-negative integer")
		}
		d := time.Duration(ms) * time.Millisecond
		if d > maxDelay {
			return nil, faults.New(faults.KindBadConfig, "delay: duration_ms exceeds maximum of %s", maxDelay)
		}

		bctx.Log(models.LogInfo, "delaying", map[string]any{"duration_ms": ms})

		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, faults.Wrap(faults.KindCancelled, ctx.Err(), "delay interrupted")
		}

		return &Result{Output: map[string]any{"waited_ms": ms}}, nil
	})
}

// asInt64 accepts the numeric shapes JSON decoding produces
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
