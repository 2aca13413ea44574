package blocks

import (
	"context"
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/lyzr/flowengine/common/faults"
	"github.com/lyzr/flowengine/common/models"
	"github.com/tidwall/gjson"
)

// DataTransform reshapes its input. Two modes, combinable:
//
//   - "mappings": map of output key to a path into the input document,
//     e.g. {"total": "order.items.#", "name": "customer.name"}
//   - "patch": an RFC 6902 JSON Patch applied to the input document
//
// With only a patch configured, the patched document is the output. With
// mappings, the output contains exactly the mapped keys.
func DataTransform() Handler {
	return HandlerFunc(func(ctx context.Context, node *models.Node, bctx *Context) (*Result, error) {
		doc, err := json.Marshal(bctx.Inputs)
		if err != nil {
			return nil, faults.Wrap(faults.KindPermanent, err, "transform: input not serializable")
		}

		if rawPatch, ok := bctx.Inputs["patch"]; ok && rawPatch != nil {
			doc, err = applyPatch(doc, rawPatch)
			if err != nil {
				return nil, err
			}
		}

		mappings, hasMappings := bctx.Inputs["mappings"].(map[string]any)
		if !hasMappings {
			var out map[string]any
			if err := json.Unmarshal(doc, &out); err != nil {
				return nil, faults.Wrap(faults.KindPermanent, err, "transform: patched document is not an object")
			}
			// Config keys should not leak into the output document
			delete(out, "patch")
			delete(out, "mappings")
			return &Result{Output: out}, nil
		}

		out := make(map[string]any, len(mappings))
		for key, rawPath := range mappings {
			path, ok := rawPath.(string)
			if !ok {
				return nil, faults.New(faults.KindBadConfig, "transform: mapping %q must be a string path", key)
			}
			if res := gjson.GetBytes(doc, path); res.Exists() {
				out[key] = res.Value()
			} else {
				out[key] = nil
			}
		}

		bctx.Log(models.LogDebug, "transform applied", map[string]any{"output_keys": len(out)})
		return &Result{Output: out}, nil
	})
}

func applyPatch(doc []byte, rawPatch any) ([]byte, error) {
	encoded, err := json.Marshal(rawPatch)
	if err != nil {
		return nil, faults.Wrap(faults.KindBadConfig, err, "transform: patch not serializable")
	}
	patch, err := jsonpatch.DecodePatch(encoded)
	if err != nil {
		return nil, faults.Wrap(faults.KindBadConfig, err, "transform: invalid JSON patch")
	}
	patched, err := patch.Apply(doc)
	if err != nil {
		return nil, faults.Wrap(faults.KindPermanent, err, "transform: applying patch")
	}
	return patched, nil
}
