// Package registry maps block types onto their handlers and config schemas.
package registry

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/lyzr/flowengine/cmd/worker/blocks"
	"github.com/lyzr/flowengine/common/breaker"
	"github.com/lyzr/flowengine/common/faults"
	"github.com/lyzr/flowengine/common/models"
)

// Descriptor bundles everything the engine needs to run one block type
type Descriptor struct {
	Type models.BlockType
	// Handles are the output ports the block may fire. Empty means the
	// single unnamed default port.
	Handles      []string
	ConfigSchema *openapi3.Schema
	Handler      blocks.Handler
}

// Registry resolves block types case-insensitively. Built-ins are seeded at
// construction; custom descriptors may be registered afterwards.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]*Descriptor
}

// Deps are the shared services the built-in handlers draw on
type Deps struct {
	HTTPClient *http.Client
	Breaker    *breaker.Breaker
}

// New creates a registry pre-populated with the built-in block library
func New(deps Deps) *Registry {
	eval := blocks.NewEvaluator()

	r := &Registry{byKey: make(map[string]*Descriptor)}
	for _, d := range []*Descriptor{
		{
			Type:         models.BlockTrigger,
			ConfigSchema: openapi3.NewObjectSchema(),
			Handler:      blocks.Trigger(),
		},
		{
			Type: models.BlockHTTPRequest,
			ConfigSchema: openapi3.NewObjectSchema().
				WithProperty("url", openapi3.NewStringSchema()).
				WithProperty("method", openapi3.NewStringSchema()).
				WithProperty("headers", openapi3.NewObjectSchema()).
				WithRequired([]string{"url"}),
			Handler: blocks.NewHTTPRequest(deps.HTTPClient, deps.Breaker),
		},
		{
			Type:    models.BlockCondition,
			Handles: []string{"true", "false"},
			ConfigSchema: openapi3.NewObjectSchema().
				WithProperty("expression", openapi3.NewStringSchema()).
				WithRequired([]string{"expression"}),
			Handler: blocks.Condition(eval),
		},
		{
			Type: models.BlockNotification,
			ConfigSchema: openapi3.NewObjectSchema().
				WithProperty("webhook_url", openapi3.NewStringSchema()).
				WithProperty("message", openapi3.NewStringSchema()).
				WithRequired([]string{"webhook_url"}),
			Handler: blocks.NewNotification(deps.HTTPClient, deps.Breaker),
		},
		{
			Type: models.BlockDelay,
			// duration_ms stays untyped: it may arrive as a template
			// string and only resolves to a number at run time
			ConfigSchema: openapi3.NewObjectSchema().
				WithProperty("duration_ms", openapi3.NewSchema()).
				WithRequired([]string{"duration_ms"}),
			Handler: blocks.Delay(),
		},
		{
			Type: models.BlockDataTransform,
			ConfigSchema: openapi3.NewObjectSchema().
				WithProperty("mappings", openapi3.NewObjectSchema()).
				WithProperty("patch", openapi3.NewArraySchema()),
			Handler: blocks.DataTransform(),
		},
		{
			Type: models.BlockCalculator,
			ConfigSchema: openapi3.NewObjectSchema().
				WithProperty("expression", openapi3.NewStringSchema()).
				WithRequired([]string{"expression"}),
			Handler: blocks.Calculator(eval),
		},
		{
			Type: models.BlockApproval,
			ConfigSchema: openapi3.NewObjectSchema().
				WithProperty("prompt", openapi3.NewStringSchema()).
				WithProperty("context", openapi3.NewObjectSchema()),
			Handler: blocks.Approval(),
		},
		{
			Type: models.BlockCustom,
			ConfigSchema: openapi3.NewObjectSchema().
				WithProperty("expression", openapi3.NewStringSchema()).
				WithRequired([]string{"expression"}),
			Handler: blocks.Custom(eval),
		},
	} {
		r.byKey[key(string(d.Type))] = d
	}
	return r
}

// Register adds a custom descriptor. Built-in types cannot be shadowed.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil || d.Type == "" || d.Handler == nil {
		return faults.New(faults.KindBadConfig, "registry: descriptor needs a type and a handler")
	}
	if d.ConfigSchema == nil {
		d.ConfigSchema = openapi3.NewObjectSchema()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(string(d.Type))
	if _, exists := r.byKey[k]; exists {
		return faults.New(faults.KindConflict, "registry: block type %q already registered", d.Type)
	}
	r.byKey[k] = d
	return nil
}

// Resolve finds the descriptor for a block type, ignoring case
func (r *Registry) Resolve(blockType models.BlockType) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.byKey[key(string(blockType))]; ok {
		return d, nil
	}
	return nil, faults.New(faults.KindBadWorkflow, "unknown block type %q", blockType)
}

// Types lists the registered block types, for the block-library endpoint
func (r *Registry) Types() []models.BlockType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.BlockType, 0, len(r.byKey))
	for _, d := range r.byKey {
		out = append(out, d.Type)
	}
	return out
}

// ValidateConfig checks a node's config against its block schema. The config
// is round-tripped through JSON first so Go ints and other decoder artifacts
// validate like the wire form would.
func (r *Registry) ValidateConfig(node *models.Node) error {
	d, err := r.Resolve(node.BlockType)
	if err != nil {
		return err
	}

	normalized, err := normalize(node.Config)
	if err != nil {
		return faults.Wrap(faults.KindBadConfig, err, "node %s: config not serializable", node.ID)
	}

	if err := d.ConfigSchema.VisitJSON(normalized); err != nil {
		return faults.Wrap(faults.KindBadConfig, err, "node %s: invalid %s config", node.ID, node.BlockType)
	}
	return nil
}

func normalize(config map[string]any) (any, error) {
	if config == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func key(blockType string) string {
	return strings.ToLower(strings.TrimSpace(blockType))
}
