package registry

import (
	"context"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowengine/cmd/worker/blocks"
	"github.com/lyzr/flowengine/common/faults"
	"github.com/lyzr/flowengine/common/models"
)

func TestResolveIsCaseInsensitive(t *testing.T) {
	r := New(Deps{})

	for _, raw := range []string{"CONDITION", "condition", " Condition "} {
		d, err := r.Resolve(models.BlockType(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, models.BlockCondition, d.Type)
		assert.Equal(t, []string{"true", "false"}, d.Handles)
	}
}

func TestResolveUnknownType(t *testing.T) {
	r := New(Deps{})

	_, err := r.Resolve("TELEPORT")
	require.Error(t, err)
	assert.Equal(t, faults.KindBadWorkflow, faults.KindOf(err))
}

func TestValidateConfig(t *testing.T) {
	r := New(Deps{})

	err := r.ValidateConfig(&models.Node{
		ID:        "n1",
		BlockType: models.BlockHTTPRequest,
		Config:    map[string]any{"url": "https://example.com", "method": "GET"},
	})
	assert.NoError(t, err)

	err = r.ValidateConfig(&models.Node{
		ID:        "n1",
		BlockType: models.BlockHTTPRequest,
		Config:    map[string]any{"method": "GET"},
	})
	require.Error(t, err)
	assert.Equal(t, faults.KindBadConfig, faults.KindOf(err))
}

func TestValidateConfigNormalizesGoInts(t *testing.T) {
	r := New(Deps{})

	// A Go int must validate the way its JSON form would
	err := r.ValidateConfig(&models.Node{
		ID:        "n1",
		BlockType: models.BlockDelay,
		Config:    map[string]any{"duration_ms": 500},
	})
	assert.NoError(t, err)
}

func TestRegisterCustomDescriptor(t *testing.T) {
	r := New(Deps{})

	d := &Descriptor{
		Type: "SENTIMENT",
		ConfigSchema: openapi3.NewObjectSchema().
			WithProperty("model", openapi3.NewStringSchema()).
			WithRequired([]string{"model"}),
		Handler: blocks.HandlerFunc(func(ctx context.Context, node *models.Node, bctx *blocks.Context) (*blocks.Result, error) {
			return &blocks.Result{Output: map[string]any{"score": 0.5}}, nil
		}),
	}
	require.NoError(t, r.Register(d))

	resolved, err := r.Resolve("sentiment")
	require.NoError(t, err)
	assert.Equal(t, d, resolved)

	// Shadowing an existing type is rejected
	err = r.Register(&Descriptor{Type: "trigger", Handler: d.Handler})
	require.Error(t, err)
	assert.Equal(t, faults.KindConflict, faults.KindOf(err))
}
