package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpolateTypedWholePlaceholder(t *testing.T) {
	interp, err := NewInterpolator(map[string]any{
		"fetch": map[string]any{
			"count": 3,
			"items": []any{"a", "b"},
			"ok":    true,
		},
	})
	require.NoError(t, err)

	cfg := interp.ApplyConfig(map[string]any{
		"count": "{{fetch.count}}",
		"items": "{{fetch.items}}",
		"ok":    "{{ fetch.ok }}",
	})

	assert.Equal(t, float64(3), cfg["count"])
	assert.Equal(t, []any{"a", "b"}, cfg["items"])
	assert.Equal(t, true, cfg["ok"])
}

func TestInterpolateEmbeddedPlaceholders(t *testing.T) {
	interp, err := NewInterpolator(map[string]any{
		"input": map[string]any{"name": "ada", "id": 7},
	})
	require.NoError(t, err)

	cfg := interp.ApplyConfig(map[string]any{
		"greeting": "hello {{input.name}} (#{{input.id}})",
	})
	assert.Equal(t, "hello ada (#7)", cfg["greeting"])
}

func TestInterpolateUnresolvedLeftVerbatim(t *testing.T) {
	interp, err := NewInterpolator(map[string]any{"input": map[string]any{}})
	require.NoError(t, err)

	cfg := interp.ApplyConfig(map[string]any{
		"whole":    "{{input.missing}}",
		"embedded": "value: {{input.missing}}",
	})
	assert.Equal(t, "{{input.missing}}", cfg["whole"])
	assert.Equal(t, "value: {{input.missing}}", cfg["embedded"])
}

func TestInterpolateDescendsNestedStructures(t *testing.T) {
	interp, err := NewInterpolator(map[string]any{
		"input": map[string]any{"host": "example.com"},
	})
	require.NoError(t, err)

	cfg := interp.ApplyConfig(map[string]any{
		"headers": map[string]any{"Host": "{{input.host}}"},
		"targets": []any{"https://{{input.host}}/a", "https://{{input.host}}/b"},
	})

	headers := cfg["headers"].(map[string]any)
	assert.Equal(t, "example.com", headers["Host"])
	targets := cfg["targets"].([]any)
	assert.Equal(t, "https://example.com/a", targets[0])
}
