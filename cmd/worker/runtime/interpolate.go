package runtime

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Interpolator resolves {{path}} placeholders against a scope document.
// The scope is marshaled once; lookups use gjson path syntax, so
// {{nodeA.body.items.0}} and {{input.customer.name}} both work.
type Interpolator struct {
	doc []byte
}

// NewInterpolator builds an interpolator over the given scope
func NewInterpolator(scope map[string]any) (*Interpolator, error) {
	doc, err := json.Marshal(scope)
	if err != nil {
		return nil, fmt.Errorf("marshal interpolation scope: %w", err)
	}
	return &Interpolator{doc: doc}, nil
}

// Apply walks the value and resolves placeholders in every string it finds,
// descending through maps and slices. Placeholders whose path does not exist
// in the scope are left verbatim.
func (i *Interpolator) Apply(value any) any {
	switch v := value.(type) {
	case string:
		return i.applyString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = i.Apply(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for idx, item := range v {
			out[idx] = i.Apply(item)
		}
		return out
	default:
		return value
	}
}

// ApplyConfig is Apply specialized to a config map, preserving the map type
func (i *Interpolator) ApplyConfig(config map[string]any) map[string]any {
	if config == nil {
		return nil
	}
	return i.Apply(config).(map[string]any)
}

func (i *Interpolator) applyString(s string) any {
	// A string that is exactly one placeholder keeps the resolved value's
	// type, so {{nodeA.count}} stays a number
	if m := placeholderRe.FindStringSubmatch(s); m != nil && m[0] == s {
		if res := gjson.GetBytes(i.doc, m[1]); res.Exists() {
			return res.Value()
		}
		return s
	}

	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		if res := gjson.GetBytes(i.doc, path); res.Exists() {
			return res.String()
		}
		return match
	})
}
