package blocks

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/traits"
)

// Evaluator evaluates CEL (Common Expression Language) expressions with a
// compiled-program cache shared by the condition, calculator and custom
// blocks.
type Evaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates a new evaluator with caching
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]cel.Program),
	}
}

// Eval evaluates an expression against the block's merged input and the
// execution-wide variable scope.
func (e *Evaluator) Eval(expr string, input, vars map[string]any) (any, error) {
	// Allow JSONPath-style $.field as shorthand for input.field, for
	// graphs authored against the older builder
	normalized := strings.ReplaceAll(expr, "$.", "input.")

	prg, err := e.program(normalized)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"input": input,
		"vars":  vars,
	})
	if err != nil {
		return nil, fmt.Errorf("CEL evaluation error: %w", err)
	}

	// Map and list results come back as CEL traits; convert them so callers
	// always see plain Go values
	switch out.(type) {
	case traits.Mapper:
		native, err := out.ConvertToNative(reflect.TypeOf(map[string]any{}))
		if err != nil {
			return nil, fmt.Errorf("converting map result: %w", err)
		}
		return native, nil
	case traits.Lister:
		native, err := out.ConvertToNative(reflect.TypeOf([]any{}))
		if err != nil {
			return nil, fmt.Errorf("converting list result: %w", err)
		}
		return native, nil
	}
	if out.Type() == types.NullType {
		return nil, nil
	}
	return out.Value(), nil
}

// EvalBool evaluates an expression expected to produce a boolean
func (e *Evaluator) EvalBool(expr string, input, vars map[string]any) (bool, error) {
	val, err := e.Eval(expr, input, vars)
	if err != nil {
		return false, err
	}
	result, ok := val.(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return boolean, got %T", val)
	}
	return result, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, exists := e.cache[expr]
	e.mu.RUnlock()
	if exists {
		return prg, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("vars", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}

	prg, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// CacheSize returns the number of cached programs
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
