// Package script defines the invocation contract for linked scripts. The
// engine is an opaque capability; the executor never sees script internals.
package script

import (
	"context"
	"fmt"
)

// Engine invokes a named function with the current resolution context
// (value, args, env) and returns its result.
type Engine interface {
	Invoke(ctx context.Context, function string, scope map[string]any) (any, error)
}

// Funcs is an Engine backed by in-process Go functions. It serves tests and
// embedders that register native handlers instead of a linked script.
type Funcs map[string]func(ctx context.Context, scope map[string]any) (any, error)

func (f Funcs) Invoke(ctx context.Context, function string, scope map[string]any) (any, error) {
	fn, ok := f[function]
	if !ok {
		return nil, fmt.Errorf("script function %q is not defined", function)
	}
	return fn(ctx, scope)
}

// Disabled returns an Engine that rejects every invocation. Used when no
// Script link is configured.
func Disabled() Engine { return disabled{} }

type disabled struct{}

func (disabled) Invoke(_ context.Context, function string, _ map[string]any) (any, error) {
	return nil, fmt.Errorf("script function %q: no script linked", function)
}
