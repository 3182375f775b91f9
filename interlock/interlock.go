// Package interlock evaluates configured guard expressions against each
// dosing step before a run is allowed to start. Guards fail safe: an
// expression that is false, errors, or yields a non-boolean blocks the run.
package interlock

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Guard is one compiled interlock expression.
type Guard struct {
	src     string
	program *vm.Program
}

// Set holds the rig's compiled interlocks. A nil Set allows everything.
type Set struct {
	guards []Guard
}

// Compile builds the guard set. Expressions must evaluate to a boolean;
// bad expressions surface here, at load time, not at pre-check.
func Compile(exprs []string) (*Set, error) {
	s := &Set{guards: make([]Guard, 0, len(exprs))}
	for _, src := range exprs {
		program, err := expr.Compile(src, expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("interlock %q: %w", src, err)
		}
		s.guards = append(s.guards, Guard{src: src, program: program})
	}
	return s, nil
}

// Eval runs every guard against one step's inputs and returns the first
// violation.
func (s *Set) Eval(env map[string]interface{}) error {
	if s == nil {
		return nil
	}
	for _, g := range s.guards {
		ret, err := expr.Run(g.program, env)
		if err != nil {
			return fmt.Errorf("interlock %q: %w", g.src, err)
		}
		ok, isBool := ret.(bool)
		if !isBool {
			return fmt.Errorf("interlock %q: not a boolean", g.src)
		}
		if !ok {
			return fmt.Errorf("interlock %q is false", g.src)
		}
	}
	return nil
}

// Sources lists the guard expressions, for display layers.
func (s *Set) Sources() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.guards))
	for i, g := range s.guards {
		out[i] = g.src
	}
	return out
}
