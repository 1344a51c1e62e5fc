package core

import (
	"fmt"
	"reflect"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// exprEngine evaluates the small Go-expression language flow authors write
// in a set step's `value`, a branch/while step's `evaluate`/`condition`:
// real Go expressions against the active flow's slots, interpreted rather
// than compiled. This is grounded directly on codenerd's YaegiExecutor
// (internal/autopoiesis/yaegi_executor.go), which interprets sandboxed Go
// snippets with Yaegi instead of shelling out to `go build` — the same
// motivation applies here, generalized from "run a tool" to "evaluate one
// expression per graph node with no external process".
//
// A fresh interpreter is built per call; Yaegi interpreters are not safe
// for concurrent reuse, and the scheduler already serializes all
// evaluation for a session within a single turn, so the cost of a cold
// interpreter per node is an accepted tradeoff for isolation.
type exprEngine struct{}

func newExprEngine() *exprEngine { return &exprEngine{} }

const exprPkgPath = "flowexpr/flowexpr"

// eval interprets expr with a `flowexpr.Slots` map bound to the supplied
// slot values, returning whatever the expression evaluates to.
func (e *exprEngine) eval(expr string, slots map[string]interface{}) (interface{}, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("loading stdlib symbols: %w", err)
	}

	exports := interp.Exports{
		exprPkgPath: {
			"Slots": reflect.ValueOf(slots),
		},
	}
	if err := i.Use(exports); err != nil {
		return nil, fmt.Errorf("binding slot exports: %w", err)
	}

	src := `package main
import "flowexpr"
func Eval() interface{} {
	return ` + expr + `
}
`
	if _, err := i.Eval(src); err != nil {
		return nil, fmt.Errorf("compiling expression %q: %w", expr, err)
	}
	v, err := i.Eval("main.Eval")
	if err != nil {
		return nil, fmt.Errorf("resolving expression %q: %w", expr, err)
	}
	fn, ok := v.Interface().(func() interface{})
	if !ok {
		return nil, fmt.Errorf("expression %q did not produce a value", expr)
	}
	return fn(), nil
}

// evalBool evaluates expr and coerces the result to a bool; a non-bool
// result is an error. While-loop guards do not call it: they compile to
// branch steps, which are evaluated through evalCaseKey.
func (e *exprEngine) evalBool(expr string, slots map[string]interface{}) (bool, error) {
	v, err := e.eval(expr, slots)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not evaluate to a bool (got %T)", expr, v)
	}
	return b, nil
}

// evalCaseKey evaluates expr for a branch step and stringifies the result
// so it can be looked up in Cases, following Go's fmt formatting for the
// common scalar types (bool -> "true"/"false", everything else via %v).
func (e *exprEngine) evalCaseKey(expr string, slots map[string]interface{}) (string, error) {
	v, err := e.eval(expr, slots)
	if err != nil {
		return "", err
	}
	if b, ok := v.(bool); ok {
		if b {
			return "true", nil
		}
		return "false", nil
	}
	return fmt.Sprintf("%v", v), nil
}

// Flow authors reference the bound map as `flowexpr.Slots` inside
// `evaluate`, `condition`, and `value` expressions, e.g.
// `flowexpr.Slots["amount"].(float64) > 100`.
