// Package cel compiles CEL expressions into predicates over tracked documents.
package cel

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"

	"github.com/sharedcode/sopdoc/tracking"
)

// Predicate holds the CEL expression & the cel program evaluating it against one tracked document.
//
// Variables available to the expression:
//   - doc: the current document state as a map
//   - id, index, type_name, version: the document identity. The type name is not "type", that
//     identifier is a CEL builtin
//   - origin: "new" or "stored"
//   - changed: whether the document has unflushed changes
type Predicate struct {
	Expression string
	program    cel.Program
}

// NewPredicate compiles expression. The expression has to evaluate to a bool.
func NewPredicate(expression string) (*Predicate, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression can't be empty string")
	}

	env, err := cel.NewEnv(
		cel.Variable("doc", cel.MapType(cel.StringType, cel.AnyType)),
		cel.Variable("id", cel.StringType),
		cel.Variable("index", cel.StringType),
		cel.Variable("type_name", cel.StringType),
		cel.Variable("version", cel.StringType),
		cel.Variable("origin", cel.StringType),
		cel.Variable("changed", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %v", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error compiling CEL expression: %v", issues.Err())
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return nil, fmt.Errorf("CEL expression %q yields %v, expected bool", expression, ast.OutputType())
	}
	p, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error creating Program: %v", err)
	}
	return &Predicate{
		Expression: expression,
		program:    p,
	}, nil
}

// Evaluate runs the expression against the variables of m.
func (p *Predicate) Evaluate(m *tracking.TrackedMetadata) (bool, error) {
	current, err := m.Current()
	if err != nil {
		return false, err
	}
	doc := map[string]any{}
	if err := json.Unmarshal([]byte(current), &doc); err != nil {
		return false, fmt.Errorf("error decoding document %s: %v", m.String(), err)
	}
	return p.Eval(map[string]any{
		"doc":       doc,
		"id":        m.ID(),
		"index":     m.IndexName(),
		"type_name": m.TypeName(),
		"version":   m.Version(),
		"origin":    originName(m.Origin()),
		"changed":   m.HasChanged(),
	})
}

// Eval runs the expression against vars.
func (p *Predicate) Eval(vars map[string]any) (bool, error) {
	out, _, err := p.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("error evaluating CEL expression: %v", err)
	}
	nv, err := out.ConvertToNative(reflect.TypeOf(false))
	if err != nil {
		return false, fmt.Errorf("error ConvertToNative, got err: %v", err)
	}
	if v, ok := nv.(bool); !ok {
		return false, fmt.Errorf("error converting to bool, nv: %v", nv)
	} else {
		return v, nil
	}
}

// Func adapts the predicate for cache queries. Evaluation errors count as no match & are
// reported through onError when it is not nil.
func (p *Predicate) Func(onError func(*tracking.TrackedMetadata, error)) func(*tracking.TrackedMetadata) bool {
	return func(m *tracking.TrackedMetadata) bool {
		ok, err := p.Evaluate(m)
		if err != nil {
			if onError != nil {
				onError(m, err)
			}
			return false
		}
		return ok
	}
}

func originName(o tracking.Origin) string {
	if o == tracking.NewInstance {
		return "new"
	}
	return "stored"
}
