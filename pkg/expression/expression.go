// Package expression compiles document operations written as CEL expressions, for the callers
// that cannot hand Go functions to the coordinator: the HTTP surface and the CLI.
//
// Every expression sees the current document as 'doc'. Reduce expressions also see the running
// accumulator as 'acc'. For example:
//
//	resolve: doc.surName                      (kept when not null, or when 'keep' holds)
//	filter:  doc.firstName.matches("^Chris")
//	reduce:  acc + doc.amount
//	map:     {"name": doc.firstName + " " + doc.surName}
package expression

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	celtypes "github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/streamcache/streamcache/pkg/engine"
	"github.com/streamcache/streamcache/pkg/query"
	"github.com/streamcache/streamcache/pkg/storage"
)

const (
	DocumentVariable    = "doc"
	AccumulatorVariable = "acc"

	// interruptCheckFrequency is the number of comprehension iterations between two checks of
	// the evaluation context.
	interruptCheckFrequency = 100
)

var (
	celDocumentEnv *cel.Env
	celReduceEnv   *cel.Env

	structValueType = reflect.TypeOf(&structpb.Value{})
)

func init() {
	env, err := cel.NewEnv(
		cel.Variable(DocumentVariable, cel.MapType(cel.StringType, cel.DynType)),
		ext.Strings(),
		ext.Math(),
		cel.EagerlyValidateDeclarations(true),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to construct CEL document env: %v", err))
	}
	celDocumentEnv = env

	env, err = celDocumentEnv.Extend(cel.Variable(AccumulatorVariable, cel.DynType))
	if err != nil {
		panic(fmt.Sprintf("failed to construct CEL reduce env: %v", err))
	}
	celReduceEnv = env
}

// Definition is the wire form of a document operation.
type Definition struct {
	Kind       query.Kind `json:"kind"`
	Expression string     `json:"expression"`
	// Keep is an optional boolean expression deciding whether a resolve keeps a document. When
	// empty, a document is kept when Expression is not null.
	Keep string `json:"keep,omitempty"`
}

type program struct {
	kind query.Kind
	prg  cel.Program
}

func compile(env *cel.Env, kind query.Kind, field, expr string, wantBool bool) (*program, error) {
	if expr == "" {
		return nil, &CompilationError{Kind: kind, Field: field, Cause: errors.New("expression is empty")}
	}

	ast, issues := env.Compile(expr)
	if issues != nil {
		if err := issues.Err(); err != nil {
			return nil, &CompilationError{Kind: kind, Field: field, Cause: err}
		}
	}

	if wantBool {
		out := ast.OutputType()
		if !reflect.DeepEqual(out, cel.BoolType) && !reflect.DeepEqual(out, cel.DynType) {
			return nil, &CompilationError{
				Kind:  kind,
				Field: field,
				Cause: fmt.Errorf("expected a bool expression output, but got '%s'", out),
			}
		}
	}

	prg, err := env.Program(ast, cel.InterruptCheckFrequency(interruptCheckFrequency))
	if err != nil {
		return nil, &CompilationError{
			Kind:  kind,
			Field: field,
			Cause: fmt.Errorf("expression construction: %w", err),
		}
	}

	return &program{kind: kind, prg: prg}, nil
}

func (p *program) eval(ctx context.Context, vars map[string]any) (ref.Val, error) {
	out, _, err := p.prg.ContextEval(ctx, vars)
	if err != nil {
		return nil, &EvaluationError{Kind: p.kind, Cause: err}
	}

	return out, nil
}

func (p *program) evalBool(ctx context.Context, vars map[string]any) (bool, error) {
	out, err := p.eval(ctx, vars)
	if err != nil {
		return false, err
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, &EvaluationError{Kind: p.kind, Cause: fmt.Errorf("expected a bool, got '%s'", out.Type().TypeName())}
	}

	return b, nil
}

func (p *program) evalNative(ctx context.Context, vars map[string]any) (any, error) {
	out, err := p.eval(ctx, vars)
	if err != nil {
		return nil, err
	}

	return p.native(out)
}

// native converts a CEL value to the plain JSON-shaped Go value stored in result sequences.
func (p *program) native(out ref.Val) (any, error) {
	if out.Type() == celtypes.NullType {
		return nil, nil
	}

	v, err := out.ConvertToNative(structValueType)
	if err != nil {
		return nil, &EvaluationError{Kind: p.kind, Cause: fmt.Errorf("failed to convert expression output: %w", err)}
	}

	return v.(*structpb.Value).AsInterface(), nil
}

// Compile validates the definition and returns the document operation it describes.
func Compile(def Definition) (engine.Operation, error) {
	switch def.Kind {
	case query.KindResolve:
		return compileResolve(def)
	case query.KindFilter:
		cond, err := compile(celDocumentEnv, def.Kind, "expression", def.Expression, true)
		if err != nil {
			return engine.Operation{}, err
		}
		return engine.Filter(func(ctx context.Context, doc storage.Document) (bool, error) {
			return cond.evalBool(ctx, map[string]any{DocumentVariable: doc})
		}), nil
	case query.KindReduce:
		step, err := compile(celReduceEnv, def.Kind, "expression", def.Expression, false)
		if err != nil {
			return engine.Operation{}, err
		}
		return engine.Reduce(func(ctx context.Context, acc any, doc storage.Document) (any, error) {
			return step.evalNative(ctx, map[string]any{DocumentVariable: doc, AccumulatorVariable: acc})
		}), nil
	case query.KindMap:
		transform, err := compile(celDocumentEnv, def.Kind, "expression", def.Expression, false)
		if err != nil {
			return engine.Operation{}, err
		}
		return engine.Map(func(ctx context.Context, doc storage.Document) (any, error) {
			return transform.evalNative(ctx, map[string]any{DocumentVariable: doc})
		}), nil
	default:
		return engine.Operation{}, &CompilationError{
			Kind:  def.Kind,
			Field: "kind",
			Cause: fmt.Errorf("unknown operation kind '%s'", def.Kind),
		}
	}
}

func compileResolve(def Definition) (engine.Operation, error) {
	value, err := compile(celDocumentEnv, def.Kind, "expression", def.Expression, false)
	if err != nil {
		return engine.Operation{}, err
	}

	var keep *program
	if def.Keep != "" {
		keep, err = compile(celDocumentEnv, def.Kind, "keep", def.Keep, true)
		if err != nil {
			return engine.Operation{}, err
		}
	}

	return engine.Resolve(func(ctx context.Context, doc storage.Document) (bool, any, error) {
		vars := map[string]any{DocumentVariable: doc}
		if keep != nil {
			ok, err := keep.evalBool(ctx, vars)
			if err != nil || !ok {
				return false, nil, err
			}
		}

		out, err := value.eval(ctx, vars)
		if err != nil {
			return false, nil, err
		}
		if keep == nil && out.Type() == celtypes.NullType {
			return false, nil, nil
		}

		v, err := value.native(out)
		if err != nil {
			return false, nil, err
		}
		return true, v, nil
	}), nil
}
