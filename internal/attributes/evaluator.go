// Package attributes evaluates user-supplied expressions against finalized
// queries to produce custom span attributes and trace identity.
package attributes

import (
	"fmt"
	"reflect"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mrzor/pg-query-tracer/internal/config"
	"github.com/mrzor/pg-query-tracer/internal/model"
)

// Evaluator handles compilation and evaluation of custom attribute
// expressions. Expressions are compiled once at startup.
type Evaluator struct {
	customAttrs   []config.CustomAttribute
	compiledExprs []*vm.Program
}

// exprTypeEnv is the environment shape used for expression type checking.
func exprTypeEnv() map[string]interface{} {
	return map[string]interface{}{
		"query":       "",
		"search_path": "",
		"pid":         0,
		"runtime_ms":  0.0,
		"rows":        0.0,
		"start_time":  "",
	}
}

// queryEnv builds the evaluation environment for one finalized query.
func queryEnv(q *model.Query) map[string]interface{} {
	env := exprTypeEnv()
	if q.Text != nil {
		env["query"] = *q.Text
	}
	if q.SearchPath != nil {
		env["search_path"] = *q.SearchPath
	}
	env["pid"] = int(q.Key.Pid)
	if runtime, ok := q.Runtime(); ok {
		env["runtime_ms"] = float64(runtime) / float64(time.Millisecond)
	}
	if q.Instrument != nil {
		env["rows"] = q.Instrument.NTuples
	}
	if start, ok := q.StartTime(); ok {
		env["start_time"] = start.Format(time.RFC3339Nano)
	}
	return env
}

// NewEvaluator pre-compiles all custom attribute expressions.
func NewEvaluator(customAttrs []config.CustomAttribute) (*Evaluator, error) {
	compiledExprs := make([]*vm.Program, len(customAttrs))
	for i, attr := range customAttrs {
		program, err := expr.Compile(attr.Expression, expr.Env(exprTypeEnv()))
		if err != nil {
			return nil, fmt.Errorf("failed to compile expression for attribute %q: %w", attr.Name, err)
		}
		compiledExprs[i] = program
	}

	return &Evaluator{
		customAttrs:   customAttrs,
		compiledExprs: compiledExprs,
	}, nil
}

// EvaluateCustomAttributes evaluates the custom attribute expressions for a
// finalized query. An expression that fails at runtime is skipped; the
// others still apply.
func (e *Evaluator) EvaluateCustomAttributes(q *model.Query) []attribute.KeyValue {
	if len(e.customAttrs) == 0 || q == nil {
		return nil
	}

	env := queryEnv(q)

	var attrs []attribute.KeyValue
	for i, customAttr := range e.customAttrs {
		output, err := expr.Run(e.compiledExprs[i], env)
		if err != nil {
			fmt.Printf("Warning: failed to evaluate expression for attribute %q: %v\n", customAttr.Name, err)
			continue
		}

		// Map results expand into one attribute per key, dot-joined.
		outputValue := reflect.ValueOf(output)
		if outputValue.Kind() == reflect.Map {
			for _, key := range outputValue.MapKeys() {
				keyStr := sanitizeAttributeName(fmt.Sprintf("%v", key.Interface()))
				value := outputValue.MapIndex(key).Interface()
				attrs = append(attrs, attribute.String(customAttr.Name+"."+keyStr, fmt.Sprint(value)))
			}
		} else {
			attrs = append(attrs, attribute.String(customAttr.Name, fmt.Sprint(output)))
		}
	}

	return attrs
}

// sanitizeAttributeName replaces non-alphanumeric characters with
// underscores so derived attribute names stay OpenTelemetry-safe.
func sanitizeAttributeName(name string) string {
	result := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			result[i] = c
		} else {
			result[i] = '_'
		}
	}
	return string(result)
}
