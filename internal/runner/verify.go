// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runner

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/itchyny/gojq"
)

// verifier compares a step's expected result against its actual output.
// Plain verification is subset equality: every expected key must be
// present in the actual data with an equal value. An actual_path jq
// expression narrows the output first; a verify_expr expression replaces
// subset matching entirely.
type verifier struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newVerifier() *verifier {
	return &verifier{cache: make(map[string]*vm.Program)}
}

// extractActual applies the jq expression to the output data. An empty
// expression returns the output unchanged.
func (v *verifier) extractActual(actualPath string, output map[string]any) (any, error) {
	if actualPath == "" {
		return output, nil
	}
	query, err := gojq.Parse(actualPath)
	if err != nil {
		return nil, fmt.Errorf("invalid actual_path: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("actual_path compilation failed: %w", err)
	}

	iter := code.Run(map[string]any(output))
	var results []any
	for {
		item, ok := iter.Next()
		if !ok {
			break
		}
		if itemErr, isErr := item.(error); isErr {
			return nil, fmt.Errorf("actual_path evaluation failed: %w", itemErr)
		}
		results = append(results, item)
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// verify runs the expression override when present, subset matching
// otherwise. It returns (passed, description of the mismatch).
func (v *verifier) verify(verifyExpr string, expected map[string]any, actual any, output map[string]any) (bool, string, error) {
	if verifyExpr != "" {
		program, err := v.compile(verifyExpr)
		if err != nil {
			return false, "", fmt.Errorf("invalid verify_expr: %w", err)
		}
		result, err := expr.Run(program, map[string]any{
			"expected": expected,
			"actual":   actual,
			"output":   output,
		})
		if err != nil {
			return false, "", fmt.Errorf("verify_expr evaluation failed: %w", err)
		}
		passed, ok := result.(bool)
		if !ok {
			return false, "", fmt.Errorf("verify_expr must return a boolean, got %T", result)
		}
		if !passed {
			return false, fmt.Sprintf("verify_expr %q returned false", verifyExpr), nil
		}
		return true, "", nil
	}

	if len(expected) == 0 {
		return true, "", nil
	}
	actualMap, ok := actual.(map[string]any)
	if !ok {
		return false, fmt.Sprintf("expected a map for subset verification, actual is %T", actual), nil
	}
	for key, want := range expected {
		got, present := actualMap[key]
		if !present {
			return false, fmt.Sprintf("expected key %q missing from actual result", key), nil
		}
		if !looseEqual(want, got) {
			return false, fmt.Sprintf("mismatch at %q: expected %v, got %v", key, want, got), nil
		}
	}
	return true, "", nil
}

func (v *verifier) compile(expression string) (*vm.Program, error) {
	v.mu.RLock()
	if prog, ok := v.cache[expression]; ok {
		v.mu.RUnlock()
		return prog, nil
	}
	v.mu.RUnlock()

	prog, err := expr.Compile(expression,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.cache[expression] = prog
	v.mu.Unlock()
	return prog, nil
}

// looseEqual compares values across the numeric types JSON and YAML
// decoding produce (int vs float64), falling back to DeepEqual.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
