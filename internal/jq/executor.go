// Package jq evaluates jq expressions against decoded JSON documents.
// The CLI uses it to let --jq narrow command output before printing.
package jq

import (
	"context"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
)

// DefaultTimeout bounds a single evaluation. Filters run over API
// responses the CLI already holds in memory; one that takes longer than
// this is looping.
const DefaultTimeout = 1 * time.Second

// Executor compiles and runs jq expressions with a bounded runtime.
type Executor struct {
	timeout time.Duration
}

// NewExecutor creates an executor. A non-positive timeout means
// DefaultTimeout.
func NewExecutor(timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{timeout: timeout}
}

// Execute runs the expression against data. An empty expression passes
// data through. A single output is returned bare; several come back as
// an array, mirroring what the jq binary prints line by line.
func (e *Executor) Execute(ctx context.Context, expression string, data any) (any, error) {
	if expression == "" {
		return data, nil
	}

	code, err := compile(expression)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var results []any
	iter := code.RunWithContext(ctx, data)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if itErr, isErr := v.(error); isErr {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("jq evaluation timed out after %v", e.timeout)
			}
			return nil, itErr
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	}
	return results, nil
}

// Validate compiles the expression, catching syntax errors before any
// data is run through it.
func (e *Executor) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := compile(expression)
	return err
}

func compile(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jq compile: %w", err)
	}
	return code, nil
}
