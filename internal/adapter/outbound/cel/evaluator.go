// Package cel compiles and evaluates admission rule match expressions.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/subsync/subsync-limiter/internal/domain/admission"
)

// maxExpressionLength is the maximum allowed length for match expressions.
const maxExpressionLength = 1024

// maxCostBudget caps the CEL runtime cost of one evaluation.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout bounds a single evaluation; match expressions sit on the
// request path.
const evalTimeout = 100 * time.Millisecond

// interruptCheckFreq is how often (in comprehension iterations) context cancellation is checked.
const interruptCheckFreq = 100

// Evaluator compiles match expressions into admission.Conditions.
type Evaluator struct {
	env *cel.Env
}

// NewEvaluator creates a new CEL evaluator with the request environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := NewRequestEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create request environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile validates expr and returns a reusable condition.
// Expressions must type-check to bool.
func (e *Evaluator) Compile(expr string) (admission.Condition, error) {
	if err := validateShape(expr); err != nil {
		return nil, err
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must evaluate to bool, got %s", ast.OutputType())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}

	return &condition{expr: expr, prg: prg}, nil
}

// ValidateExpression reports whether expr would compile.
func (e *Evaluator) ValidateExpression(expr string) error {
	if _, err := e.Compile(expr); err != nil {
		return fmt.Errorf("invalid match expression: %w", err)
	}
	return nil
}

// validateShape enforces length and nesting limits before handing expr to CEL.
func validateShape(expr string) error {
	if expr == "" {
		return errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}

	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// condition is a compiled match expression.
type condition struct {
	expr string
	prg  cel.Program
}

// Matches evaluates the expression against req.
func (c *condition) Matches(ctx context.Context, req admission.Request) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	result, _, err := c.prg.ContextEval(ctx, BuildActivation(req))
	if err != nil {
		return false, fmt.Errorf("evaluation of %q failed: %w", c.expr, err)
	}

	matched, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return matched, nil
}

// Compile-time interface verification.
var _ admission.Matcher = (*Evaluator)(nil)
