package policy

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELGate evaluates a single CEL expression over the decision input. The
// expression is compiled once at construction; evaluation is cost-limited so
// an operator-supplied expression cannot stall the apply path.
type CELGate struct {
	expr string
	prg  cel.Program
}

// NewCELGate compiles expr with the variables action, actor, resource and
// context in scope. The expression must evaluate to a bool.
func NewCELGate(expr string) (*CELGate, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("actor", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("context", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile policy expression: %w", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("build policy program: %w", err)
	}
	return &CELGate{expr: expr, prg: prg}, nil
}

// Decide evaluates the expression. A false result is a deny with the
// expression as the policy id.
func (g *CELGate) Decide(ctx context.Context, in Input) (Decision, error) {
	vars := map[string]interface{}{
		"action":   in.Action,
		"actor":    in.Actor,
		"resource": in.Resource,
		"context":  in.Context,
	}
	if vars["context"] == nil {
		vars["context"] = map[string]interface{}{}
	}

	out, _, err := g.prg.Eval(vars)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: eval: %v", ErrUnavailable, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return Decision{}, fmt.Errorf("%w: expression result is not bool", ErrUnavailable)
	}
	dec := Decision{Allow: allowed, PolicyID: "cel"}
	if !allowed {
		dec.Reason = "expression evaluated to false"
	}
	return dec, nil
}
