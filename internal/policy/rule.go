package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/roach88/vgomini/internal/ir"
)

// HoldRule is a compiled hold_when expression. It sees one variable, `row`,
// with the rollup fields principal, count, gross_minor, refunds_minor and
// net_minor. A true result turns an otherwise ALLOW row into HOLD.
type HoldRule struct {
	expr string
	prg  cel.Program
}

// CompileHoldRule compiles expr. The expression must evaluate to a bool.
func CompileHoldRule(expr string) (*HoldRule, error) {
	env, err := cel.NewEnv(
		cel.Variable("row", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, &ConfigError{Code: ir.CodePolicyInvalid, Field: "hold_when", Message: issues.Err().Error()}
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, &ConfigError{Code: ir.CodePolicyInvalid, Field: "hold_when", Message: "expression must return bool, got " + out.String()}
	}

	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("hold_when program: %w", err)
	}
	return &HoldRule{expr: expr, prg: prg}, nil
}

// String returns the source expression.
func (r *HoldRule) String() string { return r.expr }

// Holds evaluates the rule against one rollup row.
func (r *HoldRule) Holds(row ir.RollupRow) (bool, error) {
	out, _, err := r.prg.Eval(map[string]any{
		"row": map[string]any{
			"principal":     row.Principal,
			"count":         row.Count,
			"gross_minor":   row.GrossMinor,
			"refunds_minor": row.RefundsMinor,
			"net_minor":     row.NetMinor,
		},
	})
	if err != nil {
		return false, fmt.Errorf("hold_when on %s: %w", row.Principal, err)
	}
	held, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("hold_when on %s: result is %T, not bool", row.Principal, out.Value())
	}
	return held, nil
}
