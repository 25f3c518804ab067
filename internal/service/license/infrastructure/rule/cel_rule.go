// internal/service/license/infrastructure/rule/cel_rule.go
package rule

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"sankey/internal/service/license/port"
)

// CelEscalationRule 实现了 port.EscalationRule 接口。
// 升级条件用 CEL 表达式配置，例如默认的 "failureCount >= maxRetry"，
// 运营可以在不改代码的情况下收紧或放宽升级门槛。
type CelEscalationRule struct {
	program cel.Program
}

// NewCelEscalationRule 编译规则表达式。表达式必须返回布尔值。
func NewCelEscalationRule(expression string) (*CelEscalationRule, error) {
	env, err := cel.NewEnv(
		cel.Variable("failureCount", cel.IntType),
		cel.Variable("maxRetry", cel.IntType),
		cel.Variable("ownerId", cel.StringType),
		cel.Variable("reason", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build rule environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile escalation rule %q: %w", expression, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("escalation rule %q must evaluate to a boolean", expression)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build rule program: %w", err)
	}
	return &CelEscalationRule{program: program}, nil
}

// Evaluate 对一次失败事实求值
func (r *CelEscalationRule) Evaluate(fact port.EscalationFact) (bool, error) {
	out, _, err := r.program.Eval(map[string]interface{}{
		"failureCount": fact.FailureCount,
		"maxRetry":     fact.MaxRetry,
		"ownerId":      fact.OwnerID,
		"reason":       fact.Reason,
	})
	if err != nil {
		return false, fmt.Errorf("escalation rule evaluation failed: %w", err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("escalation rule returned non-boolean value %v", out.Value())
	}
	return matched, nil
}
