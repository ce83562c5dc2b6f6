package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/xela07ax/spaceai-flowguard/internal/domain"
)

// Expression компилирует декларативное правило из конфигурации в CEL-программу.
//
// Доступные переменные:
//
//	tool — имя инструмента (string)
//	args — map: имя параметра -> {"value", "capabilities", "requires_sanitization"}
//
// Выражение должно вернуть bool: true — pass, false — fail. Ошибка исполнения — fail.
func Expression(rule domain.PolicyRule) (Registration, error) {
	if rule.Expression == "" {
		return Registration{}, fmt.Errorf("rule %q: empty expression", rule.Name)
	}

	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return Registration{}, fmt.Errorf("rule %q: create CEL environment: %w", rule.Name, err)
	}

	ast, issues := env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return Registration{}, fmt.Errorf("rule %q: compile: %w", rule.Name, issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return Registration{}, fmt.Errorf("rule %q: program: %w", rule.Name, err)
	}

	return Registration{
		Name:  rule.Name,
		Tools: rule.Tools,
		Predicate: func(in Input) (domain.Decision, string) {
			out, _, err := prg.Eval(map[string]any{
				"tool": in.Tool,
				"args": celArgs(in),
			})
			if err != nil {
				return domain.DecisionFail, fmt.Sprintf("eval: %v", err)
			}
			allowed, ok := out.Value().(bool)
			if !ok {
				return domain.DecisionFail, "result not bool"
			}
			if !allowed {
				return domain.DecisionFail, "expression evaluated to false"
			}
			return domain.DecisionPass, ""
		},
	}, nil
}

func celArgs(in Input) map[string]any {
	out := make(map[string]any, len(in.Args))
	for p, n := range in.Args {
		caps := n.Capabilities().Sorted()
		list := make([]any, len(caps))
		for i, c := range caps {
			list[i] = c
		}
		out[p] = map[string]any{
			"value":                 celValue(n.Value()),
			"capabilities":          list,
			"requires_sanitization": n.RequiresSanitization(),
		}
	}
	return out
}

// celValue приводит int к int64: CEL работает с 64-битными целыми.
func celValue(v any) any {
	switch t := v.(type) {
	case int:
		return int64(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = celValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = celValue(item)
		}
		return out
	default:
		return v
	}
}
