package domain

import "strings"

// Decision — итог одной политики для одного вызова.
type Decision string

const (
	DecisionPass          Decision = "pass"
	DecisionFail          Decision = "fail"
	DecisionNotApplicable Decision = "not_applicable"
)

// Normalize гарантирует валидный результат даже от некорректной политики (Zero Trust):
// всё, что не pass и не not_applicable, считается отказом.
func (d Decision) Normalize() Decision {
	switch d {
	case DecisionPass, DecisionNotApplicable:
		return d
	default:
		return DecisionFail
	}
}

// AllTools — маркер глобальной политики в списке применимости.
const AllTools = "*"

// PolicyRule — декларативное правило из конфигурации.
// Expression — CEL-выражение; true означает pass, false — fail.
type PolicyRule struct {
	Name       string   `mapstructure:"name" json:"name"`
	Tools      []string `mapstructure:"tools" json:"tools"` // пусто или "*" — для всех инструментов
	Expression string   `mapstructure:"expression" json:"expression"`
}

// AppliesTo — проверка применимости с поддержкой wildcard.
func AppliesTo(tools []string, tool string) bool {
	if len(tools) == 0 {
		return true
	}
	for _, t := range tools {
		t = strings.TrimSpace(t)
		if t == AllTools || t == tool {
			return true
		}
	}
	return false
}
