package policy

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-flowguard/internal/capability"
	"github.com/xela07ax/spaceai-flowguard/internal/dataflow"
	"github.com/xela07ax/spaceai-flowguard/internal/domain"
)

// Input — всё, что политика видит о предстоящем вызове.
type Input struct {
	Tool     string
	Args     map[string]*dataflow.DataNode
	Required map[string]capability.Set // требования по параметрам (уже с учётом "*")

	// Sanitizer — инструмент объявлен санитайзером и сам принимает непроверенные данные.
	Sanitizer bool
}

// Params — имена аргументов в детерминированном порядке.
func (in Input) Params() []string {
	out := make([]string, 0, len(in.Args))
	for p := range in.Args {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Values — сырые значения аргументов (без обёрток DataNode).
func (in Input) Values() map[string]any {
	out := make(map[string]any, len(in.Args))
	for p, n := range in.Args {
		out[p] = n.Value()
	}
	return out
}

// Predicate — чистая функция решения: без скрытого состояния и побочных эффектов.
type Predicate func(in Input) (domain.Decision, string)

// Label — то, что политика назначает сырому значению при первом связывании в узел-источник.
type Label struct {
	Grant                capability.Set
	RequiresSanitization bool
}

// Labeler назначает capabilities внешним данным. Назначение определяется политиками,
// а не утверждается вызывающим.
type Labeler interface {
	Label(param string, value any) Label
}

// LabelerFunc — адаптер функции к Labeler.
type LabelerFunc func(param string, value any) Label

func (f LabelerFunc) Label(param string, value any) Label { return f(param, value) }

// Registration — контракт регистрации: (name, applicable_tools, predicate) + необязательный labeler.
type Registration struct {
	Name      string
	Tools     []string // пусто или "*" — глобальная политика
	Predicate Predicate
	Labeler   Labeler
}

// Result — решение одной политики.
type Result struct {
	Policy   string          `json:"policy"`
	Decision domain.Decision `json:"decision"`
	Reason   string          `json:"reason,omitempty"`
}

// Authorized — вызов разрешён, если ни одна политика не вернула fail.
func Authorized(results []Result) bool {
	for _, r := range results {
		if r.Decision == domain.DecisionFail {
			return false
		}
	}
	return true
}

// Violations — имена политик, вернувших fail, в порядке отчёта.
func Violations(results []Result) []string {
	var out []string
	for _, r := range results {
		if r.Decision == domain.DecisionFail {
			out = append(out, r.Policy)
		}
	}
	return out
}

// Engine — замороженный набор политик. Создаётся только через Builder.Freeze
// и не меняется, поэтому безопасен для одновременного использования из любого числа запусков.
type Engine struct {
	policies []Registration
	labelers []int
	logger   *zap.Logger
}

// Evaluate прогоняет все применимые политики в порядке регистрации.
// Порядок влияет только на порядок отчёта, но не на итог авторизации.
func (e *Engine) Evaluate(in Input) []Result {
	idx := e.applicable(in.Tool)
	results := make([]Result, 0, len(idx))
	for _, i := range idx {
		reg := e.policies[i]
		if reg.Predicate == nil {
			continue
		}
		decision, reason := e.run(reg, in)
		results = append(results, Result{Policy: reg.Name, Decision: decision, Reason: reason})
	}
	return results
}

// Label объединяет назначения всех labeler-ов: гранты суммируются, пометка санитизации — по ИЛИ.
func (e *Engine) Label(param string, value any) Label {
	out := Label{Grant: capability.Set{}}
	for _, i := range e.labelers {
		l := e.safeLabel(e.policies[i], param, value)
		out.Grant = capability.Union(out.Grant, l.Grant)
		out.RequiresSanitization = out.RequiresSanitization || l.RequiresSanitization
	}
	return out
}

// Names — зарегистрированные политики в порядке регистрации.
func (e *Engine) Names() []string {
	out := make([]string, len(e.policies))
	for i, p := range e.policies {
		out[i] = p.Name
	}
	return out
}

// Applicable — имена политик, которые сработают для инструмента.
func (e *Engine) Applicable(tool string) []string {
	var out []string
	for _, i := range e.applicable(tool) {
		if e.policies[i].Predicate != nil {
			out = append(out, e.policies[i].Name)
		}
	}
	return out
}

func (e *Engine) applicable(tool string) []int {
	var idx []int
	for i, reg := range e.policies {
		if domain.AppliesTo(reg.Tools, tool) {
			idx = append(idx, i)
		}
	}
	return idx
}

// run исполняет предикат; паника превращается в fail (fail-closed).
func (e *Engine) run(reg Registration, in Input) (decision domain.Decision, reason string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("policy panicked, treating as fail",
				zap.String("policy", reg.Name),
				zap.String("tool", in.Tool),
				zap.Any("panic", r),
			)
			decision = domain.DecisionFail
			reason = fmt.Sprintf("policy panicked: %v", r)
		}
	}()
	decision, reason = reg.Predicate(in)
	return decision.Normalize(), reason
}

func (e *Engine) safeLabel(reg Registration, param string, value any) (l Label) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("labeler panicked, marking value for sanitization",
				zap.String("policy", reg.Name),
				zap.Any("panic", r),
			)
			l = Label{RequiresSanitization: true}
		}
	}()
	return reg.Labeler.Label(param, value)
}

// RequiredCapabilities раскладывает требования инструмента по параметрам вызова.
// В результат попадают и объявленные, но не переданные параметры: их отсутствие — отказ.
func RequiredCapabilities(spec domain.ToolSpec, params []string) map[string]capability.Set {
	out := make(map[string]capability.Set)
	for p := range spec.Required {
		if p == domain.AnyParam {
			continue
		}
		out[p] = spec.RequiredFor(p)
	}
	for _, p := range params {
		out[p] = spec.RequiredFor(p)
	}
	return out
}
