package policy

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/xela07ax/spaceai-flowguard/internal/domain"
)

// ArgumentSchema валидирует разрешённые значения аргументов по JSON Schema инструмента.
// Схема компилируется при регистрации: битая схема — ошибка старта, а не отказ в рантайме.
func ArgumentSchema(tool, schema string) (Registration, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://flowguard.schemas.local/tools/%s.schema.json", tool)
	if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		return Registration{}, fmt.Errorf("argument schema for %s: load: %w", tool, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return Registration{}, fmt.Errorf("argument schema for %s: compile: %w", tool, err)
	}

	return Registration{
		Name:  "argument_schema:" + tool,
		Tools: []string{tool},
		Predicate: func(in Input) (domain.Decision, string) {
			if err := compiled.Validate(jsonValues(in.Values())); err != nil {
				return domain.DecisionFail, err.Error()
			}
			return domain.DecisionPass, ""
		},
	}, nil
}

// jsonValues приводит значения к типам, которые понимает валидатор (как после json.Unmarshal).
func jsonValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = jsonValues(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = jsonValues(item)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = item
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
