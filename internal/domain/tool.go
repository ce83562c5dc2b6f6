package domain

import "github.com/xela07ax/spaceai-flowguard/internal/capability"

// AnyParam — ключ в Required, означающий "каждый аргумент вызова".
const AnyParam = "*"

// ToolSpec — декларация инструмента: его контракт с точки зрения ядра.
type ToolSpec struct {
	Name        string
	Description string

	// Required — требуемые capabilities по имени параметра.
	// Например send_email: {"recipient": {trusted_email}}.
	Required map[string]capability.Set

	// Sanitizer — инструмент вправе явно повысить доверие к результату меткой Grants.
	Sanitizer bool
	Grants    capability.Capability

	// Schema — необязательная JSON Schema для разрешённых литеральных аргументов.
	Schema string
}

// RequiredFor возвращает требования к конкретному параметру (с учётом "*").
func (s ToolSpec) RequiredFor(param string) capability.Set {
	out := capability.Set{}
	if req, ok := s.Required[AnyParam]; ok {
		out = capability.Union(out, req)
	}
	if req, ok := s.Required[param]; ok {
		out = capability.Union(out, req)
	}
	return out
}

// Grant — метка, которую выдаёт санитайзер (по умолчанию sanitized).
func (s ToolSpec) Grant() capability.Capability {
	if !s.Sanitizer {
		return ""
	}
	if s.Grants == "" {
		return capability.Sanitized
	}
	return s.Grants
}
