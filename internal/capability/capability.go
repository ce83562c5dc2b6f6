package capability

import (
	"sort"
	"strings"
)

// Capability — непрозрачная метка доверия/происхождения значения.
type Capability string

// Базовые метки, которыми оперирует ядро. Остальные метки задают инструменты и политики.
const (
	Literal      Capability = "literal"       // литерал, записанный планировщиком прямо в план
	UserInput    Capability = "user_input"    // сырой текст запроса пользователя
	TrustedEmail Capability = "trusted_email" // адрес из доверенного домена
	Sanitized    Capability = "sanitized"     // значение прошло через санитайзер
)

// Set — множество меток. Дубликаты невозможны по построению (ключи map).
// Set считается неизменяемым: все операции возвращают новое множество.
type Set map[Capability]struct{}

// New собирает множество из списка меток.
func New(caps ...Capability) Set {
	s := make(Set, len(caps))
	for _, c := range caps {
		if c == "" {
			continue
		}
		s[c] = struct{}{}
	}
	return s
}

// FromStrings — удобный конструктор для конфигов и деклараций инструментов.
func FromStrings(caps []string) Set {
	s := make(Set, len(caps))
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		s[Capability(c)] = struct{}{}
	}
	return s
}

func (s Set) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

func (s Set) Len() int { return len(s) }

// Clone возвращает независимую копию (nil превращается в пустое множество).
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}

// With возвращает копию множества с добавленными метками.
func (s Set) With(caps ...Capability) Set {
	out := s.Clone()
	for _, c := range caps {
		if c == "" {
			continue
		}
		out[c] = struct{}{}
	}
	return out
}

// Sorted — детерминированный порядок для записей аудита и логов.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}

func (s Set) String() string {
	return "{" + strings.Join(s.Sorted(), ", ") + "}"
}

func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for c := range s {
		if !other.Has(c) {
			return false
		}
	}
	return true
}

// Union — объединение. Используется, когда инструмент явно комбинирует входы без понижения доверия.
func Union(a, b Set) Set {
	out := make(Set, len(a)+len(b))
	for c := range a {
		out[c] = struct{}{}
	}
	for c := range b {
		out[c] = struct{}{}
	}
	return out
}

// Intersect — пересечение. Производное значение доверено не больше, чем наименее доверенный вход.
func Intersect(a, b Set) Set {
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	out := make(Set, len(small))
	for c := range small {
		if large.Has(c) {
			out[c] = struct{}{}
		}
	}
	return out
}

// IntersectAll — правило вывода по умолчанию для 1..N родителей.
// Ноль родителей даёт пустое множество: из ничего доверие не возникает.
func IntersectAll(sets ...Set) Set {
	if len(sets) == 0 {
		return Set{}
	}
	out := sets[0].Clone()
	for _, s := range sets[1:] {
		out = Intersect(out, s)
	}
	return out
}

// HasAll проверяет, что set является надмножеством required.
func HasAll(set, required Set) bool {
	for c := range required {
		if !set.Has(c) {
			return false
		}
	}
	return true
}

// Missing возвращает метки из required, которых нет в set (отсортированно).
func Missing(set, required Set) []string {
	var out []string
	for _, c := range required.Sorted() {
		if !set.Has(Capability(c)) {
			out = append(out, c)
		}
	}
	return out
}
