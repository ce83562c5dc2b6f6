package risk

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// DefaultPatterns — управляющие последовательности, структурно связанные с инъекциями:
// разделители операторов и разрушающие SQL-команды внутри текста запроса.
var DefaultPatterns = []string{"DROP TABLE", "DELETE FROM", "TRUNCATE TABLE", ";"}

// DefaultMaxLength — значения длиннее считаются подозрительными.
const DefaultMaxLength = 1000

// Finding — результат сканирования одного значения.
type Finding struct {
	Flagged bool
	Matches []string // сработавшие шаблоны в порядке конфигурации
	TooLong bool
}

func (f Finding) Reason() string {
	switch {
	case !f.Flagged:
		return ""
	case f.TooLong && len(f.Matches) == 0:
		return "value exceeds max length"
	case f.TooLong:
		return fmt.Sprintf("matched %s; value exceeds max length", strings.Join(f.Matches, ", "))
	default:
		return "matched " + strings.Join(f.Matches, ", ")
	}
}

type pattern struct {
	source string
	re     *regexp.Regexp
}

// Analyzer ищет в строковых значениях шаблоны, характерные для инъекций.
// Не хранит состояния между вызовами: результат — чистая функция от значения.
type Analyzer struct {
	patterns  []pattern
	maxLength int
	logger    *zap.Logger
}

// NewAnalyzer компилирует шаблоны. Шаблон — фраза без учёта регистра,
// пробелы внутри неё совпадают с любой непустой последовательностью пробельных символов.
func NewAnalyzer(patterns []string, maxLength int, logger *zap.Logger) (*Analyzer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Analyzer{maxLength: maxLength, logger: logger.Named("analyzer")}
	for _, p := range patterns {
		words := strings.Fields(p)
		if len(words) == 0 {
			continue
		}
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		re, err := regexp.Compile(`(?i)` + strings.Join(words, `\s+`))
		if err != nil {
			return nil, fmt.Errorf("risk: compile pattern %q: %w", p, err)
		}
		a.patterns = append(a.patterns, pattern{source: p, re: re})
	}
	return a, nil
}

// Scan проверяет значение. Строки внутри map и slice проверяются рекурсивно.
func (a *Analyzer) Scan(value any) Finding {
	var f Finding
	seen := make(map[string]bool)
	for _, s := range collectStrings(value) {
		if a.maxLength > 0 && len(s) > a.maxLength {
			f.TooLong = true
		}
		for _, p := range a.patterns {
			if !seen[p.source] && p.re.MatchString(s) {
				seen[p.source] = true
				f.Matches = append(f.Matches, p.source)
			}
		}
	}
	f.Flagged = f.TooLong || len(f.Matches) > 0
	if f.Flagged {
		a.logger.Warn("injection pattern detected",
			zap.Strings("matches", f.Matches),
			zap.Bool("too_long", f.TooLong),
		)
	}
	return f
}

// Strip удаляет все найденные шаблоны и схлопывает пробелы. Используется санитайзерами.
func (a *Analyzer) Strip(s string) string {
	for _, p := range a.patterns {
		s = p.re.ReplaceAllString(s, " ")
	}
	s = strings.Join(strings.Fields(s), " ")
	if a.maxLength > 0 && len(s) > a.maxLength {
		// Режем по границе руны, чтобы не оставить битый UTF-8
		cut := a.maxLength
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}

func collectStrings(value any) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			out = append(out, collectStrings(item)...)
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []string
		for _, k := range keys {
			out = append(out, collectStrings(v[k])...)
		}
		return out
	default:
		return nil
	}
}
