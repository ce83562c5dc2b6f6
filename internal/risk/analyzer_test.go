package risk

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestAnalyzer(t *testing.T) *Analyzer {
	a, err := NewAnalyzer(DefaultPatterns, DefaultMaxLength, zaptest.NewLogger(t))
	require.NoError(t, err)
	return a
}

func TestAnalyzer_CleanQuery(t *testing.T) {
	f := newTestAnalyzer(t).Scan("project schedules")
	assert.False(t, f.Flagged)
	assert.Empty(t, f.Reason())
}

func TestAnalyzer_StatementSeparators(t *testing.T) {
	f := newTestAnalyzer(t).Scan("project schedules; DROP TABLE users;")
	assert.True(t, f.Flagged)
	assert.Equal(t, []string{"DROP TABLE", ";"}, f.Matches)
	assert.Equal(t, "matched DROP TABLE, ;", f.Reason())
}

func TestAnalyzer_CaseAndWhitespaceInsensitive(t *testing.T) {
	f := newTestAnalyzer(t).Scan("please delete\t  from accounts")
	assert.True(t, f.Flagged)
	assert.Equal(t, []string{"DELETE FROM"}, f.Matches)
}

func TestAnalyzer_NestedValues(t *testing.T) {
	f := newTestAnalyzer(t).Scan(map[string]any{
		"title": "weekly",
		"body":  []any{"ok", "truncate table logs"},
	})
	assert.True(t, f.Flagged)
	assert.Equal(t, []string{"TRUNCATE TABLE"}, f.Matches)

	assert.False(t, newTestAnalyzer(t).Scan(42).Flagged)
}

func TestAnalyzer_MaxLength(t *testing.T) {
	a, err := NewAnalyzer(nil, 10, nil)
	require.NoError(t, err)

	f := a.Scan(strings.Repeat("a", 11))
	assert.True(t, f.Flagged)
	assert.True(t, f.TooLong)
	assert.Equal(t, "value exceeds max length", f.Reason())
}

func TestAnalyzer_Strip(t *testing.T) {
	a := newTestAnalyzer(t)
	out := a.Strip("project schedules; DROP TABLE users;")
	assert.Equal(t, "project schedules users", out)
	assert.False(t, a.Scan(out).Flagged)
}

func TestAnalyzer_StripKeepsValidUTF8(t *testing.T) {
	a, err := NewAnalyzer(DefaultPatterns, 10, zaptest.NewLogger(t))
	require.NoError(t, err)

	// "Ж" — два байта; предел 10 приходится на середину руны
	out := a.Strip("abcdefghiЖЖЖ")
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, "abcdefghi", out)

	out = a.Strip("abcdefghЖЖЖ")
	assert.Equal(t, "abcdefghЖ", out)
	assert.LessOrEqual(t, len(out), 10)
}
