package connectors

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-flowguard/internal/capability"
	"github.com/xela07ax/spaceai-flowguard/internal/domain"
	"github.com/xela07ax/spaceai-flowguard/internal/risk"
)

// Схемы аргументов демо-инструментов (Draft 2020-12).
const (
	sendEmailSchema = `{
  "type": "object",
  "required": ["recipient"],
  "properties": {
    "recipient": {"type": "string", "minLength": 3},
    "document": {"type": ["string", "object"]}
  }
}`
	writeReportSchema = `{
  "type": "object",
  "required": ["title"],
  "properties": {
    "title": {"type": "string", "minLength": 1, "maxLength": 200},
    "content": {}
  }
}`
)

// Email — отправленное письмо. Outbox копит их, чтобы было видно, что реально ушло наружу.
type Email struct {
	Recipient string `json:"recipient"`
	Document  string `json:"document"`
}

type Outbox struct {
	mu   sync.Mutex
	sent []Email
}

func (o *Outbox) add(e Email) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, e)
}

func (o *Outbox) Sent() []Email {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Email(nil), o.sent...)
}

// MockSystems — in-memory имитация внешних систем: корпус документов, почта, отчёты.
type MockSystems struct {
	// Latency — фиксированная задержка вызова. Случайной нет: результат должен быть воспроизводим.
	Latency  time.Duration
	Outbox   *Outbox
	analyzer *risk.Analyzer
	docs     map[string]string
}

// DefaultDocuments — демо-корпус для search_document / fetch_document.
var DefaultDocuments = map[string]string{
	"project_schedule.txt":   "Project schedules for Q3: design review, build, release.",
	"report.pdf":             "Quarterly report: revenue and project milestones.",
	"requested_document.pdf": "Requested document contents.",
	"onboarding.md":          "Onboarding guide for new project members.",
}

func NewMockSystems(analyzer *risk.Analyzer, docs map[string]string) *MockSystems {
	if docs == nil {
		docs = DefaultDocuments
	}
	return &MockSystems{Outbox: &Outbox{}, analyzer: analyzer, docs: docs}
}

// Tools — полный набор демо-инструментов.
func (m *MockSystems) Tools() []Tool {
	return []Tool{
		NewFunc(domain.ToolSpec{
			Name:        "search_document",
			Description: "full-text search over the document corpus",
			Required:    map[string]capability.Set{"query": capability.New()},
		}, m.searchDocument),
		NewFunc(domain.ToolSpec{
			Name:        "fetch_document",
			Description: "fetch a document by name",
			Required:    map[string]capability.Set{"name": capability.New()},
		}, m.fetchDocument),
		NewFunc(domain.ToolSpec{
			Name:        "send_email",
			Description: "send a document to a recipient",
			Required: map[string]capability.Set{
				"recipient": capability.New(capability.TrustedEmail),
			},
			Schema: sendEmailSchema,
		}, m.sendEmail),
		NewFunc(domain.ToolSpec{
			Name:        "write_report",
			Description: "store a report",
			Schema:      writeReportSchema,
		}, m.writeReport),
		NewFunc(domain.ToolSpec{
			Name:        "sanitize_query",
			Description: "strip injection patterns from text",
			Required:    map[string]capability.Set{"text": capability.New()},
			Sanitizer:   true,
			Grants:      capability.Sanitized,
		}, m.sanitizeQuery),
	}
}

func (m *MockSystems) wait(ctx context.Context) error {
	if m.Latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(m.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MockSystems) searchDocument(ctx context.Context, args map[string]any) (any, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	query, err := stringArg(args, "query")
	if err != nil {
		return nil, err
	}
	words := strings.Fields(strings.ToLower(query))

	names := make([]string, 0, len(m.docs))
	for name := range m.docs {
		names = append(names, name)
	}
	sort.Strings(names)

	var found []any
	for _, name := range names {
		body := strings.ToLower(m.docs[name])
		for _, w := range words {
			if strings.Contains(body, w) {
				found = append(found, name)
				break
			}
		}
	}
	return map[string]any{
		"query":     query,
		"matches":   len(found),
		"documents": found,
	}, nil
}

func (m *MockSystems) fetchDocument(ctx context.Context, args map[string]any) (any, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	name, err := stringArg(args, "name")
	if err != nil {
		return nil, err
	}
	body, ok := m.docs[name]
	if !ok {
		return nil, fmt.Errorf("document %q not found", name)
	}
	return map[string]any{"name": name, "content": body}, nil
}

func (m *MockSystems) sendEmail(ctx context.Context, args map[string]any) (any, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	recipient, err := stringArg(args, "recipient")
	if err != nil {
		return nil, err
	}
	doc := documentName(args["document"])
	m.Outbox.add(Email{Recipient: recipient, Document: doc})
	return map[string]any{"status": "sent", "recipient": recipient, "document": doc}, nil
}

func (m *MockSystems) writeReport(ctx context.Context, args map[string]any) (any, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	title, err := stringArg(args, "title")
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "written", "title": title}, nil
}

func (m *MockSystems) sanitizeQuery(ctx context.Context, args map[string]any) (any, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	text, err := stringArg(args, "text")
	if err != nil {
		return nil, err
	}
	if m.analyzer == nil {
		return strings.Join(strings.Fields(text), " "), nil
	}
	return m.analyzer.Strip(text), nil
}

func stringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name]
	if !ok {
		return "", fmt.Errorf("missing argument %q", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q: expected string, got %T", name, v)
	}
	return s, nil
}

// documentName — документ приходит либо именем, либо результатом fetch_document.
func documentName(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any:
		if n, ok := t["name"].(string); ok {
			return n
		}
	}
	return fmt.Sprint(v)
}
