package main

import (
	"context"
	"errors"
	"strings"
)

// demoPlanner имитирует привилегированную модель: по ключевым словам запроса
// выбирает один из заранее известных планов. Сам текст запроса в план не попадает,
// он приходит только как вход user_query.
type demoPlanner struct{}

func (demoPlanner) Plan(_ context.Context, query string) (string, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return "", errors.New("empty query")
	}

	switch {
	case strings.Contains(q, "send") && (strings.Contains(q, "bob") || strings.Contains(q, "document")):
		return `doc = fetch_document(name="report.pdf")
send_email(recipient="bob@company.com", document=doc)`, nil
	case strings.Contains(q, "report"):
		return `q = sanitize_query(text=user_query)
found = search_document(query=q)
write_report(title="Search summary", content=found)`, nil
	case strings.Contains(q, "search") || strings.Contains(q, "find"):
		return `q = sanitize_query(text=user_query)
search_document(query=q)`, nil
	}
	// Намерение не распознано: пустой план, ничего не исполняется
	return "# no tool calls detected\n", nil
}
