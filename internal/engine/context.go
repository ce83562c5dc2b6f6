package engine

import (
	"context"

	"github.com/google/uuid"
)

// Тип для ключа в контексте (избегаем коллизий)
type ctxKey string

const (
	traceIDKey ctxKey = "trace_id"
	sandboxKey ctxKey = "is_sandbox"
)

// WithTraceID кладёт сквозной id запроса в контекст. Пустой id — сгенерировать новый.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = uuid.New().String()
	}
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID помогает безопасно достать id в любом месте кода.
func TraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return "00000000-0000-0000-0000-000000000000" // Fallback
}

// WithSandbox включает режим песочницы для одного запуска.
func WithSandbox(ctx context.Context) context.Context {
	return context.WithValue(ctx, sandboxKey, true)
}

func isSandbox(ctx context.Context) bool {
	v, _ := ctx.Value(sandboxKey).(bool)
	return v
}
