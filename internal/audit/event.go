package audit

import "time"

// Kind — что описывает событие: отдельный вызов или запуск целиком.
type Kind string

const (
	KindCall Kind = "call"
	KindRun  Kind = "run"
)

type Event struct {
	ID      string `json:"id"`       // UUID события
	Kind    Kind   `json:"kind"`     // call | run
	TraceID string `json:"trace_id"` // Сквозной ID запроса
	RunID   string `json:"run_id"`   // Запуск плана

	// Вызов (для KindCall)
	StatementIndex   int      `json:"statement_index"`
	CallIndex        int      `json:"call_index"`
	Tool             string   `json:"tool,omitempty"`
	Call             string   `json:"call,omitempty"`
	Decision         string   `json:"decision,omitempty"`
	ViolatedPolicies []string `json:"violated_policies,omitempty"`

	// Контекст исполнения
	Mode string `json:"mode"` // "LIVE" или "SANDBOX"

	// Результат
	Status     string    `json:"status"` // SUCCESS, DENIED, FAILED, INTERCEPTED; для run — completed/halted
	Response   any       `json:"response,omitempty"`
	Error      string    `json:"error,omitempty"`
	Retryable  bool      `json:"retryable,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
}
