package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xela07ax/spaceai-flowguard/internal/dataflow"
	"github.com/xela07ax/spaceai-flowguard/internal/domain"
	"github.com/xela07ax/spaceai-flowguard/internal/policy"
)

// ErrorKind — класс отказа в записи журнала.
type ErrorKind string

const (
	KindPolicyViolation ErrorKind = "policy_violation"
	KindToolError       ErrorKind = "tool_error"
)

// PolicyViolation — вызов не прошёл авторизацию. Ожидаемый исход, план остановлен.
type PolicyViolation struct {
	StatementIndex int
	Tool           string
	Policies       []string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("statement %d: call to %s denied by %s",
		e.StatementIndex, e.Tool, strings.Join(e.Policies, ", "))
}

// ToolExecutionError — отказ самого инструмента после успешной авторизации.
// Retryable отделяет временные сбои (throttling, сеть, открытый breaker) от остальных.
type ToolExecutionError struct {
	StatementIndex int
	Tool           string
	Err            error
	Retryable      bool
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("statement %d: tool %s failed: %v", e.StatementIndex, e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// Entry — одна запись журнала исполнения: вызов, решение, результат или ошибка.
// Никаких времён и случайных id: два прогона одного плана дают равные записи.
type Entry struct {
	StatementIndex   int                        `json:"statement_index"`
	CallIndex        int                        `json:"call_index"`
	Tool             string                     `json:"tool_name"`
	Call             string                     `json:"call"`
	Arguments        map[string]dataflow.NodeID `json:"arguments"`
	Decision         domain.Decision            `json:"decision"`
	ViolatedPolicies []string                   `json:"violated_policies"`
	Policies         []policy.Result            `json:"policies,omitempty"`
	Executed         bool                       `json:"executed"`
	Simulated        bool                       `json:"simulated,omitempty"`
	ResultNode       dataflow.NodeID            `json:"result_node,omitempty"`
	Result           any                        `json:"result,omitempty"`
	Error            string                     `json:"error,omitempty"`
	ErrorKind        ErrorKind                  `json:"error_kind,omitempty"`
	Retryable        bool                       `json:"retryable,omitempty"`
}

// ExecutionRecord — упорядоченный журнал одного запуска. После finish() не меняется.
type ExecutionRecord struct {
	mu       sync.RWMutex
	entries  []Entry
	state    State
	finished bool
}

func newRecord() *ExecutionRecord {
	return &ExecutionRecord{state: StateParsing}
}

func (r *ExecutionRecord) append(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		panic("engine: append to a finished execution record")
	}
	if e.ViolatedPolicies == nil {
		e.ViolatedPolicies = []string{}
	}
	r.entries = append(r.entries, e)
}

func (r *ExecutionRecord) finish(state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
	r.finished = true
}

// Entries возвращает копию записей.
func (r *ExecutionRecord) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *ExecutionRecord) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// State — итог запуска: Completed или Halted (пока запуск идёт — текущая фаза не отслеживается).
func (r *ExecutionRecord) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Executed — сколько вызовов реально дошло до инструмента.
func (r *ExecutionRecord) Executed() int {
	n := 0
	for _, e := range r.Entries() {
		if e.Executed {
			n++
		}
	}
	return n
}

// Failed — записи с отказом (политика или инструмент).
func (r *ExecutionRecord) Failed() []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.ErrorKind != "" {
			out = append(out, e)
		}
	}
	return out
}

func (r *ExecutionRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		State   State   `json:"state"`
		Entries []Entry `json:"entries"`
	}{
		State:   r.State(),
		Entries: r.Entries(),
	})
}
