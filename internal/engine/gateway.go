package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// UserQueryInput — имя, под которым исходный запрос пользователя доступен плану.
const UserQueryInput = "user_query"

// ErrNoPlanner — ProcessQuery вызван без планировщика.
var ErrNoPlanner = errors.New("engine: planner is not configured")

// Planner — внешний привилегированный планировщик: запрос на естественном языке -> текст плана.
// Планировщик не видит результатов инструментов, поэтому данные не могут изменить control flow.
type Planner interface {
	Plan(ctx context.Context, query string) (string, error)
}

// PlannerFunc — адаптер функции к Planner.
type PlannerFunc func(ctx context.Context, query string) (string, error)

func (f PlannerFunc) Plan(ctx context.Context, query string) (string, error) { return f(ctx, query) }

// Gateway — фасад ядра: запуск готового плана или полный цикл "запрос -> план -> исполнение".
type Gateway struct {
	interp  *Interpreter
	planner Planner
	logger  *zap.Logger
}

func NewGateway(interp *Interpreter, planner Planner, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		interp:  interp,
		planner: planner,
		logger:  logger.With(zap.String("mod", "gateway")),
	}
}

// Execute исполняет готовый план. Trace-ID генерируется, если вызывающий его не передал.
func (g *Gateway) Execute(ctx context.Context, plan string, inputs map[string]any) (*Outcome, error) {
	if _, ok := ctx.Value(traceIDKey).(string); !ok {
		ctx = WithTraceID(ctx, "")
	}
	return g.interp.Run(ctx, plan, inputs)
}

// ProcessQuery: планировщик строит план по запросу, сам запрос становится входом user_query.
func (g *Gateway) ProcessQuery(ctx context.Context, query string) (*Outcome, error) {
	if g.planner == nil {
		return nil, ErrNoPlanner
	}
	if _, ok := ctx.Value(traceIDKey).(string); !ok {
		ctx = WithTraceID(ctx, "")
	}

	plan, err := g.planner.Plan(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("plan query: %w", err)
	}
	g.logger.Debug("plan received", zap.String("trace_id", TraceID(ctx)), zap.String("plan", plan))

	return g.Execute(ctx, plan, map[string]any{UserQueryInput: query})
}
