package engine

/*
Интерпретатор плана с отслеживанием capabilities.

План (control flow) фиксируется до того, как затронуты недоверенные данные:
разбор выполняется целиком, и только потом значения попадают в граф.
Каждый вызов проходит Resolving -> Authorizing -> Executing; любой fail
переводит запуск в Halted, и следующие инструкции не исполняются.
Вложенные вызовы вычисляются в глубину слева направо до внешнего и проходят
ту же авторизацию.
*/

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-flowguard/internal/audit"
	"github.com/xela07ax/spaceai-flowguard/internal/capability"
	"github.com/xela07ax/spaceai-flowguard/internal/connectors"
	"github.com/xela07ax/spaceai-flowguard/internal/dataflow"
	"github.com/xela07ax/spaceai-flowguard/internal/domain"
	"github.com/xela07ax/spaceai-flowguard/internal/policy"
)

type State int

const (
	StateParsing State = iota
	StateResolving
	StateAuthorizing
	StateExecuting
	StateHalted
	StateCompleted
)

var stateNames = [...]string{"parsing", "resolving", "authorizing", "executing", "halted", "completed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Outcome — итог одного запуска.
type Outcome struct {
	RunID      string           `json:"run_id"`
	State      State            `json:"state"`
	Record     *ExecutionRecord `json:"record"`
	OutputVar  string           `json:"output_var,omitempty"`
	OutputNode dataflow.NodeID  `json:"output_node,omitempty"`
	Output     any              `json:"output,omitempty"`

	// Err — причина Halted: *PolicyViolation или *ToolExecutionError.
	Err   error         `json:"-"`
	Graph dataflow.View `json:"-"` // только чтение
}

type Interpreter struct {
	policies   *policy.Engine
	tools      *connectors.Registry
	executor   Executor
	sandbox    bool
	killSwitch *KillSwitch
	auditor    audit.Auditor
	metrics    *Metrics
	tracer     trace.Tracer
	logger     *zap.Logger
}

type Option func(*Interpreter)

func WithExecutor(e Executor) Option { return func(i *Interpreter) { i.executor = e } }

// WithSandboxMode — ни один инструмент не вызывается, результаты имитируются.
func WithSandboxMode(on bool) Option { return func(i *Interpreter) { i.sandbox = on } }

func WithKillSwitch(k *KillSwitch) Option { return func(i *Interpreter) { i.killSwitch = k } }

func WithAuditor(a audit.Auditor) Option { return func(i *Interpreter) { i.auditor = a } }

func WithMetrics(m *Metrics) Option { return func(i *Interpreter) { i.metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(i *Interpreter) { i.tracer = t } }

func WithLogger(l *zap.Logger) Option { return func(i *Interpreter) { i.logger = l } }

// NewInterpreter принимает уже замороженный набор политик: регистрация и исполнение
// разнесены во времени, интерпретатор набор не меняет.
func NewInterpreter(policies *policy.Engine, tools *connectors.Registry, opts ...Option) (*Interpreter, error) {
	if policies == nil {
		return nil, errors.New("engine: frozen policy engine is required")
	}
	if tools == nil {
		return nil, errors.New("engine: tool registry is required")
	}
	i := &Interpreter{policies: policies, tools: tools}
	for _, opt := range opts {
		opt(i)
	}
	if i.logger == nil {
		i.logger = zap.NewNop()
	}
	i.logger = i.logger.With(zap.String("mod", "interpreter"))
	if i.metrics == nil {
		i.metrics = NewMetrics(nil)
	}
	if i.executor == nil {
		i.executor = NewReliabilityWrapper(DefaultReliabilityConfig(), i.metrics, i.logger)
	}
	if i.tracer == nil {
		i.tracer = otel.Tracer("github.com/xela07ax/spaceai-flowguard/internal/engine")
	}
	return i, nil
}

// Run разбирает и исполняет план. inputs — именованные входы запуска (например, user_query):
// они становятся узлами-источниками с capability user_input и доступны плану по имени.
//
// Ошибка возвращается только для структурных сбоев (ParseError, нарушения инвариантов графа):
// такой план отвергнут целиком. Отказ политики или инструмента — это Outcome с State=Halted.
func (i *Interpreter) Run(ctx context.Context, src string, inputs map[string]any) (*Outcome, error) {
	r := &run{
		in:     i,
		id:     uuid.New().String(),
		state:  StateParsing,
		graph:  dataflow.NewGraph(i.logger),
		record: newRecord(),
		vars:   make(map[string]dataflow.NodeID),
		mode:   "LIVE",
	}
	if i.sandbox || isSandbox(ctx) {
		r.mode = "SANDBOX"
	}
	r.logger = i.logger.With(zap.String("run_id", r.id), zap.String("trace_id", TraceID(ctx)))

	ctx, span := i.tracer.Start(ctx, "plan.run", trace.WithAttributes(
		attribute.String("flowguard.run_id", r.id),
		attribute.String("flowguard.mode", r.mode),
	))
	defer span.End()
	r.ctx = ctx
	r.start = time.Now()

	out, err := r.loop(src, inputs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		i.metrics.PlanOutcomes.WithLabelValues("rejected").Inc()
		r.logger.Warn("plan rejected", zap.Error(err))
		return nil, err
	}
	span.SetAttributes(
		attribute.String("flowguard.state", out.State.String()),
		attribute.Int("flowguard.entries", out.Record.Len()),
	)
	if out.State == StateHalted {
		span.SetStatus(codes.Error, out.Err.Error())
	}
	return out, nil
}

type run struct {
	in      *Interpreter
	ctx     context.Context
	id      string
	mode    string
	start   time.Time
	state   State
	plan    *Plan
	stmt    int
	graph   *dataflow.Graph
	record  *ExecutionRecord
	vars    map[string]dataflow.NodeID
	lastVar string
	calls   int
	pending *resolvedCall
	halt    error
	logger  *zap.Logger
}

type resolvedArg struct {
	param string
	node  *dataflow.DataNode
}

type resolvedCall struct {
	call      *Call
	tool      connectors.Tool
	spec      domain.ToolSpec
	args      []resolvedArg
	statement int
	index     int
	results   []policy.Result
}

func (rc *resolvedCall) nodes() map[string]*dataflow.DataNode {
	out := make(map[string]*dataflow.DataNode, len(rc.args))
	for _, a := range rc.args {
		out[a.param] = a.node
	}
	return out
}

func (rc *resolvedCall) argumentIDs() map[string]dataflow.NodeID {
	out := make(map[string]dataflow.NodeID, len(rc.args))
	for _, a := range rc.args {
		out[a.param] = a.node.ID()
	}
	return out
}

// loop — явный конечный автомат. Каждая итерация обрабатывает ровно одно состояние.
func (r *run) loop(src string, inputs map[string]any) (*Outcome, error) {
	for {
		switch r.state {
		case StateParsing:
			names := make([]string, 0, len(inputs))
			for name := range inputs {
				names = append(names, name)
			}
			sort.Strings(names)

			plan, err := Parse(src, r.in.tools, names...)
			if err != nil {
				r.in.metrics.ErrorTotal.WithLabelValues("parse").Inc()
				return nil, err
			}
			for _, name := range names {
				if err := r.bindInput(name, inputs[name]); err != nil {
					r.in.metrics.ErrorTotal.WithLabelValues("graph").Inc()
					return nil, err
				}
			}
			r.plan = plan
			r.logger.Debug("plan parsed", zap.Int("statements", len(plan.Statements)))
			r.advance(0)

		case StateResolving:
			st := r.plan.Statements[r.stmt]
			rc, ok, err := r.resolveCall(st.Call, st.Index)
			if err != nil {
				return nil, err
			}
			if !ok {
				r.state = StateHalted
				continue
			}
			r.pending = rc
			r.state = StateAuthorizing

		case StateAuthorizing:
			if r.authorize(r.pending) {
				r.state = StateExecuting
			} else {
				r.state = StateHalted
			}

		case StateExecuting:
			node, ok, err := r.execute(r.pending)
			if err != nil {
				return nil, err
			}
			if !ok {
				r.state = StateHalted
				continue
			}
			if target := r.plan.Statements[r.stmt].Target; target != "" {
				r.vars[target] = node.ID()
				r.lastVar = target
			}
			r.pending = nil
			r.advance(r.stmt + 1)

		case StateHalted, StateCompleted:
			return r.finish()

		default:
			return nil, fmt.Errorf("engine: unexpected state %s", r.state)
		}
	}
}

func (r *run) advance(next int) {
	r.stmt = next
	if next >= len(r.plan.Statements) {
		r.state = StateCompleted
		return
	}
	r.state = StateResolving
}

func (r *run) finish() (*Outcome, error) {
	r.record.finish(r.state)
	out := &Outcome{
		RunID:  r.id,
		State:  r.state,
		Record: r.record,
		Err:    r.halt,
		Graph:  r.graph.ReadOnly(),
	}
	if r.state == StateCompleted && r.lastVar != "" {
		node, err := r.graph.Resolve(r.vars[r.lastVar])
		if err != nil {
			return nil, err
		}
		out.OutputVar = r.lastVar
		out.OutputNode = node.ID()
		out.Output = node.Value()
	}

	r.in.metrics.PlanOutcomes.WithLabelValues(r.state.String()).Inc()
	r.logRun(out)
	r.logger.Info("plan finished",
		zap.String("state", r.state.String()),
		zap.Int("entries", r.record.Len()),
		zap.Int("executed", r.record.Executed()),
		zap.Duration("duration", time.Since(r.start)),
	)
	return out, nil
}

// bindInput — именованный вход запуска становится узлом-источником.
// Capabilities назначают labeler-ы политик, вызывающий их не утверждает.
func (r *run) bindInput(name string, value any) error {
	label := r.in.policies.Label(name, value)
	node, err := r.graph.CreateSourceNode(value,
		capability.Union(capability.New(capability.UserInput), label.Grant),
		dataflow.SourceOptions{Origin: dataflow.OriginInput, RequiresSanitization: label.RequiresSanitization},
	)
	if err != nil {
		return fmt.Errorf("bind input %q: %w", name, err)
	}
	r.vars[name] = node.ID()
	return nil
}

// resolveCall вычисляет аргументы вызова в порядке записи. ok=false — запуск остановлен
// внутри вложенного вызова, r.halt уже заполнен.
func (r *run) resolveCall(call *Call, statement int) (*resolvedCall, bool, error) {
	tool, found := r.in.tools.Lookup(call.Tool)
	if !found {
		return nil, false, &ParseError{Line: call.At.Line, Col: call.At.Col, Msg: fmt.Sprintf("unknown tool %q", call.Tool)}
	}

	args := make([]resolvedArg, 0, len(call.Args))
	for _, a := range call.Args {
		node, ok, err := r.resolveExpr(a.Name, a.Value, statement)
		if err != nil || !ok {
			return nil, ok, err
		}
		args = append(args, resolvedArg{param: a.Name, node: node})
	}

	rc := &resolvedCall{
		call:      call,
		tool:      tool,
		spec:      tool.Spec(),
		args:      args,
		statement: statement,
		index:     r.calls,
	}
	r.calls++
	return rc, true, nil
}

func (r *run) resolveExpr(param string, e Expr, statement int) (*dataflow.DataNode, bool, error) {
	switch v := e.(type) {
	case *Literal:
		label := r.in.policies.Label(param, v.Value)
		node, err := r.graph.CreateSourceNode(v.Value,
			capability.Union(capability.New(capability.Literal), label.Grant),
			dataflow.SourceOptions{Origin: dataflow.OriginLiteral, RequiresSanitization: label.RequiresSanitization},
		)
		if err != nil {
			return nil, false, err
		}
		return node, true, nil

	case *VarRef:
		id, ok := r.vars[v.Name]
		if !ok {
			return nil, false, &ParseError{Line: v.At.Line, Col: v.At.Col, Msg: fmt.Sprintf("unknown variable %q", v.Name)}
		}
		node, err := r.graph.Resolve(id)
		if err != nil {
			return nil, false, err
		}
		return node, true, nil

	case *Call:
		rc, ok, err := r.resolveCall(v, statement)
		if err != nil || !ok {
			return nil, ok, err
		}
		if !r.authorize(rc) {
			return nil, false, nil
		}
		return r.execute(rc)

	default:
		return nil, false, fmt.Errorf("engine: unsupported expression %T", e)
	}
}

// authorize прогоняет политики. Отказ записывается в журнал, и запуск останавливается.
func (r *run) authorize(rc *resolvedCall) bool {
	_, span := r.in.tracer.Start(r.ctx, "policy.authorize", trace.WithAttributes(
		attribute.String("flowguard.tool", rc.spec.Name),
		attribute.Int("flowguard.statement", rc.statement),
	))
	defer span.End()

	params := make([]string, 0, len(rc.args))
	for _, a := range rc.args {
		params = append(params, a.param)
	}
	results := r.in.policies.Evaluate(policy.Input{
		Tool:      rc.spec.Name,
		Args:      rc.nodes(),
		Required:  policy.RequiredCapabilities(rc.spec, params),
		Sanitizer: rc.spec.Sanitizer,
	})
	if r.in.killSwitch.IsDisabled(rc.spec.Name) {
		r.in.metrics.ErrorTotal.WithLabelValues("kill_switch").Inc()
		results = append(results, policy.Result{
			Policy:   KillSwitchPolicy,
			Decision: domain.DecisionFail,
			Reason:   "tool disabled by operator",
		})
	}
	rc.results = results

	if policy.Authorized(results) {
		r.in.metrics.Decisions.WithLabelValues(rc.spec.Name, string(domain.DecisionPass)).Inc()
		span.SetAttributes(attribute.String("flowguard.decision", string(domain.DecisionPass)))
		return true
	}

	violated := policy.Violations(results)
	violation := &PolicyViolation{StatementIndex: rc.statement, Tool: rc.spec.Name, Policies: violated}
	r.in.metrics.Decisions.WithLabelValues(rc.spec.Name, string(domain.DecisionFail)).Inc()
	r.in.metrics.ErrorTotal.WithLabelValues("policy_violation").Inc()
	span.SetAttributes(attribute.String("flowguard.decision", string(domain.DecisionFail)))
	span.SetStatus(codes.Error, violation.Error())

	r.logger.Warn("call denied",
		zap.Int("statement", rc.statement),
		zap.String("tool", rc.spec.Name),
		zap.Strings("violated", violated),
	)
	r.appendEntry(Entry{
		StatementIndex:   rc.statement,
		CallIndex:        rc.index,
		Tool:             rc.spec.Name,
		Call:             rc.call.String(),
		Arguments:        rc.argumentIDs(),
		Decision:         domain.DecisionFail,
		ViolatedPolicies: violated,
		Policies:         results,
		Error:            violation.Error(),
		ErrorKind:        KindPolicyViolation,
	}, 0)
	r.halt = violation
	return false
}

// execute вызывает инструмент с сырыми значениями и оборачивает результат в производный узел.
// ok=false — инструмент упал, запуск остановлен; error — нарушение инвариантов графа.
func (r *run) execute(rc *resolvedCall) (*dataflow.DataNode, bool, error) {
	bindings := make([]dataflow.Binding, 0, len(rc.args))
	parents := make([]dataflow.NodeID, 0, len(rc.args))
	values := make(map[string]any, len(rc.args))
	for _, a := range rc.args {
		bindings = append(bindings, dataflow.Binding{Param: a.param, Node: a.node.ID()})
		parents = append(parents, a.node.ID())
		values[a.param] = a.node.Value()
	}
	callID, err := r.graph.AddCall(rc.spec.Name, bindings)
	if err != nil {
		r.in.metrics.ErrorTotal.WithLabelValues("graph").Inc()
		return nil, false, err
	}

	ctx, span := r.in.tracer.Start(r.ctx, "tool.invoke", trace.WithAttributes(
		attribute.String("flowguard.tool", rc.spec.Name),
		attribute.String("flowguard.call_id", string(callID)),
	))
	defer span.End()

	started := time.Now()
	simulated := r.mode == "SANDBOX"
	result, execErr := r.invoke(ctx, rc, values, simulated)
	elapsed := time.Since(started)

	entry := Entry{
		StatementIndex:   rc.statement,
		CallIndex:        rc.index,
		Tool:             rc.spec.Name,
		Call:             rc.call.String(),
		Arguments:        rc.argumentIDs(),
		Decision:         domain.DecisionPass,
		ViolatedPolicies: []string{},
		Policies:         rc.results,
		Executed:         !simulated,
		Simulated:        simulated,
	}

	if execErr != nil {
		toolErr := &ToolExecutionError{
			StatementIndex: rc.statement,
			Tool:           rc.spec.Name,
			Err:            execErr,
			Retryable:      isRetryable(execErr),
		}
		r.in.metrics.ErrorTotal.WithLabelValues("tool_error").Inc()
		span.RecordError(execErr)
		span.SetStatus(codes.Error, toolErr.Error())
		r.logger.Error("tool failed",
			zap.Int("statement", rc.statement),
			zap.String("tool", rc.spec.Name),
			zap.Bool("retryable", toolErr.Retryable),
			zap.Error(execErr),
		)
		entry.Error = toolErr.Error()
		entry.ErrorKind = KindToolError
		entry.Retryable = toolErr.Retryable
		r.appendEntry(entry, elapsed)
		r.halt = toolErr
		return nil, false, nil
	}

	node, err := r.graph.DeriveNode(dataflow.Derivation{
		Parents:   parents,
		Value:     result,
		Sanitizer: rc.spec.Sanitizer,
		Granted:   rc.spec.Grant(),
		Call:      callID,
	})
	if err != nil {
		r.in.metrics.ErrorTotal.WithLabelValues("graph").Inc()
		return nil, false, err
	}

	entry.ResultNode = node.ID()
	entry.Result = result
	r.appendEntry(entry, elapsed)
	r.logger.Debug("call executed",
		zap.Int("statement", rc.statement),
		zap.String("tool", rc.spec.Name),
		zap.String("node", string(node.ID())),
		zap.Strings("capabilities", node.Capabilities().Sorted()),
	)
	return node, true, nil
}

// invoke — вызов через Executor. Паника инструмента не роняет процесс, а становится его ошибкой.
func (r *run) invoke(ctx context.Context, rc *resolvedCall, values map[string]any, simulated bool) (result any, err error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("run deadline: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool panicked: %v", p)
		}
	}()
	if simulated {
		return SandboxExecutor{}.Execute(ctx, rc.tool, values)
	}
	return r.in.executor.Execute(ctx, rc.tool, values)
}

func (r *run) appendEntry(e Entry, elapsed time.Duration) {
	r.record.append(e)
	if r.in.auditor == nil {
		return
	}
	status := "SUCCESS"
	switch {
	case e.ErrorKind == KindPolicyViolation:
		status = "DENIED"
	case e.ErrorKind == KindToolError:
		status = "FAILED"
	case e.Simulated:
		status = "INTERCEPTED"
	}
	r.in.auditor.Log(audit.Event{
		ID:               uuid.New().String(),
		Kind:             audit.KindCall,
		TraceID:          TraceID(r.ctx),
		RunID:            r.id,
		StatementIndex:   e.StatementIndex,
		CallIndex:        e.CallIndex,
		Tool:             e.Tool,
		Call:             e.Call,
		Mode:             r.mode,
		Decision:         string(e.Decision),
		ViolatedPolicies: e.ViolatedPolicies,
		Status:           status,
		Response:         e.Result,
		Error:            e.Error,
		Retryable:        e.Retryable,
		DurationMs:       elapsed.Milliseconds(),
	})
}

func (r *run) logRun(out *Outcome) {
	if r.in.auditor == nil {
		return
	}
	ev := audit.Event{
		ID:         uuid.New().String(),
		Kind:       audit.KindRun,
		TraceID:    TraceID(r.ctx),
		RunID:      r.id,
		Mode:       r.mode,
		Status:     out.State.String(),
		Response:   out.Output,
		DurationMs: time.Since(r.start).Milliseconds(),
	}
	if out.Err != nil {
		ev.Error = out.Err.Error()
	}
	r.in.auditor.Log(ev)
}
