package dataflow

/*
Граф потока данных одного запуска плана.

Каждое значение, проходящее через план, — это DataNode с неизменяемым набором
capabilities и списком родителей (provenance). Вызовы инструментов — отдельные
вершины (CallVertex) с рёбрами "узел -> вызов" (вход) и "вызов -> узел" (выход).

Ацикличность обеспечивается построением: у каждого узла и вызова есть
порядковый номер из общего монотонного счётчика, а ребро можно провести только
от уже существующей вершины. Validate() перепроверяет это свойство.
*/

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-flowguard/internal/capability"
)

type NodeID string

type CallID string

// Стандартные значения Origin для узлов.
const (
	OriginInput   = "input"
	OriginLiteral = "literal"
)

// DataNode — одно значение плана. Поля закрыты: после создания узел не меняется,
// новые capabilities появляются только у производного узла.
type DataNode struct {
	id                   NodeID
	value                any
	caps                 capability.Set
	provenance           []NodeID
	origin               string
	requiresSanitization bool
	producedBy           CallID
	seq                  uint64
}

func (n *DataNode) ID() NodeID { return n.id }

func (n *DataNode) Value() any { return n.value }

// Capabilities возвращает копию множества, чтобы вызывающий не мог его изменить.
func (n *DataNode) Capabilities() capability.Set { return n.caps.Clone() }

func (n *DataNode) Has(c capability.Capability) bool { return n.caps.Has(c) }

// Provenance — упорядоченный список родителей (пустой у источников).
func (n *DataNode) Provenance() []NodeID {
	out := make([]NodeID, len(n.provenance))
	copy(out, n.provenance)
	return out
}

func (n *DataNode) Origin() string { return n.origin }

// RequiresSanitization — узел помечен сканером инъекций и должен пройти через санитайзер.
func (n *DataNode) RequiresSanitization() bool { return n.requiresSanitization }

func (n *DataNode) ProducedBy() CallID { return n.producedBy }

func (n *DataNode) IsSource() bool { return len(n.provenance) == 0 && n.producedBy == "" }

// NodeView — сериализуемый снимок узла для слоя представления.
type NodeView struct {
	ID                   NodeID   `json:"id"`
	Value                any      `json:"value"`
	Capabilities         []string `json:"capabilities"`
	Provenance           []NodeID `json:"provenance"`
	Origin               string   `json:"origin"`
	RequiresSanitization bool     `json:"requires_sanitization,omitempty"`
	ProducedBy           CallID   `json:"produced_by,omitempty"`
}

func (n *DataNode) View() NodeView {
	return NodeView{
		ID:                   n.id,
		Value:                n.value,
		Capabilities:         n.caps.Sorted(),
		Provenance:           n.Provenance(),
		Origin:               n.origin,
		RequiresSanitization: n.requiresSanitization,
		ProducedBy:           n.producedBy,
	}
}

// Binding связывает параметр вызова с узлом-аргументом.
type Binding struct {
	Param string `json:"param"`
	Node  NodeID `json:"node"`
}

// CallVertex — вершина вызова инструмента.
type CallVertex struct {
	ID     CallID    `json:"id"`
	Tool   string    `json:"tool"`
	Inputs []Binding `json:"inputs"`
	Output NodeID    `json:"output,omitempty"`
	seq    uint64
}

// SourceOptions уточняет создание узла-источника.
type SourceOptions struct {
	ID                   NodeID // пустой — сгенерировать
	Origin               string
	RequiresSanitization bool
}

// Derivation описывает вывод нового узла из существующих.
type Derivation struct {
	Parents   []NodeID
	Value     any
	Sanitizer bool
	Granted   capability.Capability // только для санитайзеров; по умолчанию capability.Sanitized
	Call      CallID                // вызов, результатом которого является узел
	Origin    string
}

type Graph struct {
	mu        sync.RWMutex
	seq       uint64
	nodes     map[NodeID]*DataNode
	order     []NodeID
	calls     map[CallID]*CallVertex
	callOrder []CallID
	logger    *zap.Logger
}

func NewGraph(logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		nodes:  make(map[NodeID]*DataNode),
		calls:  make(map[CallID]*CallVertex),
		logger: logger.Named("dataflow"),
	}
}

// CreateSourceNode — единственная точка входа для значений с границы доверия
// (сырой запрос пользователя, литералы плана).
func (g *Graph) CreateSourceNode(value any, caps capability.Set, opts SourceOptions) (*DataNode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := opts.ID
	if id != "" {
		if _, exists := g.nodes[id]; exists {
			return nil, &DuplicateIDError{ID: id}
		}
	}

	g.seq++
	if id == "" {
		id = g.nextNodeID()
	}
	origin := opts.Origin
	if origin == "" {
		origin = OriginInput
	}

	n := &DataNode{
		id:                   id,
		value:                value,
		caps:                 caps.Clone(),
		origin:               origin,
		requiresSanitization: opts.RequiresSanitization,
		seq:                  g.seq,
	}
	g.nodes[id] = n
	g.order = append(g.order, id)

	g.logger.Debug("source node created",
		zap.String("id", string(id)),
		zap.String("origin", origin),
		zap.Strings("capabilities", n.caps.Sorted()),
		zap.Bool("requires_sanitization", n.requiresSanitization),
	)
	return n, nil
}

// DeriveNode создаёт производный узел. Capabilities = пересечение родителей;
// санитайзер дополнительно добавляет явно выданную метку и снимает пометку санитизации.
func (g *Graph) DeriveNode(d Derivation) (*DataNode, error) {
	if d.Granted != "" && !d.Sanitizer {
		return nil, fmt.Errorf("dataflow: capability %q can only be granted by a sanitizer", d.Granted)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	parentCaps := make([]capability.Set, 0, len(d.Parents))
	tainted := false
	for _, pid := range d.Parents {
		p, ok := g.nodes[pid]
		if !ok {
			return nil, &CycleError{Parent: pid}
		}
		parentCaps = append(parentCaps, p.caps)
		tainted = tainted || p.requiresSanitization
	}

	var call *CallVertex
	if d.Call != "" {
		c, ok := g.calls[d.Call]
		if !ok {
			return nil, fmt.Errorf("dataflow: unknown call %q", d.Call)
		}
		if c.Output != "" {
			return nil, fmt.Errorf("dataflow: call %q already has output %q", c.ID, c.Output)
		}
		call = c
	}

	caps := capability.IntersectAll(parentCaps...)
	if d.Sanitizer {
		granted := d.Granted
		if granted == "" {
			granted = capability.Sanitized
		}
		caps = caps.With(granted)
		tainted = false
	}

	g.seq++
	id := g.nextNodeID()
	origin := d.Origin
	if origin == "" && call != nil {
		origin = "tool:" + call.Tool
	}

	provenance := make([]NodeID, len(d.Parents))
	copy(provenance, d.Parents)

	n := &DataNode{
		id:                   id,
		value:                d.Value,
		caps:                 caps,
		provenance:           provenance,
		origin:               origin,
		requiresSanitization: tainted,
		producedBy:           d.Call,
		seq:                  g.seq,
	}
	g.nodes[id] = n
	g.order = append(g.order, id)
	if call != nil {
		call.Output = id
	}

	g.logger.Debug("derived node created",
		zap.String("id", string(id)),
		zap.Int("parents", len(provenance)),
		zap.Bool("sanitizer", d.Sanitizer),
		zap.Strings("capabilities", caps.Sorted()),
	)
	return n, nil
}

// AddCall регистрирует вершину вызова и рёбра "узел -> вызов".
func (g *Graph) AddCall(tool string, inputs []Binding) (CallID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, in := range inputs {
		if _, ok := g.nodes[in.Node]; !ok {
			return "", &CycleError{Parent: in.Node}
		}
	}

	g.seq++
	id := CallID(fmt.Sprintf("c%d", g.seq))
	bindings := make([]Binding, len(inputs))
	copy(bindings, inputs)
	g.calls[id] = &CallVertex{ID: id, Tool: tool, Inputs: bindings, seq: g.seq}
	g.callOrder = append(g.callOrder, id)
	return id, nil
}

func (g *Graph) Resolve(id NodeID) (*DataNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, &UnknownNodeError{ID: id}
	}
	return n, nil
}

func (g *Graph) CapabilitiesOf(id NodeID) (capability.Set, error) {
	n, err := g.Resolve(id)
	if err != nil {
		return nil, err
	}
	return n.Capabilities(), nil
}

// Nodes — снимок узлов в порядке создания.
func (g *Graph) Nodes() []NodeView {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]NodeView, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id].View())
	}
	return out
}

// Calls — снимок вершин вызовов в порядке создания.
func (g *Graph) Calls() []CallVertex {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]CallVertex, 0, len(g.callOrder))
	for _, id := range g.callOrder {
		c := *g.calls[id]
		c.Inputs = append([]Binding(nil), c.Inputs...)
		out = append(out, c)
	}
	return out
}

func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// LineageEntry — один шаг трассировки происхождения.
type LineageEntry struct {
	Node NodeView `json:"node"`
	Path []NodeID `json:"path"` // цепочка от запрошенного узла до текущего (не включая его)
}

// Lineage обходит provenance в глубину до источников. Каждый узел попадает в результат один раз.
func (g *Graph) Lineage(id NodeID) ([]LineageEntry, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[id]; !ok {
		return nil, &UnknownNodeError{ID: id}
	}

	var out []LineageEntry
	visited := make(map[NodeID]bool)
	var walk func(cur NodeID, path []NodeID)
	walk = func(cur NodeID, path []NodeID) {
		if visited[cur] {
			return
		}
		visited[cur] = true
		n := g.nodes[cur]
		out = append(out, LineageEntry{Node: n.View(), Path: append([]NodeID(nil), path...)})
		for _, p := range n.provenance {
			walk(p, append(path, cur))
		}
	}
	walk(id, nil)
	return out, nil
}

// Validate перепроверяет ацикличность: каждое ребро идёт от более ранней вершины к более поздней.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, id := range g.order {
		n := g.nodes[id]
		for _, pid := range n.provenance {
			p, ok := g.nodes[pid]
			if !ok {
				return &UnknownNodeError{ID: pid}
			}
			if p.seq >= n.seq {
				return &CycleError{Node: id, Parent: pid}
			}
		}
	}
	for _, cid := range g.callOrder {
		c := g.calls[cid]
		for _, in := range c.Inputs {
			n, ok := g.nodes[in.Node]
			if !ok {
				return &UnknownNodeError{ID: in.Node}
			}
			if n.seq >= c.seq {
				return &CycleError{Node: NodeID(cid), Parent: in.Node}
			}
		}
		if c.Output != "" {
			out, ok := g.nodes[c.Output]
			if !ok {
				return &UnknownNodeError{ID: c.Output}
			}
			if out.seq <= c.seq {
				return &CycleError{Node: c.Output, Parent: NodeID(cid)}
			}
		}
	}
	return nil
}

// nextNodeID выдаёт "n<seq>", пропуская id, уже занятые явно заданными источниками.
func (g *Graph) nextNodeID() NodeID {
	id := NodeID(fmt.Sprintf("n%d", g.seq))
	for suffix := 1; ; suffix++ {
		if _, taken := g.nodes[id]; !taken {
			return id
		}
		id = NodeID(fmt.Sprintf("n%d_%d", g.seq, suffix))
	}
}
