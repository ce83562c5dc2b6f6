package dataflow

import "github.com/xela07ax/spaceai-flowguard/internal/capability"

// View — граф только для чтения. Отдаётся наружу после запуска: узлы и вызовы
// можно смотреть и трассировать, но не создавать. Нулевое значение — пустой граф.
type View struct {
	g *Graph
}

func (g *Graph) ReadOnly() View { return View{g: g} }

func (v View) Resolve(id NodeID) (*DataNode, error) {
	if v.g == nil {
		return nil, &UnknownNodeError{ID: id}
	}
	return v.g.Resolve(id)
}

func (v View) CapabilitiesOf(id NodeID) (capability.Set, error) {
	if v.g == nil {
		return nil, &UnknownNodeError{ID: id}
	}
	return v.g.CapabilitiesOf(id)
}

func (v View) Lineage(id NodeID) ([]LineageEntry, error) {
	if v.g == nil {
		return nil, &UnknownNodeError{ID: id}
	}
	return v.g.Lineage(id)
}

func (v View) Nodes() []NodeView {
	if v.g == nil {
		return nil
	}
	return v.g.Nodes()
}

func (v View) Calls() []CallVertex {
	if v.g == nil {
		return nil
	}
	return v.g.Calls()
}

func (v View) Len() int {
	if v.g == nil {
		return 0
	}
	return v.g.Len()
}

func (v View) Validate() error {
	if v.g == nil {
		return nil
	}
	return v.g.Validate()
}
