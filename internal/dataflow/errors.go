package dataflow

import "fmt"

// Ошибки построения графа — нарушения внутренних инвариантов.
// Они означают баг планировщика или интерпретатора и фатальны для текущего плана.

type DuplicateIDError struct {
	ID NodeID
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("dataflow: duplicate node id %q", e.ID)
}

type UnknownNodeError struct {
	ID NodeID
}

func (e *UnknownNodeError) Error() string {
	return fmt.Sprintf("dataflow: unknown node %q", e.ID)
}

// CycleError возникает, когда вывод ссылается на ещё не созданный узел.
// Топологический порядок гарантируется построением, а не пост-проверкой.
type CycleError struct {
	Node   NodeID
	Parent NodeID
}

func (e *CycleError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("dataflow: derivation references node %q that does not exist yet", e.Parent)
	}
	return fmt.Sprintf("dataflow: edge %q -> %q breaks topological order", e.Parent, e.Node)
}
