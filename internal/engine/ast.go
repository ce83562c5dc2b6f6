package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Position — место в тексте плана (1-based).
type Position struct {
	Line int `json:"line"`
	Col  int `json:"col"`
}

// Expr — аргумент вызова: Literal | VarRef | *Call.
type Expr interface {
	Pos() Position
	String() string
	expr()
}

// Literal — строка, int64, float64 или bool.
type Literal struct {
	Value any
	At    Position
}

// VarRef — ссылка на ранее связанное имя (или именованный вход запуска).
type VarRef struct {
	Name string
	At   Position
}

// Arg — именованный аргумент вызова.
type Arg struct {
	Name  string
	Value Expr
	At    Position
}

// Call — вызов инструмента. Аргументы хранятся в порядке записи:
// в этом же порядке они и вычисляются.
type Call struct {
	Tool string
	Args []Arg
	At   Position
}

func (l *Literal) Pos() Position { return l.At }
func (v *VarRef) Pos() Position  { return v.At }
func (c *Call) Pos() Position    { return c.At }

func (*Literal) expr() {}
func (*VarRef) expr()  {}
func (*Call) expr()    {}

func (l *Literal) String() string {
	switch v := l.Value.(type) {
	case string:
		return strconv.Quote(v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func (v *VarRef) String() string { return v.Name }

func (c *Call) String() string {
	var b strings.Builder
	b.WriteString(c.Tool)
	b.WriteByte('(')
	for i, a := range c.Args {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(a.Name)
		b.WriteByte('=')
		b.WriteString(a.Value.String())
	}
	b.WriteByte(')')
	return b.String()
}

// Statement — одна строка плана: `name = call(...)` или `call(...)`.
type Statement struct {
	Index  int
	Target string // пусто для голого вызова
	Call   *Call
	Line   int
}

func (s Statement) String() string {
	if s.Target == "" {
		return s.Call.String()
	}
	return s.Target + " = " + s.Call.String()
}

type Plan struct {
	Statements []Statement
}
