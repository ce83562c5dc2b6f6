package connectors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/xela07ax/spaceai-flowguard/internal/domain"
)

// Tool — контракт внешнего инструмента: декларация требований + вызов с сырыми значениями.
type Tool interface {
	Spec() domain.ToolSpec
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// Func — инструмент из функции.
type Func struct {
	spec domain.ToolSpec
	fn   func(ctx context.Context, args map[string]any) (any, error)
}

func NewFunc(spec domain.ToolSpec, fn func(ctx context.Context, args map[string]any) (any, error)) *Func {
	return &Func{spec: spec, fn: fn}
}

func (f *Func) Spec() domain.ToolSpec { return f.spec }

func (f *Func) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return f.fn(ctx, args)
}

// Registry — явный реестр инструментов по имени. Никакой рефлексии: только lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(t Tool) error {
	if t == nil {
		return errors.New("connectors: nil tool")
	}
	name := t.Spec().Name
	if name == "" {
		return errors.New("connectors: tool without name")
	}
	spec := t.Spec()
	if spec.Grants != "" && !spec.Sanitizer {
		return fmt.Errorf("connectors: tool %q grants %q but is not a sanitizer", name, spec.Grants)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("connectors: tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has — для парсера: существует ли инструмент с таким именем.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Specs — декларации всех инструментов в алфавитном порядке.
func (r *Registry) Specs() []domain.ToolSpec {
	names := r.Names()
	out := make([]domain.ToolSpec, 0, len(names))
	for _, n := range names {
		t, _ := r.Lookup(n)
		out = append(out, t.Spec())
	}
	return out
}
