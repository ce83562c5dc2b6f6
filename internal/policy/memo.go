package policy

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrFrozen — попытка регистрации после перехода в фазу исполнения.
var ErrFrozen = errors.New("policy: registry is frozen")

// PolicyNameCollisionError — политика с таким именем уже зарегистрирована.
type PolicyNameCollisionError struct {
	Name string
}

func (e *PolicyNameCollisionError) Error() string {
	return fmt.Sprintf("policy: name %q already registered", e.Name)
}

// Builder — фаза сборки набора политик. Регистрация происходит один раз при старте процесса;
// Freeze переводит набор в неизменяемый Engine. Фазы не пересекаются во времени.
type Builder struct {
	mu     sync.Mutex
	frozen bool
	regs   []Registration
	names  map[string]struct{}
	logger *zap.Logger
}

func NewBuilder(logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		names:  make(map[string]struct{}),
		logger: logger.Named("policy"),
	}
}

// Register добавляет политику в набор процесса.
func (b *Builder) Register(r Registration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frozen {
		return ErrFrozen
	}
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return errors.New("policy: empty name")
	}
	if r.Predicate == nil && r.Labeler == nil {
		return fmt.Errorf("policy %q: neither predicate nor labeler set", r.Name)
	}
	if _, exists := b.names[r.Name]; exists {
		return &PolicyNameCollisionError{Name: r.Name}
	}

	r.Tools = append([]string(nil), r.Tools...)
	b.names[r.Name] = struct{}{}
	b.regs = append(b.regs, r)

	b.logger.Info("policy registered",
		zap.String("policy", r.Name),
		zap.Strings("tools", r.Tools),
		zap.Bool("labeler", r.Labeler != nil),
	)
	return nil
}

// Freeze закрывает фазу регистрации и возвращает read-only Engine.
// Повторный вызов возвращает эквивалентный Engine; дальнейшие Register вернут ErrFrozen.
func (b *Builder) Freeze() *Engine {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frozen = true

	e := &Engine{
		policies: append([]Registration(nil), b.regs...),
		logger:   b.logger,
	}
	for i, r := range e.policies {
		if r.Labeler != nil {
			e.labelers = append(e.labelers, i)
		}
	}

	b.logger.Info("policy registry frozen", zap.Int("count", len(e.policies)))
	return e
}
