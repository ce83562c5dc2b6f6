package audit

/*
AgentFS — асинхронный сборщик журнала аудита.

- Non-blocking Logging: интерпретатор только кладёт событие в буферизованный канал,
  задержки хранилища не влияют на исполнение плана.
- Batching: события копятся и пишутся пачкой по таймеру или по достижении лимита.
- Load Shedding: при переполнении буфера событие не блокирует вызывающего,
  а уходит в лог с уровнем Error.
- Drain Pattern: Stop закрывает вход, воркер вычитывает остатки и делает финальный flush.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически будут сохраняться события
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []Event) error
}

type Auditor interface {
	Log(event Event)
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	// BufferFill — необязательный gauge заполненности буфера (backpressure)
	BufferFill prometheus.Gauge
}

type AgentFS struct {
	ch       chan Event
	repo     StorageInterface
	logger   *zap.Logger
	opts     Options
	wg       sync.WaitGroup
	isClosed int32 // Атомарный флаг (0 - открыт, 1 - закрыт)
	closeMu  sync.RWMutex
}

func NewAgentFS(repo StorageInterface, logger *zap.Logger, opts Options) *AgentFS {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentFS{
		ch:     make(chan Event, opts.BufferSize),
		repo:   repo,
		logger: logger.With(zap.String("mod", "agentfs")),
		opts:   opts,
	}
}

func (fs *AgentFS) Start() {
	fs.wg.Add(1)
	go fs.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (fs *AgentFS) Stop() {
	fs.closeMu.Lock()
	if !atomic.CompareAndSwapInt32(&fs.isClosed, 0, 1) {
		fs.closeMu.Unlock()
		return
	}
	fs.logger.Info("stopping auditor: closing channel and flushing buffer...")
	close(fs.ch) // Новые события больше не принимаются
	fs.closeMu.Unlock()

	fs.wg.Wait() // Ждем, пока воркер вычитает остатки и вызовет flush()
	fs.logger.Info("auditor stopped gracefully")
}

func (fs *AgentFS) Log(event Event) {
	// Убеждаемся, что таймстемп всегда проставлен
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// RLock не даёт Stop закрыть канал между проверкой флага и отправкой
	fs.closeMu.RLock()
	defer fs.closeMu.RUnlock()
	if atomic.LoadInt32(&fs.isClosed) == 1 {
		fs.logger.Warn("audit event dropped: auditor is stopping", zap.String("id", event.ID))
		return
	}

	// Load Shedding
	select {
	case fs.ch <- event:
		if fs.opts.BufferFill != nil {
			fs.opts.BufferFill.Set(float64(len(fs.ch)))
		}
	default:
		fs.logger.Error("audit_buffer_overflow",
			zap.String("run_id", event.RunID),
			zap.String("trace_id", event.TraceID),
			zap.String("tool", event.Tool),
		)
	}
}

func (fs *AgentFS) worker() {
	defer fs.wg.Done()

	batch := make([]Event, 0, fs.opts.BatchSize)
	ticker := time.NewTicker(fs.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст может быть уже закрыт
		if err := fs.repo.WriteBatch(context.Background(), batch); err != nil {
			fs.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = make([]Event, 0, fs.opts.BatchSize)
		if fs.opts.BufferFill != nil {
			fs.opts.BufferFill.Set(float64(len(fs.ch)))
		}
	}

	for {
		select {
		case event, ok := <-fs.ch:
			if !ok {
				// Канал закрыт в Stop(): остатки уже вычитаны, делаем финальный сброс
				flush()
				fs.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= fs.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
