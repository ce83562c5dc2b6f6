package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/spaceai-flowguard/internal/connectors"
)

// Executor — единственная точка, где интерпретатор касается внешнего мира.
type Executor interface {
	Execute(ctx context.Context, tool connectors.Tool, args map[string]any) (any, error)
}

// ReliabilityConfig — параметры обвязки вызова инструмента.
type ReliabilityConfig struct {
	RateLimit          float64 // вызовов в секунду на весь процесс
	RateBurst          int
	RetryAttempts      uint
	RetryDelay         time.Duration
	CBMaxRequests      uint32
	CBInterval         time.Duration
	CBTimeout          time.Duration // через сколько breaker попробует "закрыться"
	CBFailureThreshold uint32        // открываемся, если ошибок подряд больше этого числа
	ToolTimeout        time.Duration
}

func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		RateLimit:          100,
		RateBurst:          20,
		RetryAttempts:      3,
		RetryDelay:         100 * time.Millisecond,
		CBMaxRequests:      3,
		CBInterval:         5 * time.Second,
		CBTimeout:          30 * time.Second,
		CBFailureThreshold: 5,
		ToolTimeout:        10 * time.Second,
	}
}

// ReliabilityWrapper: rate limiter -> circuit breaker (свой на каждый инструмент) -> retry -> timeout.
// Повторяются только временные сбои: ошибка бизнес-логики инструмента повторно не вызывается.
type ReliabilityWrapper struct {
	cfg      ReliabilityConfig
	limiter  *rate.Limiter
	metrics  *Metrics
	logger   *zap.Logger
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewReliabilityWrapper(cfg ReliabilityConfig, metrics *Metrics, logger *zap.Logger) *ReliabilityWrapper {
	def := DefaultReliabilityConfig()
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	// retry-go трактует 0 попыток как "бесконечно"
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = def.ToolTimeout
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReliabilityWrapper{
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		metrics:  metrics,
		logger:   logger.With(zap.String("mod", "reliability")),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (w *ReliabilityWrapper) breaker(tool string) *gobreaker.CircuitBreaker {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cb, ok := w.breakers[tool]; ok {
		return cb
	}
	threshold := w.cfg.CBFailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        tool,
		MaxRequests: w.cfg.CBMaxRequests,
		Interval:    w.cfg.CBInterval,
		Timeout:     w.cfg.CBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			w.logger.Warn("circuit breaker state changed",
				zap.String("tool", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	w.metrics.CircuitBreakerState.WithLabelValues(tool).Set(float64(gobreaker.StateClosed))
	w.breakers[tool] = cb
	return cb
}

// BreakerState — текущее состояние breaker-а инструмента (closed, если вызовов ещё не было).
func (w *ReliabilityWrapper) BreakerState(tool string) gobreaker.State {
	w.mu.Lock()
	cb, ok := w.breakers[tool]
	w.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

func (w *ReliabilityWrapper) Execute(ctx context.Context, tool connectors.Tool, args map[string]any) (any, error) {
	name := tool.Spec().Name

	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		w.metrics.ErrorTotal.WithLabelValues("rate_limit").Inc()
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	start := time.Now()

	// 2. Circuit Breaker
	res, err := w.breaker(name).Execute(func() (interface{}, error) {
		var out any
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.cfg.RetryAttempts),
			retry.Delay(w.cfg.RetryDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(connectors.IsRetryable),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Инструмент сам сказал, сколько ждать
				var tErr *connectors.ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.cfg.ToolTimeout)
			defer cancel()

			var callErr error
			out, callErr = tool.Invoke(tCtx, args)
			return callErr
		})
		return out, retryErr
	})

	status := "success"
	if err != nil {
		status = "error"
	}
	w.metrics.ToolDuration.WithLabelValues(name, status).Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, err
	}
	return res, nil
}

// isRetryable — временный ли сбой: throttling, transient или breaker не пропустил вызов.
func isRetryable(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	return connectors.IsRetryable(err)
}

// SandboxExecutor ничего не вызывает: возвращает имитацию ответа.
// Авторизация при этом проходит полностью, так что журнал показывает, что было бы исполнено.
type SandboxExecutor struct{}

func (SandboxExecutor) Execute(_ context.Context, tool connectors.Tool, args map[string]any) (any, error) {
	return map[string]any{
		"status":  "simulated_success",
		"tool":    tool.Spec().Name,
		"details": "Action captured in sandbox mode, no real impact made.",
		"args":    len(args),
	}, nil
}
