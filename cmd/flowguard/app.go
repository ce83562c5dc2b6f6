package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-flowguard/internal/audit"
	"github.com/xela07ax/spaceai-flowguard/internal/connectors"
	"github.com/xela07ax/spaceai-flowguard/internal/engine"
	"github.com/xela07ax/spaceai-flowguard/internal/infra"
	"github.com/xela07ax/spaceai-flowguard/internal/policy"
	"github.com/xela07ax/spaceai-flowguard/internal/risk"
)

// app — собранное ядро со всеми фоновыми ресурсами.
type app struct {
	cfg      *infra.Config
	logger   *zap.Logger
	tools    *connectors.Registry
	policies *policy.Engine
	mock     *connectors.MockSystems
	gateway  *engine.Gateway
	pool     *engine.Pool
	registry *prometheus.Registry
	executor *engine.ReliabilityWrapper

	rdb     *redis.Client
	auditor *audit.AgentFS
	metrics *http.Server
	cancel  context.CancelFunc
}

// newApp собирает ядро по конфигурации. Порядок как при старте шлюза:
// ресурсы -> менеджеры управления -> надежность -> метрики -> ядро.
func newApp(ctx context.Context, cfg *infra.Config, logger *zap.Logger, planner engine.Planner) (*app, error) {
	appCtx, cancel := context.WithCancel(ctx)
	a := &app{cfg: cfg, logger: logger, cancel: cancel}

	// 1. Инфраструктура и ресурсы
	if cfg.Redis.Addr != "" {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(appCtx, 3*time.Second)
		err := a.rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
	}

	analyzer, err := risk.NewAnalyzer(cfg.Security.InjectionPatterns, cfg.Security.MaxQueryLength, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.mock = connectors.NewMockSystems(analyzer, nil)
	a.tools, err = connectors.NewRegistry(a.mock.Tools()...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("register tools: %w", err)
	}

	a.policies, err = buildPolicies(cfg.Security, analyzer, a.tools, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	// Метрики
	a.registry = prometheus.NewRegistry()
	metrics := engine.NewMetrics(a.registry)

	// Аудит: всегда в лог, при наличии Redis — ещё и в поток
	storage := audit.MultiStorage{audit.NewLogStorage(logger)}
	if a.rdb != nil {
		storage = append(storage, audit.NewRedisStreamStorage(a.rdb, cfg.Redis.Stream, infra.RedisStreamAuditMaxLenApprox))
	}
	a.auditor = audit.NewAgentFS(storage, logger, audit.Options{
		BufferSize:    cfg.Engine.AuditBufferSize,
		FlushInterval: cfg.Engine.AuditFlushInterval,
		BufferFill:    metrics.AuditBufferFill,
	})
	a.auditor.Start()

	// 2. Control Plane
	ks := engine.NewKillSwitch(a.rdb, logger)
	if err := ks.Init(appCtx, cfg.Engine.DisabledTools); err != nil {
		a.Close()
		return nil, fmt.Errorf("init kill switch: %w", err)
	}
	if a.rdb != nil {
		go ks.StartListener(appCtx)
	}

	// 3. Execution Layer (Исполнение + Надежность)
	a.executor = engine.NewReliabilityWrapper(reliabilityConfig(cfg.Engine), metrics, logger)

	// 4. Core
	interp, err := engine.NewInterpreter(a.policies, a.tools,
		engine.WithExecutor(a.executor),
		engine.WithSandboxMode(cfg.Engine.Sandbox),
		engine.WithKillSwitch(ks),
		engine.WithAuditor(a.auditor),
		engine.WithMetrics(metrics),
		engine.WithLogger(logger),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.gateway = engine.NewGateway(interp, planner, logger)
	a.pool = engine.NewPool(a.gateway, cfg.Engine.Workers)

	// Экспортируем метрики для Prometheus
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		a.metrics = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics endpoint started", zap.String("addr", cfg.Metrics.Addr))
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	return a, nil
}

// buildPolicies регистрирует встроенные политики, схемы аргументов и правила из конфигурации,
// после чего набор замораживается.
func buildPolicies(sec infra.SecurityConfig, analyzer *risk.Analyzer, tools *connectors.Registry, logger *zap.Logger) (*policy.Engine, error) {
	b := policy.NewBuilder(logger)

	regs := []policy.Registration{
		policy.CapabilitySufficiency(),
		policy.EmailDomain(policy.EmailDomainConfig{Domains: sec.TrustedDomains, Tools: sec.EmailTools}),
		policy.ContentSanitization(analyzer, sec.SanitizationTools),
		policy.Attachment(sec.ForbiddenExtensions, sec.EmailTools),
	}
	for _, spec := range tools.Specs() {
		if spec.Schema == "" {
			continue
		}
		reg, err := policy.ArgumentSchema(spec.Name, spec.Schema)
		if err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	for _, rule := range sec.Rules {
		reg, err := policy.Expression(rule)
		if err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}

	for _, r := range regs {
		if err := b.Register(r); err != nil {
			return nil, err
		}
	}
	return b.Freeze(), nil
}

func reliabilityConfig(c infra.EngineConfig) engine.ReliabilityConfig {
	return engine.ReliabilityConfig{
		RateLimit:          c.RateLimit,
		RateBurst:          c.RateBurst,
		RetryAttempts:      c.RetryAttempts,
		RetryDelay:         c.RetryDelay,
		CBMaxRequests:      c.CBMaxRequests,
		CBInterval:         c.CBInterval,
		CBTimeout:          c.CBTimeout,
		CBFailureThreshold: c.CBFailureThreshold,
		ToolTimeout:        c.ToolTimeout,
	}
}

// Close останавливает слушателей, дописывает аудит и закрывает соединения.
func (a *app) Close() {
	a.cancel()
	if a.metrics != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.metrics.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("metrics shutdown failed", zap.Error(err))
		}
		shutdownCancel()
	}
	if a.auditor != nil {
		a.auditor.Stop()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}
