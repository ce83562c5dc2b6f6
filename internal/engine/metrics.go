package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Решения авторизации по инструментам
	Decisions *prometheus.CounterVec

	// Итоги запусков: completed, halted, rejected (ошибка разбора/графа)
	PlanOutcomes *prometheus.CounterVec

	// Latency вызова инструмента (включая ретраи)
	ToolDuration *prometheus.HistogramVec

	// Errors: классификация отказов
	ErrorTotal *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker по инструменту (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - если реестр не передан, используем локальный, никуда не подключенный
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		Decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_decisions_total",
			Help: "Authorization decisions per tool.",
		}, []string{"tool", "decision"}),

		PlanOutcomes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_plans_total",
			Help: "Plan runs by final state.",
		}, []string{"state"}),

		ToolDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowguard_tool_duration_seconds",
			Help:    "Histogram of tool invocation latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"tool", "status"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "flowguard_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}), // типы: parse, graph, policy_violation, tool_error, kill_switch

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowguard_circuit_breaker_state",
			Help: "Current state of the per-tool circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"tool"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "flowguard_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}
