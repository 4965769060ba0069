package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics — Prometheus метрики сервиса.
//
// Все методы безопасны для nil: компоненты, созданные без метрик
// (например, в тестах), просто ничего не записывают.
type Metrics struct {
	runsTotal         *prometheus.CounterVec
	tasksTotal        *prometheus.CounterVec
	agentDuration     *prometheus.HistogramVec
	ordersTotal       *prometheus.CounterVec
	positionContracts *prometheus.GaugeVec
	limiterWait       prometheus.Histogram
	httpRequests      *prometheus.CounterVec
}

// NewMetrics регистрирует метрики в reg.
// nil reg — prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signalflow_runs_total",
			Help: "Finished runs by terminal status",
		}, []string{"status"}),
		tasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signalflow_tasks_total",
			Help: "Finished stage attempts by capability and status",
		}, []string{"capability", "status"}),
		agentDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signalflow_agent_duration_seconds",
			Help:    "Agent execution time",
			Buckets: prometheus.DefBuckets,
		}, []string{"capability"}),
		ordersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signalflow_orders_total",
			Help: "Signal submissions by execution outcome",
		}, []string{"outcome"}),
		positionContracts: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signalflow_position_contracts",
			Help: "Net YES-equivalent contracts per market",
		}, []string{"market"}),
		limiterWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "signalflow_limiter_wait_seconds",
			Help:    "Time spent waiting for the venue rate limiter",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signalflow_http_requests_total",
			Help: "HTTP API requests by route and status code",
		}, []string{"route", "code"}),
	}
}

// RunFinished учитывает завершённый run.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
}

// TaskFinished учитывает завершённую попытку стадии.
func (m *Metrics) TaskFinished(capability, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(capability, status).Inc()
	m.agentDuration.WithLabelValues(capability).Observe(d.Seconds())
}

// OrderOutcome учитывает результат исполнения сигнала.
func (m *Metrics) OrderOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ordersTotal.WithLabelValues(outcome).Inc()
}

// SetPosition выставляет текущую позицию по рынку.
func (m *Metrics) SetPosition(market string, net int64) {
	if m == nil {
		return
	}
	m.positionContracts.WithLabelValues(market).Set(float64(net))
}

// LimiterWaited учитывает ожидание rate limiter.
func (m *Metrics) LimiterWaited(d time.Duration) {
	if m == nil {
		return
	}
	m.limiterWait.Observe(d.Seconds())
}

// HTTPRequest учитывает запрос к API.
func (m *Metrics) HTTPRequest(route, code string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, code).Inc()
}
