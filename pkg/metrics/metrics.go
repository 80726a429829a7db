// Package metrics собирает метрики движка сессий и отдает их в формате Prometheus.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector собирает метрики сервисов и сессий.
//
// Prometheus метрики регистрируются в собственном реестре, а не в глобальном,
// поэтому в одном процессе можно держать несколько стеков.
// Все методы безопасны для nil и выключенного сборщика.
type Collector struct {
	registry *prometheus.Registry

	sessionsActive     *prometheus.GaugeVec
	sessionsTotal      *prometheus.CounterVec
	terminalEvents     *prometheus.CounterVec
	admissionRejected  *prometheus.CounterVec
	setupDuration      *prometheus.HistogramVec
	transactionsTotal  *prometheus.CounterVec
	recoveries         *prometheus.CounterVec
	inboundRateLimited prometheus.Counter
	inboundRequests    *prometheus.CounterVec

	// счетчики для внутренней диагностики
	totalSessions   atomic.Int64
	totalRejections atomic.Int64
	totalFailures   atomic.Int64
	totalRecoveries atomic.Int64

	enabled bool
}

// Config конфигурация сборщика
type Config struct {
	Enabled   bool
	Namespace string
	// WithRuntime добавляет стандартные метрики процесса и Go runtime
	WithRuntime bool
}

// DefaultConfig конфигурация по умолчанию
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Namespace:   "rcs",
		WithRuntime: true,
	}
}

// New создает сборщик
func New(cfg Config) *Collector {
	if !cfg.Enabled {
		return &Collector{enabled: false}
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		enabled:  true,
	}
	if cfg.WithRuntime {
		c.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	c.init(cfg.Namespace)
	return c
}

func (c *Collector) init(namespace string) {
	factory := promauto.With(c.registry)

	c.sessionsActive = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "sessions_active",
		Help:      "Количество живых сессий в реестре",
	}, []string{"service", "registry"})

	c.sessionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "created_total",
		Help:      "Количество созданных сессий",
	}, []string{"kind", "direction"})

	c.terminalEvents = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "terminal_events_total",
		Help:      "Количество завершающих событий сессий",
	}, []string{"kind", "event", "reason"})

	c.admissionRejected = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "rejected_total",
		Help:      "Количество отказов контроля допуска",
	}, []string{"kind", "reason"})

	c.setupDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "setup_duration_seconds",
		Help:      "Время от создания сессии до события Started",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"kind", "direction"})

	c.transactionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signaling",
		Name:      "transactions_total",
		Help:      "Количество клиентских транзакций по методу и классу ответа",
	}, []string{"method", "class"})

	c.recoveries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "recoveries_total",
		Help:      "Количество перехваченных паник",
	}, []string{"component"})

	c.inboundRateLimited = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "rate_limited_total",
		Help:      "Количество входящих INVITE, отклоненных ограничителем частоты",
	})

	c.inboundRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "requests_total",
		Help:      "Количество входящих запросов по методу и маршруту",
	}, []string{"method", "route"})
}

func (c *Collector) on() bool {
	return c != nil && c.enabled
}

// Registry реестр Prometheus сборщика, nil если сборщик выключен
func (c *Collector) Registry() *prometheus.Registry {
	if !c.on() {
		return nil
	}
	return c.registry
}

// Handler HTTP обработчик для /metrics
func (c *Collector) Handler() http.Handler {
	if !c.on() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RegistryChanged обновляет размер реестра сервиса
func (c *Collector) RegistryChanged(service, registry string, count int) {
	if !c.on() {
		return
	}
	c.sessionsActive.WithLabelValues(service, registry).Set(float64(count))
}

// SessionCreated учитывает созданную сессию
func (c *Collector) SessionCreated(kind, direction string) {
	if !c.on() {
		return
	}
	c.totalSessions.Add(1)
	c.sessionsTotal.WithLabelValues(kind, direction).Inc()
}

// SessionStarted учитывает время установления сессии
func (c *Collector) SessionStarted(kind, direction string, setup time.Duration) {
	if !c.on() {
		return
	}
	c.setupDuration.WithLabelValues(kind, direction).Observe(setup.Seconds())
}

// SessionTerminated учитывает завершающее событие сессии
func (c *Collector) SessionTerminated(kind, event, reason string) {
	if !c.on() {
		return
	}
	if event == "failed" {
		c.totalFailures.Add(1)
	}
	c.terminalEvents.WithLabelValues(kind, event, reason).Inc()
}

// AdmissionRejected учитывает отказ контроля допуска
func (c *Collector) AdmissionRejected(kind, reason string) {
	if !c.on() {
		return
	}
	c.totalRejections.Add(1)
	c.admissionRejected.WithLabelValues(kind, reason).Inc()
}

// TransactionCompleted учитывает клиентскую транзакцию.
// statusCode 0 означает таймаут или ошибку транспорта.
func (c *Collector) TransactionCompleted(method string, statusCode int) {
	if !c.on() {
		return
	}
	c.transactionsTotal.WithLabelValues(method, statusClass(statusCode)).Inc()
}

// RateLimited учитывает отклоненный ограничителем INVITE
func (c *Collector) RateLimited() {
	if !c.on() {
		return
	}
	c.inboundRateLimited.Inc()
}

// RequestRouted учитывает входящий запрос и выбранный маршрут
func (c *Collector) RequestRouted(method, route string) {
	if !c.on() {
		return
	}
	c.inboundRequests.WithLabelValues(method, route).Inc()
}

// Recovery учитывает перехваченную панику
func (c *Collector) Recovery(component string) {
	if !c.on() {
		return
	}
	c.totalRecoveries.Add(1)
	c.recoveries.WithLabelValues(component).Inc()
}

// PerformanceCounters возвращает внутренние счетчики
func (c *Collector) PerformanceCounters() map[string]int64 {
	if !c.on() {
		return map[string]int64{}
	}
	return map[string]int64{
		"total_sessions":   c.totalSessions.Load(),
		"total_rejections": c.totalRejections.Load(),
		"total_failures":   c.totalFailures.Load(),
		"total_recoveries": c.totalRecoveries.Load(),
	}
}

func statusClass(code int) string {
	switch {
	case code <= 0:
		return "timeout"
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	case code < 600:
		return "5xx"
	default:
		return "6xx"
	}
}
