package manager

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/callstate/pkg/call"
)

// Причины отклонения событий для rejected_events_total
const (
	rejectIllegal     = "illegal_transition"
	rejectTerminating = "already_terminating"
	rejectUnknown     = "unknown_call"
)

// MetricsCollector метрики менеджера звонков.
//
// Каждый менеджер регистрирует метрики в собственном prometheus.Registry,
// поэтому несколько менеджеров в одном процессе не конфликтуют.
// Выключенный коллектор принимает вызовы и ничего не делает.
type MetricsCollector struct {
	enabled  bool
	registry *prometheus.Registry

	callsTotal       *prometheus.CounterVec
	callsActive      prometheus.Gauge
	callsEnded       *prometheus.CounterVec
	callDuration     prometheus.Histogram
	transitionsTotal *prometheus.CounterVec
	rejectedTotal    *prometheus.CounterVec
	directivesTotal  *prometheus.CounterVec
	queueDepth       prometheus.Gauge
}

// NewMetricsCollector создает сборщик метрик
func NewMetricsCollector(cfg MetricsConfig) *MetricsCollector {
	if !cfg.Enabled {
		return &MetricsCollector{enabled: false}
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	ns, sub := cfg.Namespace, cfg.Subsystem

	return &MetricsCollector{
		enabled:  true,
		registry: reg,

		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "calls_total",
			Help:      "Total number of calls created",
		}, []string{"direction"}),

		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "calls_active",
			Help:      "Number of calls not yet terminating",
		}),

		callsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "calls_ended_total",
			Help:      "Total number of calls that reached Terminating, by end reason",
		}, []string{"reason"}),

		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "call_duration_seconds",
			Help:      "Time from call creation to Terminating",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 1800, 3600},
		}),

		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "transitions_total",
			Help:      "Total number of accepted state transitions",
		}, []string{"from", "to", "event"}),

		rejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "rejected_events_total",
			Help:      "Total number of rejected events",
		}, []string{"reason"}),

		directivesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "directives_total",
			Help:      "Total number of delivered directives by result",
		}, []string{"kind", "result"}),

		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "directive_queue_depth",
			Help:      "Directives waiting for delivery",
		}),
	}
}

// Registry возвращает реестр для экспорта (nil, если метрики выключены)
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	return mc.registry
}

// CallCreated новый звонок
func (mc *MetricsCollector) CallCreated(direction call.Direction) {
	if !mc.enabled {
		return
	}
	mc.callsTotal.WithLabelValues(direction.String()).Inc()
	mc.callsActive.Inc()
}

// CallEnded звонок перешел в Terminating
func (mc *MetricsCollector) CallEnded(reason call.EndReason, lifetime time.Duration) {
	if !mc.enabled {
		return
	}
	mc.callsActive.Dec()
	mc.callsEnded.WithLabelValues(reason.String()).Inc()
	mc.callDuration.Observe(lifetime.Seconds())
}

// Transition принятый переход
func (mc *MetricsCollector) Transition(from, to call.State, event call.EventType) {
	if !mc.enabled {
		return
	}
	mc.transitionsTotal.WithLabelValues(from.String(), to.String(), event.String()).Inc()
}

// Rejected отклоненное событие
func (mc *MetricsCollector) Rejected(reason string) {
	if !mc.enabled {
		return
	}
	mc.rejectedTotal.WithLabelValues(reason).Inc()
}

// Directive результат доставки директивы
func (mc *MetricsCollector) Directive(kind call.DirectiveKind, result string) {
	if !mc.enabled {
		return
	}
	mc.directivesTotal.WithLabelValues(kind.String(), result).Inc()
}

// QueueDepth изменение глубины очереди директив
func (mc *MetricsCollector) QueueDepth(delta int) {
	if !mc.enabled {
		return
	}
	mc.queueDepth.Add(float64(delta))
}
