package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	resultOK    = "ok"
	resultError = "error"
)

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	eventsPublished   *prometheus.CounterVec
	outboxRelayed     prometheus.Counter
	commandsHandled   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sales",
			Name:      "operations_total",
			Help:      "Sale service operations by name and result.",
		}, []string{"operation", "result"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sales",
			Name:      "operation_duration_seconds",
			Help:      "Sale service operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sales",
			Name:      "events_published_total",
			Help:      "Domain events handed to the broker by type and result.",
		}, []string{"event_type", "result"}),
		outboxRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sales",
			Name:      "outbox_relayed_total",
			Help:      "Outbox entries republished by the relay.",
		}),
		commandsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sales",
			Name:      "commands_handled_total",
			Help:      "Commands consumed from the broker by type and result.",
		}, []string{"command", "result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.operations,
		m.operationDuration,
		m.eventsPublished,
		m.outboxRelayed,
		m.commandsHandled,
	)
	return m
}

func result(err error) string {
	if err != nil {
		return resultError
	}
	return resultOK
}

// ObserveOperation records one service call that started at start.
func (m *Metrics) ObserveOperation(operation string, start time.Time, err error) {
	m.operations.WithLabelValues(operation, result(err)).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) EventPublished(eventType string, err error) {
	m.eventsPublished.WithLabelValues(eventType, result(err)).Inc()
}

func (m *Metrics) OutboxRelayed(n int) {
	m.outboxRelayed.Add(float64(n))
}

func (m *Metrics) CommandHandled(command string, err error) {
	m.commandsHandled.WithLabelValues(command, result(err)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
