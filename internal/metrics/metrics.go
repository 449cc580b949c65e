// Package metrics содержит метрики Prometheus сервиса выкупа.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics собирает счётчики исходов операций и задержки вызовов коммерческой системы.
type Metrics struct {
	outcomes       *prometheus.CounterVec
	partialCommits *prometheus.CounterVec
	commerceCalls  *prometheus.HistogramVec
}

// New регистрирует метрики в registry.
func New(registry prometheus.Registerer) *Metrics {
	f := promauto.With(registry)

	return &Metrics{
		outcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "redemption_operations_total",
				Help: "The total number of handled operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		partialCommits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "redemption_partial_commits_total",
				Help: "Commerce-side successes whose local record could not be persisted",
			},
			[]string{"kind"},
		),
		commerceCalls: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "redemption_commerce_request_duration_seconds",
				Help:    "Commerce backend request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op", "result"},
		),
	}
}

// Outcome учитывает исход операции (success или вид ошибки).
func (m *Metrics) Outcome(operation, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(operation, outcome).Inc()
}

// PartialCommit учитывает расхождение между коммерческой системой и хранилищем.
func (m *Metrics) PartialCommit(kind string) {
	if m == nil {
		return
	}
	m.partialCommits.WithLabelValues(kind).Inc()
}

// ObserveCommerce учитывает длительность запроса к коммерческой системе.
func (m *Metrics) ObserveCommerce(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commerceCalls.WithLabelValues(op, result).Observe(d.Seconds())
}
