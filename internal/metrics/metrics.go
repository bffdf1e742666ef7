// Package metrics содержит Prometheus-метрики выдачи ваучеров и фоновых задач.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vouchermart"

// Metrics объединяет счётчики сервиса. Нулевой указатель допустим и ничего не записывает.
type Metrics struct {
	paymentCompletions   *prometheus.CounterVec
	credentialsAllocated prometheus.Counter
	allocationFailures   *prometheus.CounterVec
	sweeperRuns          *prometheus.CounterVec
	sweeperActions       *prometheus.CounterVec
	sweeperDuration      *prometheus.HistogramVec
}

// New создаёт метрики и регистрирует их в reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		paymentCompletions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payment_completions_total",
				Help:      "Total payment completions by outcome",
			},
			[]string{"outcome"},
		),
		credentialsAllocated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credentials_allocated_total",
				Help:      "Total credentials assigned to orders",
			},
		),
		allocationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "allocation_failures_total",
				Help:      "Total failed allocation attempts by reason",
			},
			[]string{"reason"},
		),
		sweeperRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweeper",
				Name:      "runs_total",
				Help:      "Total background sweep runs",
			},
			[]string{"job"},
		),
		sweeperActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweeper",
				Name:      "actions_total",
				Help:      "Total per-order sweep results",
			},
			[]string{"job", "result"},
		),
		sweeperDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sweeper",
				Name:      "duration_seconds",
				Help:      "Background sweep run duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"job"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.paymentCompletions,
			m.credentialsAllocated,
			m.allocationFailures,
			m.sweeperRuns,
			m.sweeperActions,
			m.sweeperDuration,
		)
	}
	return m
}

// PaymentCompleted учитывает результат обработки подтверждения оплаты.
func (m *Metrics) PaymentCompleted(outcome string) {
	if m == nil {
		return
	}
	m.paymentCompletions.WithLabelValues(outcome).Inc()
}

// CredentialsAllocated учитывает выданные ваучеры.
func (m *Metrics) CredentialsAllocated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.credentialsAllocated.Add(float64(n))
}

// AllocationFailed учитывает неудачную попытку выдачи.
func (m *Metrics) AllocationFailed(reason string) {
	if m == nil {
		return
	}
	m.allocationFailures.WithLabelValues(reason).Inc()
}

// SweepFinished учитывает завершённый проход фоновой задачи.
func (m *Metrics) SweepFinished(job string, started time.Time) {
	if m == nil {
		return
	}
	m.sweeperRuns.WithLabelValues(job).Inc()
	m.sweeperDuration.WithLabelValues(job).Observe(time.Since(started).Seconds())
}

// SweepAction учитывает результат обработки одного заказа фоновой задачей.
func (m *Metrics) SweepAction(job, result string) {
	if m == nil {
		return
	}
	m.sweeperActions.WithLabelValues(job, result).Inc()
}
