// Package metrics expone contadores Prometheus del ciclo de vida de sesiones.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"session-lifecycle/internal/domain"
)

const namespace = "sessions"

// Metrics agrupa los colectores. Un *Metrics nil es valido y no registra nada.
type Metrics struct {
	created          prometheus.Counter
	invalidated      *prometheus.CounterVec
	logWriteFailures prometheus.Counter
	degraded         prometheus.Counter
	sweepRuns        prometheus.Counter
	sweepReclaimed   prometheus.Counter
	sweepReconciled  prometheus.Counter
	refreshes        *prometheus.CounterVec
}

// New crea y registra los colectores en reg. Cada instancia usa su propio
// registry para que varias puedan convivir en tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "created_total",
			Help:      "Sessions created.",
		}),
		invalidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidated_total",
			Help:      "Sessions invalidated, by reason.",
		}, []string{"reason"}),
		logWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_write_failures_total",
			Help:      "Durable log write attempts that failed.",
		}),
		degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_degraded_total",
			Help:      "Session writes left cache-only after retries were exhausted.",
		}),
		sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Completed expiry sweeps.",
		}),
		sweepReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_reclaimed_total",
			Help:      "Sessions invalidated as expired by the sweep.",
		}),
		sweepReconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_reconciled_total",
			Help:      "Durable log rows refreshed from a newer cache copy.",
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "Token refresh requests, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.created,
			m.invalidated,
			m.logWriteFailures,
			m.degraded,
			m.sweepRuns,
			m.sweepReclaimed,
			m.sweepReconciled,
			m.refreshes,
		)
	}
	return m
}

// NewRegistry crea un registry con los colectores de proceso y runtime de Go.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler sirve el registry en formato de exposicion Prometheus.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.created.Inc()
}

func (m *Metrics) SessionInvalidated(reason domain.InvalidationReason) {
	if m == nil {
		return
	}
	m.invalidated.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) LogWriteFailed() {
	if m == nil {
		return
	}
	m.logWriteFailures.Inc()
}

func (m *Metrics) LogDegraded() {
	if m == nil {
		return
	}
	m.degraded.Inc()
}

func (m *Metrics) SweepCompleted(reclaimed, reconciled int) {
	if m == nil {
		return
	}
	m.sweepRuns.Inc()
	m.sweepReclaimed.Add(float64(reclaimed))
	m.sweepReconciled.Add(float64(reconciled))
}

func (m *Metrics) TokenRefresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}
