// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	NotificationsGenerated *prometheus.CounterVec
	RemindersSent          prometheus.Counter
	Confirmations          *prometheus.CounterVec
	Escalations            prometheus.Counter
	AlertsExhausted        prometheus.Counter
	AlertsVoided           prometheus.Counter
	Decisions              *prometheus.CounterVec
	QueueDepth             *prometheus.GaugeVec
}

// New registers the engine collectors on reg. Pass a fresh
// prometheus.NewRegistry() in tests to keep them isolated.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		NotificationsGenerated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "adhera_notifications_generated_total",
			Help: "Notifications produced by the schedule generator",
		}, []string{"kind"}),
		RemindersSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "adhera_reminders_sent_total",
			Help: "Reminders marked as sent",
		}),
		Confirmations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "adhera_alert_confirmations_total",
			Help: "Alert confirmations by timing tier",
		}, []string{"tier"}),
		Escalations: factory.NewCounter(prometheus.CounterOpts{
			Name: "adhera_alert_escalations_total",
			Help: "Successor alerts created after a timeout",
		}),
		AlertsExhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "adhera_alerts_exhausted_total",
			Help: "Alerts that timed out on the final attempt",
		}),
		AlertsVoided: factory.NewCounter(prometheus.CounterOpts{
			Name: "adhera_alerts_voided_total",
			Help: "Pending alerts voided by treatment cancellation or modification",
		}),
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "adhera_adherence_decisions_total",
			Help: "Adherence evaluator decisions",
		}, []string{"decision"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "adhera_queue_depth",
			Help: "Pending notifications per treatment queue",
		}, []string{"treatment_id"}),
	}
}

// NewNop returns metrics backed by a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
