// Package metrics holds the prometheus collectors for access decisions,
// workflow transitions, notifications and reconciliation passes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "grantoor"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	posts         *prometheus.CounterVec
	submissions   *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	notifications *prometheus.CounterVec
	passes        *prometheus.CounterVec
	passDuration  *prometheus.HistogramVec
	expired       prometheus.Counter
	lapsed        prometheus.Counter
	cleaned       prometheus.Counter
}

// New registers the collectors with registry. A nil registry yields a nil
// *Metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		return nil
	}

	factory := promauto.With(registry)

	return &Metrics{
		posts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "post_evaluations_total",
			Help:      "Post attempts evaluated, by result",
		}, []string{"result"}),
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_requests_total",
			Help:      "Access requests handled, by outcome",
		}, []string{"outcome"}),
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Administrator decisions, by action and whether they applied",
		}, []string{"action", "applied"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Outbound notifications, by status",
		}, []string{"status"}),
		passes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_passes_total",
			Help:      "Reconciliation passes, by loop and status",
		}, []string{"loop", "status"}),
		passDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_pass_duration_seconds",
			Help:      "Duration of reconciliation passes",
			Buckets:   prometheus.DefBuckets,
		}, []string{"loop"}),
		expired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grants_expired_total",
			Help:      "Grants removed by the expiry sweep",
		}),
		lapsed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_lapsed_total",
			Help:      "Pending requests closed without a decision",
		}),
		cleaned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_cleaned_total",
			Help:      "Decided requests removed by retention",
		}),
	}
}

// ObservePost counts one post evaluation.
func (m *Metrics) ObservePost(result string) {
	if m == nil {
		return
	}

	m.posts.WithLabelValues(result).Inc()
}

// ObserveSubmission counts one access request outcome.
func (m *Metrics) ObserveSubmission(outcome string) {
	if m == nil {
		return
	}

	m.submissions.WithLabelValues(outcome).Inc()
}

// ObserveDecision counts one administrator decision.
func (m *Metrics) ObserveDecision(action string, applied bool) {
	if m == nil {
		return
	}

	label := "false"
	if applied {
		label = "true"
	}

	m.decisions.WithLabelValues(action, label).Inc()
}

// ObserveNotification counts one delivery attempt.
func (m *Metrics) ObserveNotification(err error) {
	if m == nil {
		return
	}

	status := "delivered"
	if err != nil {
		status = "failed"
	}

	m.notifications.WithLabelValues(status).Inc()
}

// ObservePass records the outcome and duration of a scheduler pass.
func (m *Metrics) ObservePass(loop string, seconds float64, err error) {
	if m == nil {
		return
	}

	status := "ok"
	if err != nil {
		status = "error"
	}

	m.passes.WithLabelValues(loop, status).Inc()
	m.passDuration.WithLabelValues(loop).Observe(seconds)
}

// AddExpired counts grants removed by the sweep.
func (m *Metrics) AddExpired(n int) {
	if m == nil || n <= 0 {
		return
	}

	m.expired.Add(float64(n))
}

// AddLapsed counts pending requests closed by the cleanup pass.
func (m *Metrics) AddLapsed(n int) {
	if m == nil || n <= 0 {
		return
	}

	m.lapsed.Add(float64(n))
}

// AddCleaned counts decided requests removed by retention.
func (m *Metrics) AddCleaned(n int64) {
	if m == nil || n <= 0 {
		return
	}

	m.cleaned.Add(float64(n))
}
