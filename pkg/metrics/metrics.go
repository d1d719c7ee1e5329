package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the checkout service collectors.
type Metrics struct {
	ProviderCalls    *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	StepTransitions  *prometheus.CounterVec
	CheckoutOutcomes *prometheus.CounterVec
	Reconciliations  *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPLatency      *prometheus.HistogramVec
}

// New registers collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_provider_calls_total",
			Help: "Calls to external providers by provider, operation and result.",
		}, []string{"provider", "operation", "result"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "checkout_provider_call_duration_seconds",
			Help:    "Latency of external provider calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "operation"}),
		StepTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_step_transitions_total",
			Help: "Checkout step transitions.",
		}, []string{"from", "to"}),
		CheckoutOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_completions_total",
			Help: "Completion attempts by outcome.",
		}, []string{"outcome"}),
		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_reconciliation_records_total",
			Help: "Records written for manual reconciliation.",
		}, []string{"reason"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "checkout_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ProviderCalls, m.ProviderLatency, m.StepTransitions,
			m.CheckoutOutcomes, m.Reconciliations, m.HTTPRequests, m.HTTPLatency,
		)
	}
	return m
}

// ObserveProvider records one provider call. Safe on a nil receiver.
func (m *Metrics) ObserveProvider(provider, operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ProviderCalls.WithLabelValues(provider, operation, result).Inc()
	m.ProviderLatency.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.StepTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Outcome(outcome string) {
	if m == nil {
		return
	}
	m.CheckoutOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Reconciliation(reason string) {
	if m == nil {
		return
	}
	m.Reconciliations.WithLabelValues(reason).Inc()
}
