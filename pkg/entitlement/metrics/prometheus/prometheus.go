// Package prommetrics implements entitlement.Metrics with Prometheus collectors.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/mindcare/pkg/entitlement"
)

// Metrics implements entitlement.Metrics using Prometheus.
type Metrics struct {
	checksTotal                *prometheus.CounterVec
	usageTotal                 *prometheus.CounterVec
	usageAmount                *prometheus.HistogramVec
	resetsTotal                *prometheus.CounterVec
	persistDuration            prometheus.Histogram
	persistErrors              prometheus.Counter
	stateLoadsTotal            *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		checksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_checks_total",
			Help:      "Total number of usage limit checks.",
		}, []string{"feature", "tier", "allowed"}),

		usageTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_tracked_total",
			Help:      "Total number of usage tracking calls.",
		}, []string{"feature", "tier", "accepted"}),

		usageAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "usage_tracked_amount",
			Help:      "Distribution of tracked usage amounts.",
			Buckets:   []float64{1, 2, 5, 10, 15, 30, 60},
		}, []string{"feature", "tier"}),

		resetsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "daily_resets_total",
			Help:      "Total number of daily counter resets.",
		}, []string{"trigger"}),

		persistDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_duration_seconds",
			Help:      "Latency of durable usage writes.",
			Buckets:   prometheus.DefBuckets,
		}),

		persistErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Total number of failed durable usage writes.",
		}),

		stateLoadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_loads_total",
			Help:      "Total number of usage state loads by outcome.",
		}, []string{"outcome"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordCheck(feature entitlement.Feature, tier entitlement.Tier, allowed bool) {
	m.checksTotal.WithLabelValues(string(feature), string(tier), strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) RecordUsage(feature entitlement.Feature, tier entitlement.Tier, amount int, accepted bool) {
	m.usageTotal.WithLabelValues(string(feature), string(tier), strconv.FormatBool(accepted)).Inc()
	if accepted {
		m.usageAmount.WithLabelValues(string(feature), string(tier)).Observe(float64(amount))
	}
}

func (m *Metrics) RecordReset(trigger string) {
	m.resetsTotal.WithLabelValues(trigger).Inc()
}

func (m *Metrics) RecordPersistence(duration time.Duration, err error) {
	m.persistDuration.Observe(duration.Seconds())
	if err != nil {
		m.persistErrors.Inc()
	}
}

func (m *Metrics) RecordStateLoad(outcome string) {
	m.stateLoadsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
