package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "campus_license"

var (
	// OperationsTotal counts lifecycle operations by outcome ("ok" or an error code).
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Lifecycle operations by operation and outcome.",
	}, []string{"operation", "outcome"})

	// ValidationsTotal counts validation results by path (online/offline).
	ValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "validations_total",
		Help:      "License validations by path and result.",
	}, []string{"path", "result"})

	// FeatureChecksTotal records feature usage checks.
	FeatureChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feature_checks_total",
		Help:      "Feature entitlement checks by feature and result.",
	}, []string{"feature", "result"})

	// SweepLicenses reports the state counts of the most recent sweep.
	SweepLicenses = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sweep",
		Name:      "licenses",
		Help:      "Licenses seen by the last expiry sweep, by state.",
	}, []string{"state"})

	// SweepDuration tracks expiry sweep latency.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sweep",
		Name:      "duration_seconds",
		Help:      "Expiry sweep duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// EffectsDroppedTotal counts side effects discarded because a queue was full or closed.
	EffectsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "effects",
		Name:      "dropped_total",
		Help:      "Side effects dropped before delivery, by queue.",
	}, []string{"queue"})

	// EffectDeliveriesTotal counts side effect delivery outcomes.
	EffectDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "effects",
		Name:      "deliveries_total",
		Help:      "Side effect deliveries by queue and outcome.",
	}, []string{"queue", "outcome"})
)

// RecordOperation increments OperationsTotal.
func RecordOperation(operation, outcome string) {
	OperationsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordValidation increments ValidationsTotal.
func RecordValidation(path string, valid bool) {
	result := "invalid"
	if valid {
		result = "valid"
	}
	ValidationsTotal.WithLabelValues(path, result).Inc()
}

// RecordFeatureCheck increments FeatureChecksTotal.
func RecordFeatureCheck(feature string, allowed bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	FeatureChecksTotal.WithLabelValues(feature, result).Inc()
}
