package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeAccepted labels events folded into the store.
	OutcomeAccepted = "accepted"
	// OutcomeRejected labels events failing validation.
	OutcomeRejected = "rejected"
	// OutcomeFailed labels events the store refused.
	OutcomeFailed = "failed"

	// OutcomePublished labels alerts that reached the channel.
	OutcomePublished = "published"
	// OutcomeSuppressed labels alerts held back by the suppression window.
	OutcomeSuppressed = "suppressed"
	// OutcomeDropped labels alerts dropped after publish retries.
	OutcomeDropped = "dropped"
)

var (
	ingestEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_pulse",
			Name:      "ingest_events_total",
			Help:      "Ingested events partitioned by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	fingerprintsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mirador_pulse",
			Name:      "fingerprints_total",
			Help:      "Fingerprints appended to the ordered log.",
		},
	)

	droppedTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mirador_pulse",
			Name:      "builder_dropped_ticks_total",
			Help:      "Builder ticks dropped after snapshot or append failures.",
		},
	)

	anomalyScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mirador_pulse",
			Name:      "anomaly_score",
			Help:      "Distribution of fingerprint anomaly scores.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_pulse",
			Name:      "alerts_total",
			Help:      "Anomaly events handled by the dispatcher, by outcome.",
		},
		[]string{"outcome"},
	)

	retrainsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_pulse",
			Name:      "retrains_total",
			Help:      "Model retraining attempts, by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register attaches the pulse collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		ingestEventsTotal,
		fingerprintsTotal,
		droppedTicksTotal,
		anomalyScore,
		alertsTotal,
		retrainsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveIngest records an ingest outcome for the given event kind.
func ObserveIngest(kind, outcome string) {
	ingestEventsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveFingerprint records a successful append.
func ObserveFingerprint() {
	fingerprintsTotal.Inc()
}

// ObserveDroppedTick records a dropped builder tick.
func ObserveDroppedTick() {
	droppedTicksTotal.Inc()
}

// ObserveScore records an anomaly score.
func ObserveScore(score float64) {
	anomalyScore.Observe(score)
}

// ObserveAlert records a dispatcher outcome.
func ObserveAlert(outcome string) {
	alertsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRetrain records a retraining attempt outcome.
func ObserveRetrain(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	retrainsTotal.WithLabelValues(outcome).Inc()
}
