package models

import "time"

// EventKind discriminates the payload shapes accepted at the ingest boundary.
type EventKind string

const (
	KindMetric   EventKind = "metric"
	KindBusiness EventKind = "business"
	KindLog      EventKind = "log"
	KindBatch    EventKind = "batch"
)

// MetricEvent is a single request-level observation from a producer.
// Events are folded into the approximate store and never persisted verbatim.
type MetricEvent struct {
	Service        string    `json:"service"`
	SourceService  string    `json:"source_service,omitempty"`
	Endpoint       string    `json:"endpoint"`
	StatusCode     int       `json:"status_code"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	Timestamp      time.Time `json:"timestamp,omitempty"`
}

// BusinessMetricEvent carries a business KPI sample.
type BusinessMetricEvent struct {
	Name          string    `json:"name"`
	Value         float64   `json:"value"`
	ExpectedRange []float64 `json:"expected_range,omitempty"`
	Timestamp     time.Time `json:"timestamp,omitempty"`
}

// LogEvent carries a log-derived signal.
type LogEvent struct {
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Service   string            `json:"service"`
	Context   map[string]string `json:"context,omitempty"`
	Timestamp time.Time         `json:"timestamp,omitempty"`
}

// Envelope is the tagged union handed to the ingest gateway. Exactly one of
// the payload fields matching Kind is expected to be set.
type Envelope struct {
	Kind     EventKind            `json:"kind"`
	Metric   *MetricEvent         `json:"metric,omitempty"`
	Business *BusinessMetricEvent `json:"business,omitempty"`
	Log      *LogEvent            `json:"log,omitempty"`
	Batch    []Envelope           `json:"batch,omitempty"`
}

// Severity captures anomaly impact levels.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ModelState reports whether the scorer has a fitted model.
type ModelState string

const (
	ModelUntrained ModelState = "untrained"
	ModelTrained   ModelState = "trained"
)

// AnomalyEvent is produced by the scorer for every fingerprint scored after
// training completes. Anomalous marks scores beyond the model threshold.
type AnomalyEvent struct {
	ID            string    `json:"id"`
	FingerprintID uint64    `json:"fingerprint_id"`
	Score         float64   `json:"score"`
	Severity      Severity  `json:"severity"`
	Cause         string    `json:"cause"`
	Anomalous     bool      `json:"anomalous"`
	Gap           bool      `json:"gap,omitempty"`
	Published     bool      `json:"published"`
	Timestamp     time.Time `json:"timestamp"`
}

// AlertEvent is the wire shape published to the alert channel. Timestamp is
// epoch milliseconds to match the channel's established message format.
type AlertEvent struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}
