package models

import "time"

// Fingerprint is a fixed-dimension numeric snapshot of aggregated system
// behaviour at a point in time. Immutable once appended to the log; the
// vector length is fixed for the lifetime of a trained model generation.
type Fingerprint struct {
	SequenceID uint64    `json:"sequence_id"`
	Timestamp  time.Time `json:"timestamp"`
	Vector     []float64 `json:"vector"`
}
