package store

import (
	"context"
	"errors"

	"github.com/miradorstack/mirador-pulse/internal/models"
)

// Sketch names used by the ingest gateway and fingerprint builder. The
// builder's feature contract reads a fixed subset of these; renaming a
// sketch invalidates persisted counters.
const (
	SketchEndpoints = "endpoint-frequency"
	SketchStatuses  = "status-codes"
	SketchLatency   = "response-times"
	SketchBusiness  = "business-metrics"
	SketchLogLevels = "log-levels"
)

// AlertChannel is the pub/sub channel alerts are published to.
const AlertChannel = "alerts"

// FingerprintStream is the ordered log fingerprints are appended to.
const FingerprintStream = "system-fingerprints"

// ErrUnavailable signals the backing store could not be reached. Callers
// treat it as retryable: the builder skips the tick, the gateway surfaces a
// retryable failure.
var ErrUnavailable = errors.New("telemetry store unavailable")

// ErrStaleSequence signals an append with a sequence id at or below the
// current log tail.
var ErrStaleSequence = errors.New("fingerprint sequence id not after log tail")

// Store is the approximate telemetry store the pipeline runs against. It
// bundles the four capabilities the core needs: frequency sketches, a
// membership filter over service-pair tokens, the append-only fingerprint
// log, and a one-way alert publish sink. Any backend offering these is
// substitutable.
type Store interface {
	// Increment adds delta to key's approximate count in the named sketch.
	// Individually atomic; concurrent callers may interleave freely.
	Increment(ctx context.Context, sketch, key string, delta uint64) error

	// Estimate returns approximate counts for keys in the named sketch.
	// Estimates never under-count; over-estimation is bounded by the
	// sketch's configured width and depth. Unknown keys report zero.
	Estimate(ctx context.Context, sketch string, keys ...string) ([]uint64, error)

	// AddPair records a service-pair interaction token in the membership
	// filter, reporting whether the token was not seen before.
	AddPair(ctx context.Context, pair string) (bool, error)

	// SeenPair probabilistically reports whether the pair was recorded.
	// False positives are possible within the filter's configured rate;
	// false negatives are not.
	SeenPair(ctx context.Context, pair string) (bool, error)

	// PairCount returns the approximate number of distinct pairs recorded.
	PairCount(ctx context.Context) (uint64, error)

	// AppendFingerprint appends an entry to the ordered fingerprint log.
	// Sequence ids must be strictly increasing.
	AppendFingerprint(ctx context.Context, fp models.Fingerprint) error

	// ReadFingerprints returns up to limit entries with sequence ids
	// strictly greater than afterSeq, in ascending sequence order.
	ReadFingerprints(ctx context.Context, afterSeq uint64, limit int) ([]models.Fingerprint, error)

	// RecentFingerprints returns up to limit entries, newest first.
	RecentFingerprints(ctx context.Context, limit int) ([]models.Fingerprint, error)

	// LastSequence returns the sequence id at the log tail, zero when the
	// log is empty.
	LastSequence(ctx context.Context) (uint64, error)

	// PublishAlert sends an alert to the pub/sub channel. Fire-and-forget
	// from the pipeline's perspective; delivery to subscribers is not
	// acknowledged.
	PublishAlert(ctx context.Context, alert models.AlertEvent) error

	Ping(ctx context.Context) error
	Close() error
}
