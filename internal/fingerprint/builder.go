// Package fingerprint periodically condenses the approximate counters into
// fixed-dimension feature vectors and appends them to the ordered log.
package fingerprint

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miradorstack/mirador-pulse/internal/config"
	"github.com/miradorstack/mirador-pulse/internal/metrics"
	"github.com/miradorstack/mirador-pulse/internal/models"
	"github.com/miradorstack/mirador-pulse/internal/store"
)

// Builder runs one snapshot-then-append cycle per tick. The feature key set
// is fixed at construction; changing it changes vector dimensionality and
// requires the model to retrain.
type Builder struct {
	logger   *slog.Logger
	store    store.Store
	features config.FeatureConfig
	interval time.Duration
	retries  int

	inFlight atomic.Bool
	seq      atomic.Uint64
	seeded   atomic.Bool
	dropped  atomic.Uint64
	lastTick atomic.Int64

	mu              sync.Mutex
	prevEndpoint    []uint64
	prevStatus      []uint64
	pendingEndpoint []uint64
	pendingStatus   []uint64
}

// NewBuilder constructs a Builder. Tick scheduling starts with Run.
func NewBuilder(logger *slog.Logger, st store.Store, features config.FeatureConfig, cfg config.BuilderConfig) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	retries := cfg.AppendRetries
	if retries <= 0 {
		retries = 3
	}
	return &Builder{
		logger:       logger,
		store:        st,
		features:     features,
		interval:     cfg.TickInterval,
		retries:      retries,
		prevEndpoint: make([]uint64, len(features.Endpoints)),
		prevStatus:   make([]uint64, len(features.Statuses)),
	}
}

// Run drives the periodic tick loop until ctx is cancelled. Ticks that would
// overlap a still-running predecessor are skipped, not queued.
func (b *Builder) Run(ctx context.Context) {
	b.seedSequence(ctx)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !b.inFlight.CompareAndSwap(false, true) {
				b.logger.Debug("builder tick still in flight, skipping")
				continue
			}
			go func() {
				defer b.inFlight.Store(false)
				b.tick(ctx)
			}()
		}
	}
}

// seedSequence recovers the sequence counter from the persisted log tail so
// ids stay strictly increasing across restarts. A store outage here is not
// fatal: seeding is retried before the first append.
func (b *Builder) seedSequence(ctx context.Context) {
	if b.seeded.Load() {
		return
	}
	last, err := b.store.LastSequence(ctx)
	if err != nil {
		b.logger.Warn("could not recover last sequence id", slog.Any("error", err))
		return
	}
	b.seq.Store(last)
	b.seeded.Store(true)
}

func (b *Builder) tick(ctx context.Context) {
	b.seedSequence(ctx)
	if !b.seeded.Load() {
		b.logger.Warn("sequence not yet recovered, skipping tick")
		return
	}

	vector, ok := b.snapshot(ctx)
	if !ok {
		// Store unreachable: skip the tick entirely, retry next period.
		return
	}

	fp := models.Fingerprint{
		SequenceID: b.seq.Add(1),
		Timestamp:  time.Now().UTC(),
		Vector:     vector,
	}

	if err := b.append(ctx, fp); err != nil {
		b.dropped.Add(1)
		metrics.ObserveDroppedTick()
		b.logger.Warn("fingerprint dropped after append retries",
			slog.Uint64("sequence_id", fp.SequenceID), slog.Any("error", err))
		return
	}

	b.commitSnapshot()
	b.lastTick.Store(fp.Timestamp.UnixMilli())
	metrics.ObserveFingerprint()
	b.logger.Debug("fingerprint appended", slog.Uint64("sequence_id", fp.SequenceID))
}

// snapshot reads the declared counter keys and derives the feature vector:
// per-tick endpoint shares, status shares, error fraction, volume delta and
// the approximate active service-pair count. Deltas against the previous
// committed snapshot keep cumulative counter growth out of the feature
// space. Returns false when any read fails; no partial vector is ever used.
func (b *Builder) snapshot(ctx context.Context) ([]float64, bool) {
	endpointCounts, err := b.store.Estimate(ctx, store.SketchEndpoints, b.features.Endpoints...)
	if err != nil {
		b.logger.Warn("endpoint snapshot failed, skipping tick", slog.Any("error", err))
		return nil, false
	}
	statusCounts, err := b.store.Estimate(ctx, store.SketchStatuses, b.features.Statuses...)
	if err != nil {
		b.logger.Warn("status snapshot failed, skipping tick", slog.Any("error", err))
		return nil, false
	}
	pairs, err := b.store.PairCount(ctx)
	if err != nil {
		b.logger.Warn("pair count snapshot failed, skipping tick", slog.Any("error", err))
		return nil, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	endpointDeltas := deltas(endpointCounts, b.prevEndpoint)
	statusDeltas := deltas(statusCounts, b.prevStatus)
	b.pendingEndpoint = endpointCounts
	b.pendingStatus = statusCounts

	vector := make([]float64, 0, len(endpointDeltas)+len(statusDeltas)+3)
	vector = append(vector, shares(endpointDeltas)...)
	vector = append(vector, shares(statusDeltas)...)
	vector = append(vector, errorFraction(b.features.Statuses, statusDeltas))
	vector = append(vector, float64(sum(endpointDeltas)))
	vector = append(vector, float64(pairs))
	return vector, true
}

// commitSnapshot promotes the pending counter reads to the delta baseline.
// Called only after a durable append, so a dropped tick's window rolls into
// the next tick instead of being lost.
func (b *Builder) commitSnapshot() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pendingEndpoint != nil {
		b.prevEndpoint = b.pendingEndpoint
		b.pendingEndpoint = nil
	}
	if b.pendingStatus != nil {
		b.prevStatus = b.pendingStatus
		b.pendingStatus = nil
	}
}

func (b *Builder) append(ctx context.Context, fp models.Fingerprint) error {
	var err error
	for attempt := 0; attempt < b.retries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err = b.store.AppendFingerprint(ctx, fp); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(1<<attempt) * 100 * time.Millisecond):
		}
	}
	return err
}

// LastTick reports when the most recent fingerprint was appended, zero time
// if none has been.
func (b *Builder) LastTick() time.Time {
	ms := b.lastTick.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// DroppedTicks reports how many ticks were dropped after append failures.
func (b *Builder) DroppedTicks() uint64 {
	return b.dropped.Load()
}

// Dimension returns the feature vector length the builder emits.
func (b *Builder) Dimension() int {
	return b.features.Dimension()
}

func deltas(current, previous []uint64) []uint64 {
	out := make([]uint64, len(current))
	for i, cur := range current {
		var prev uint64
		if i < len(previous) {
			prev = previous[i]
		}
		if cur > prev {
			out[i] = cur - prev
		}
	}
	return out
}

func shares(counts []uint64) []float64 {
	total := sum(counts)
	out := make([]float64, len(counts))
	if total == 0 {
		return out
	}
	for i, c := range counts {
		out[i] = float64(c) / float64(total)
	}
	return out
}

func errorFraction(statusKeys []string, deltas []uint64) float64 {
	var errs, total uint64
	for i, key := range statusKeys {
		total += deltas[i]
		if len(key) > 0 && key[0] == '5' {
			errs += deltas[i]
		}
	}
	if total == 0 {
		return 0
	}
	return float64(errs) / float64(total)
}

func sum(counts []uint64) uint64 {
	var total uint64
	for _, c := range counts {
		total += c
	}
	return total
}
