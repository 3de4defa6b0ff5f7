package fingerprint

import (
	"context"
	"testing"
	"time"

	"github.com/miradorstack/mirador-pulse/internal/config"
	"github.com/miradorstack/mirador-pulse/internal/models"
	"github.com/miradorstack/mirador-pulse/internal/store"
)

// flakyStore wraps the in-memory store with switchable failure modes.
type flakyStore struct {
	*store.MemoryStore
	failAppend   bool
	failEstimate bool
}

func (f *flakyStore) AppendFingerprint(ctx context.Context, fp models.Fingerprint) error {
	if f.failAppend {
		return store.ErrUnavailable
	}
	return f.MemoryStore.AppendFingerprint(ctx, fp)
}

func (f *flakyStore) Estimate(ctx context.Context, sketch string, keys ...string) ([]uint64, error) {
	if f.failEstimate {
		return nil, store.ErrUnavailable
	}
	return f.MemoryStore.Estimate(ctx, sketch, keys...)
}

func testFeatures() config.FeatureConfig {
	return config.FeatureConfig{
		Endpoints: []string{"checkout:GET:/api/data", "checkout:GET:/api/error"},
		Statuses:  []string{"200", "500"},
	}
}

func newTestBuilder(st store.Store) *Builder {
	return NewBuilder(nil, st, testFeatures(), config.BuilderConfig{
		TickInterval:  time.Minute,
		AppendRetries: 1,
	})
}

func TestTickAppendsFingerprint(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(store.MemoryConfig{})
	b := newTestBuilder(st)

	mustIncrement(t, st, store.SketchEndpoints, "checkout:GET:/api/data", 8)
	mustIncrement(t, st, store.SketchEndpoints, "checkout:GET:/api/error", 2)
	mustIncrement(t, st, store.SketchStatuses, "200", 8)
	mustIncrement(t, st, store.SketchStatuses, "500", 2)

	b.tick(ctx)

	log, err := st.ReadFingerprints(ctx, 0, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(log) != 1 {
		t.Fatalf("log has %d entries, want 1", len(log))
	}
	fp := log[0]
	if fp.SequenceID != 1 {
		t.Errorf("sequence id = %d, want 1", fp.SequenceID)
	}
	if len(fp.Vector) != b.Dimension() {
		t.Fatalf("vector length = %d, want %d", len(fp.Vector), b.Dimension())
	}
	// Layout: endpoint shares, status shares, error fraction, volume, pairs.
	if fp.Vector[0] != 0.8 || fp.Vector[1] != 0.2 {
		t.Errorf("endpoint shares = %v, %v, want 0.8, 0.2", fp.Vector[0], fp.Vector[1])
	}
	if fp.Vector[4] != 0.2 {
		t.Errorf("error fraction = %v, want 0.2", fp.Vector[4])
	}
	if fp.Vector[5] != 10 {
		t.Errorf("volume delta = %v, want 10", fp.Vector[5])
	}
}

func TestTickUsesDeltasBetweenTicks(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(store.MemoryConfig{})
	b := newTestBuilder(st)

	mustIncrement(t, st, store.SketchEndpoints, "checkout:GET:/api/data", 10)
	mustIncrement(t, st, store.SketchStatuses, "200", 10)
	b.tick(ctx)

	mustIncrement(t, st, store.SketchEndpoints, "checkout:GET:/api/data", 4)
	mustIncrement(t, st, store.SketchStatuses, "200", 4)
	b.tick(ctx)

	log, err := st.ReadFingerprints(ctx, 1, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(log) != 1 {
		t.Fatalf("second tick produced %d entries, want 1", len(log))
	}
	if got := log[0].Vector[5]; got != 4 {
		t.Errorf("second tick volume delta = %v, want 4 (counters are cumulative)", got)
	}
}

func TestSequenceRecoveredAfterRestart(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(store.MemoryConfig{})
	if err := st.AppendFingerprint(ctx, models.Fingerprint{SequenceID: 7, Timestamp: time.Now()}); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	b := newTestBuilder(st)
	b.tick(ctx)

	last, err := st.LastSequence(ctx)
	if err != nil {
		t.Fatalf("last sequence: %v", err)
	}
	if last != 8 {
		t.Errorf("sequence after restart = %d, want 8", last)
	}
}

func TestAppendFailureDropsTickAndRollsWindowForward(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{MemoryStore: store.NewMemoryStore(store.MemoryConfig{})}
	b := newTestBuilder(flaky)

	mustIncrement(t, flaky.MemoryStore, store.SketchEndpoints, "checkout:GET:/api/data", 6)
	mustIncrement(t, flaky.MemoryStore, store.SketchStatuses, "200", 6)

	flaky.failAppend = true
	b.tick(ctx)
	if b.DroppedTicks() != 1 {
		t.Fatalf("dropped ticks = %d, want 1", b.DroppedTicks())
	}

	// The uncommitted window must roll into the next successful tick.
	mustIncrement(t, flaky.MemoryStore, store.SketchEndpoints, "checkout:GET:/api/data", 3)
	mustIncrement(t, flaky.MemoryStore, store.SketchStatuses, "200", 3)
	flaky.failAppend = false
	b.tick(ctx)

	log, err := flaky.ReadFingerprints(ctx, 0, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(log) != 1 {
		t.Fatalf("log has %d entries, want 1", len(log))
	}
	if got := log[0].Vector[5]; got != 9 {
		t.Errorf("volume delta = %v, want 9 (dropped tick's window must not be lost)", got)
	}
}

func TestSnapshotFailureSkipsTickWithoutPartialAppend(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{MemoryStore: store.NewMemoryStore(store.MemoryConfig{}), failEstimate: true}
	b := newTestBuilder(flaky)

	b.tick(ctx)

	log, err := flaky.ReadFingerprints(ctx, 0, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(log) != 0 {
		t.Errorf("outage tick appended %d entries, want none", len(log))
	}
	if b.DroppedTicks() != 0 {
		t.Errorf("snapshot failure counted as dropped tick")
	}
}

func TestOverlappingTicksAreSkipped(t *testing.T) {
	st := store.NewMemoryStore(store.MemoryConfig{})
	b := NewBuilder(nil, st, testFeatures(), config.BuilderConfig{
		TickInterval:  5 * time.Millisecond,
		AppendRetries: 1,
	})

	if !b.inFlight.CompareAndSwap(false, true) {
		t.Fatal("could not mark tick in flight")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	b.Run(ctx)

	log, err := st.ReadFingerprints(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(log) != 0 {
		t.Errorf("ticks ran while predecessor marked in flight: %d appends", len(log))
	}
}

func mustIncrement(t *testing.T, st *store.MemoryStore, sketch, key string, delta uint64) {
	t.Helper()
	if err := st.Increment(context.Background(), sketch, key, delta); err != nil {
		t.Fatalf("increment %s/%s: %v", sketch, key, err)
	}
}
