package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/miradorstack/mirador-pulse/internal/metrics"
	"github.com/miradorstack/mirador-pulse/internal/models"
	"github.com/miradorstack/mirador-pulse/internal/store"
)

func metricEnvelope(ev models.MetricEvent) models.Envelope {
	return models.Envelope{Kind: models.KindMetric, Metric: &ev}
}

func validMetric() models.MetricEvent {
	return models.MetricEvent{
		Service:        "checkout",
		SourceService:  "gateway",
		Endpoint:       "GET:/api/data",
		StatusCode:     200,
		ResponseTimeMs: 42,
		Timestamp:      time.Now(),
	}
}

func TestIngestMetricFoldsCounters(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(store.MemoryConfig{})
	gw := NewGateway(nil, st)

	if err := gw.Ingest(ctx, metricEnvelope(validMetric())); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	endpoints, err := st.Estimate(ctx, store.SketchEndpoints, "checkout:GET:/api/data")
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if endpoints[0] == 0 {
		t.Error("endpoint counter not incremented")
	}

	statuses, err := st.Estimate(ctx, store.SketchStatuses, "200")
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if statuses[0] == 0 {
		t.Error("status counter not incremented")
	}

	latency, err := st.Estimate(ctx, store.SketchLatency, "fast")
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if latency[0] == 0 {
		t.Error("latency bucket not incremented")
	}

	seen, err := st.SeenPair(ctx, "gateway:checkout")
	if err != nil {
		t.Fatalf("seen pair: %v", err)
	}
	if !seen {
		t.Error("service pair not recorded")
	}
}

func TestIngestMetricValidation(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		mutate func(*models.MetricEvent)
	}{
		{"empty service", func(ev *models.MetricEvent) { ev.Service = " " }},
		{"empty endpoint", func(ev *models.MetricEvent) { ev.Endpoint = "" }},
		{"status too low", func(ev *models.MetricEvent) { ev.StatusCode = 99 }},
		{"status too high", func(ev *models.MetricEvent) { ev.StatusCode = 600 }},
		{"negative response time", func(ev *models.MetricEvent) { ev.ResponseTimeMs = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := store.NewMemoryStore(store.MemoryConfig{})
			gw := NewGateway(nil, st)

			ev := validMetric()
			tc.mutate(&ev)

			err := gw.Ingest(ctx, metricEnvelope(ev))
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("got %v, want *ValidationError", err)
			}

			// A rejected event must not touch any counter.
			count, estErr := st.Estimate(ctx, store.SketchStatuses, "200")
			if estErr != nil {
				t.Fatalf("estimate: %v", estErr)
			}
			if count[0] != 0 {
				t.Error("rejected event mutated the store")
			}
		})
	}
}

func TestIngestBusinessCountsOutOfRange(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(store.MemoryConfig{})
	gw := NewGateway(nil, st)

	env := models.Envelope{Kind: models.KindBusiness, Business: &models.BusinessMetricEvent{
		Name:          "orders-per-minute",
		Value:         5,
		ExpectedRange: []float64{10, 100},
	}}
	if err := gw.Ingest(ctx, env); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	counts, err := st.Estimate(ctx, store.SketchBusiness, "orders-per-minute", "orders-per-minute:out-of-range")
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if counts[0] == 0 {
		t.Error("business counter not incremented")
	}
	if counts[1] == 0 {
		t.Error("out-of-range counter not incremented")
	}
}

func TestIngestBusinessRejectsMalformedRange(t *testing.T) {
	gw := NewGateway(nil, store.NewMemoryStore(store.MemoryConfig{}))
	env := models.Envelope{Kind: models.KindBusiness, Business: &models.BusinessMetricEvent{
		Name:          "orders",
		Value:         1,
		ExpectedRange: []float64{10},
	}}
	var vErr *ValidationError
	if err := gw.Ingest(context.Background(), env); !errors.As(err, &vErr) {
		t.Fatalf("got %v, want *ValidationError", err)
	}
}

func TestIngestLogNormalisesLevel(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(store.MemoryConfig{})
	gw := NewGateway(nil, st)

	env := models.Envelope{Kind: models.KindLog, Log: &models.LogEvent{
		Service: "checkout",
		Level:   "error",
		Message: "payment provider timeout",
	}}
	if err := gw.Ingest(ctx, env); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	counts, err := st.Estimate(ctx, store.SketchLogLevels, "checkout:ERROR")
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if counts[0] == 0 {
		t.Error("log level counter not incremented under upper-cased key")
	}
}

func TestIngestBatchPartialFailure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(store.MemoryConfig{})
	gw := NewGateway(nil, st)

	bad := validMetric()
	bad.StatusCode = 42
	env := models.Envelope{Kind: models.KindBatch, Batch: []models.Envelope{
		metricEnvelope(validMetric()),
		metricEnvelope(bad),
		metricEnvelope(validMetric()),
	}}

	err := gw.Ingest(ctx, env)
	var bErr *BatchError
	if !errors.As(err, &bErr) {
		t.Fatalf("got %v, want *BatchError", err)
	}
	if len(bErr.Errors) != 1 {
		t.Fatalf("batch errors = %d, want 1", len(bErr.Errors))
	}
	if _, ok := bErr.Errors[1]; !ok {
		t.Error("failure not attributed to item 1")
	}

	// The two valid items must still have been folded.
	counts, estErr := st.Estimate(ctx, store.SketchStatuses, "200")
	if estErr != nil {
		t.Fatalf("estimate: %v", estErr)
	}
	if counts[0] < 2 {
		t.Errorf("status counter = %d, want at least 2", counts[0])
	}
}

func TestIngestBatchRejectsNesting(t *testing.T) {
	gw := NewGateway(nil, store.NewMemoryStore(store.MemoryConfig{}))
	env := models.Envelope{Kind: models.KindBatch, Batch: []models.Envelope{
		{Kind: models.KindBatch},
	}}
	err := gw.Ingest(context.Background(), env)
	var bErr *BatchError
	if !errors.As(err, &bErr) {
		t.Fatalf("got %v, want *BatchError", err)
	}
}

func TestIngestEmptyBatchRejected(t *testing.T) {
	gw := NewGateway(nil, store.NewMemoryStore(store.MemoryConfig{}))
	err := gw.Ingest(context.Background(), models.Envelope{Kind: models.KindBatch})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("got %v, want *ValidationError", err)
	}
}

func TestIngestUnknownKindRejected(t *testing.T) {
	gw := NewGateway(nil, store.NewMemoryStore(store.MemoryConfig{}))
	err := gw.Ingest(context.Background(), models.Envelope{Kind: "trace"})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("got %v, want *ValidationError", err)
	}
}

func TestBatchOutcomeClassification(t *testing.T) {
	validationOnly := map[int]error{
		0: &ValidationError{Field: "service", Reason: "must not be empty"},
		2: &ValidationError{Field: "status_code", Reason: "must be in [100,599]"},
	}
	if got := batchOutcome(validationOnly); got != metrics.OutcomeRejected {
		t.Errorf("validation-only batch outcome = %q, want %q", got, metrics.OutcomeRejected)
	}

	withStoreFailure := map[int]error{
		0: &ValidationError{Field: "service", Reason: "must not be empty"},
		1: errors.New("fold endpoint counter: " + store.ErrUnavailable.Error()),
	}
	if got := batchOutcome(withStoreFailure); got != metrics.OutcomeFailed {
		t.Errorf("batch outcome with store failure = %q, want %q", got, metrics.OutcomeFailed)
	}
}

func TestLatencyBuckets(t *testing.T) {
	cases := map[float64]string{
		0:    "fast",
		99:   "fast",
		100:  "medium",
		499:  "medium",
		500:  "slow",
		3000: "slow",
	}
	for ms, want := range cases {
		if got := latencyBucket(ms); got != want {
			t.Errorf("latencyBucket(%v) = %q, want %q", ms, got, want)
		}
	}
}
