// Package ingest validates inbound telemetry events and folds them into the
// approximate store's counters and membership filter.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/miradorstack/mirador-pulse/internal/metrics"
	"github.com/miradorstack/mirador-pulse/internal/models"
	"github.com/miradorstack/mirador-pulse/internal/store"
)

// ValidationError rejects a malformed payload before any store mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// BatchError aggregates per-item failures from a batch envelope. Items not
// listed were folded successfully.
type BatchError struct {
	Errors map[int]error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch ingest: %d of the items failed", len(e.Errors))
}

// Gateway is the ingest boundary. Safe for fully concurrent use: it holds no
// mutable state of its own and the store's operations are individually
// atomic, so no cross-event locking is needed.
type Gateway struct {
	store  store.Store
	logger *slog.Logger
}

// NewGateway constructs a Gateway bound to the given store.
func NewGateway(logger *slog.Logger, st store.Store) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{store: st, logger: logger}
}

// Ingest validates the envelope and folds it into the store. Malformed input
// returns a *ValidationError (or *BatchError carrying them) and mutates
// nothing for the rejected item. Store failures surface wrapped
// store.ErrUnavailable so callers can report a retryable condition.
func (g *Gateway) Ingest(ctx context.Context, env models.Envelope) error {
	switch env.Kind {
	case models.KindMetric:
		return g.observe(models.KindMetric, g.ingestMetric(ctx, env.Metric))
	case models.KindBusiness:
		return g.observe(models.KindBusiness, g.ingestBusiness(ctx, env.Business))
	case models.KindLog:
		return g.observe(models.KindLog, g.ingestLog(ctx, env.Log))
	case models.KindBatch:
		return g.ingestBatch(ctx, env.Batch)
	default:
		err := &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown event kind %q", env.Kind)}
		metrics.ObserveIngest(string(env.Kind), metrics.OutcomeRejected)
		return err
	}
}

func (g *Gateway) observe(kind models.EventKind, err error) error {
	switch {
	case err == nil:
		metrics.ObserveIngest(string(kind), metrics.OutcomeAccepted)
	case isValidation(err):
		metrics.ObserveIngest(string(kind), metrics.OutcomeRejected)
	default:
		metrics.ObserveIngest(string(kind), metrics.OutcomeFailed)
	}
	return err
}

func isValidation(err error) bool {
	_, ok := err.(*ValidationError)
	return ok
}

func (g *Gateway) ingestMetric(ctx context.Context, ev *models.MetricEvent) error {
	if ev == nil {
		return &ValidationError{Field: "metric", Reason: "payload missing"}
	}
	if strings.TrimSpace(ev.Service) == "" {
		return &ValidationError{Field: "service", Reason: "must not be empty"}
	}
	if strings.TrimSpace(ev.Endpoint) == "" {
		return &ValidationError{Field: "endpoint", Reason: "must not be empty"}
	}
	if ev.StatusCode < 100 || ev.StatusCode > 599 {
		return &ValidationError{Field: "status_code", Reason: "must be in [100,599]"}
	}
	if ev.ResponseTimeMs < 0 {
		return &ValidationError{Field: "response_time_ms", Reason: "must not be negative"}
	}

	endpointKey := ev.Service + ":" + ev.Endpoint
	if err := g.store.Increment(ctx, store.SketchEndpoints, endpointKey, 1); err != nil {
		return fmt.Errorf("fold endpoint counter: %w", err)
	}
	if err := g.store.Increment(ctx, store.SketchStatuses, strconv.Itoa(ev.StatusCode), 1); err != nil {
		return fmt.Errorf("fold status counter: %w", err)
	}
	if err := g.store.Increment(ctx, store.SketchLatency, latencyBucket(ev.ResponseTimeMs), 1); err != nil {
		return fmt.Errorf("fold latency counter: %w", err)
	}
	if ev.SourceService != "" {
		if _, err := g.store.AddPair(ctx, ev.SourceService+":"+ev.Service); err != nil {
			return fmt.Errorf("record service pair: %w", err)
		}
	}
	return nil
}

func (g *Gateway) ingestBusiness(ctx context.Context, ev *models.BusinessMetricEvent) error {
	if ev == nil {
		return &ValidationError{Field: "business", Reason: "payload missing"}
	}
	if strings.TrimSpace(ev.Name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if len(ev.ExpectedRange) != 0 && len(ev.ExpectedRange) != 2 {
		return &ValidationError{Field: "expected_range", Reason: "must be [min, max]"}
	}

	if err := g.store.Increment(ctx, store.SketchBusiness, ev.Name, 1); err != nil {
		return fmt.Errorf("fold business counter: %w", err)
	}
	// Out-of-range samples are counted rather than alerted: ingest never
	// publishes synchronously, the deviation reaches the model via the
	// counter instead.
	if len(ev.ExpectedRange) == 2 && (ev.Value < ev.ExpectedRange[0] || ev.Value > ev.ExpectedRange[1]) {
		if err := g.store.Increment(ctx, store.SketchBusiness, ev.Name+":out-of-range", 1); err != nil {
			return fmt.Errorf("fold out-of-range counter: %w", err)
		}
		g.logger.Debug("business metric outside expected range",
			slog.String("name", ev.Name), slog.Float64("value", ev.Value))
	}
	return nil
}

func (g *Gateway) ingestLog(ctx context.Context, ev *models.LogEvent) error {
	if ev == nil {
		return &ValidationError{Field: "log", Reason: "payload missing"}
	}
	if strings.TrimSpace(ev.Service) == "" {
		return &ValidationError{Field: "service", Reason: "must not be empty"}
	}
	if strings.TrimSpace(ev.Level) == "" {
		return &ValidationError{Field: "level", Reason: "must not be empty"}
	}

	key := ev.Service + ":" + strings.ToUpper(ev.Level)
	if err := g.store.Increment(ctx, store.SketchLogLevels, key, 1); err != nil {
		return fmt.Errorf("fold log-level counter: %w", err)
	}
	return nil
}

func (g *Gateway) ingestBatch(ctx context.Context, items []models.Envelope) error {
	if len(items) == 0 {
		metrics.ObserveIngest(string(models.KindBatch), metrics.OutcomeRejected)
		return &ValidationError{Field: "batch", Reason: "must not be empty"}
	}
	failures := make(map[int]error)
	for i, item := range items {
		if item.Kind == models.KindBatch {
			failures[i] = &ValidationError{Field: "kind", Reason: "batches must not nest"}
			continue
		}
		if err := g.Ingest(ctx, item); err != nil {
			failures[i] = err
		}
	}
	if len(failures) > 0 {
		metrics.ObserveIngest(string(models.KindBatch), batchOutcome(failures))
		return &BatchError{Errors: failures}
	}
	metrics.ObserveIngest(string(models.KindBatch), metrics.OutcomeAccepted)
	return nil
}

// batchOutcome classifies a partial batch: any store-side failure marks the
// whole batch failed, otherwise it was rejected input.
func batchOutcome(failures map[int]error) string {
	for _, err := range failures {
		if !isValidation(err) {
			return metrics.OutcomeFailed
		}
	}
	return metrics.OutcomeRejected
}

// latencyBucket maps a response time onto the coarse buckets the latency
// sketch counts: <100ms fast, <500ms medium, otherwise slow.
func latencyBucket(ms float64) string {
	switch {
	case ms < 100:
		return "fast"
	case ms < 500:
		return "medium"
	default:
		return "slow"
	}
}

// ReceiptTime stamps events that arrived without a timestamp.
func ReceiptTime(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now().UTC()
	}
	return ts
}
