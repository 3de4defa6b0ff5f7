// Package alerts turns over-threshold anomaly events into deduplicated
// alert publications and keeps a bounded history of recent anomalies.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/mirador-pulse/internal/config"
	"github.com/miradorstack/mirador-pulse/internal/metrics"
	"github.com/miradorstack/mirador-pulse/internal/models"
	"github.com/miradorstack/mirador-pulse/internal/store"
)

// Outcome reports how the dispatcher handled an anomaly event.
type Outcome string

const (
	// OutcomePublished means an alert reached the channel.
	OutcomePublished Outcome = "published"
	// OutcomeSuppressed means the suppression window held the alert back.
	OutcomeSuppressed Outcome = "suppressed"
	// OutcomeRecorded means the event was below threshold and only buffered.
	OutcomeRecorded Outcome = "recorded"
	// OutcomeDropped means publishing failed after all retries.
	OutcomeDropped Outcome = "dropped"
)

// Dispatcher consumes anomaly events from the scorer. Every event lands in
// the rolling buffer; anomalous ones additionally fire an alert unless the
// per-cause suppression window is still open.
type Dispatcher struct {
	logger *slog.Logger
	sink   store.Store
	hub    *Hub
	cfg    config.AlertsConfig
	now    func() time.Time

	mu            sync.Mutex
	buffer        []models.AnomalyEvent
	next          int
	filled        bool
	lastPublished map[string]time.Time
}

// NewDispatcher constructs a Dispatcher publishing to the store's alert
// channel and to the in-process hub (which may be nil).
func NewDispatcher(logger *slog.Logger, sink store.Store, hub *Hub, cfg config.AlertsConfig) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RollingBufferCapacity <= 0 {
		cfg.RollingBufferCapacity = 256
	}
	if cfg.PublishRetries <= 0 {
		cfg.PublishRetries = 3
	}
	return &Dispatcher{
		logger:        logger,
		sink:          sink,
		hub:           hub,
		cfg:           cfg,
		now:           time.Now,
		buffer:        make([]models.AnomalyEvent, cfg.RollingBufferCapacity),
		lastPublished: make(map[string]time.Time),
	}
}

// Run consumes events until the channel closes or ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, in <-chan models.AnomalyEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-in:
			if !ok {
				return
			}
			d.Dispatch(ctx, event)
		}
	}
}

// Dispatch handles one anomaly event and reports the outcome. A failure to
// publish never propagates: the pipeline must not crash because a
// downstream subscriber is unavailable.
func (d *Dispatcher) Dispatch(ctx context.Context, event models.AnomalyEvent) Outcome {
	if !event.Anomalous {
		d.record(event)
		return OutcomeRecorded
	}

	now := d.now()
	d.mu.Lock()
	last, seen := d.lastPublished[event.Cause]
	suppressed := seen && now.Sub(last) < d.cfg.SuppressionWindow
	d.mu.Unlock()

	if suppressed {
		d.record(event)
		metrics.ObserveAlert(metrics.OutcomeSuppressed)
		d.logger.Debug("alert suppressed",
			slog.String("cause", event.Cause), slog.Uint64("fingerprint_id", event.FingerprintID))
		return OutcomeSuppressed
	}

	alert := models.AlertEvent{
		ID:        event.ID,
		Message:   alertMessage(event),
		Timestamp: now.UnixMilli(),
	}
	if err := d.publish(ctx, alert); err != nil {
		d.record(event)
		metrics.ObserveAlert(metrics.OutcomeDropped)
		d.logger.Warn("alert dropped after publish retries",
			slog.String("cause", event.Cause), slog.Any("error", err))
		return OutcomeDropped
	}

	d.mu.Lock()
	d.lastPublished[event.Cause] = now
	d.mu.Unlock()

	event.Published = true
	d.record(event)
	metrics.ObserveAlert(metrics.OutcomePublished)
	if d.hub != nil {
		d.hub.Broadcast(alert)
	}
	d.logger.Info("alert published",
		slog.String("cause", event.Cause),
		slog.Float64("score", event.Score),
		slog.String("severity", string(event.Severity)))
	return OutcomePublished
}

func (d *Dispatcher) publish(ctx context.Context, alert models.AlertEvent) error {
	var err error
	for attempt := 0; attempt < d.cfg.PublishRetries; attempt++ {
		if err = d.sink.PublishAlert(ctx, alert); err == nil {
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

// record appends to the rolling buffer, evicting the oldest entry once at
// capacity.
func (d *Dispatcher) record(event models.AnomalyEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buffer[d.next] = event
	d.next++
	if d.next == len(d.buffer) {
		d.next = 0
		d.filled = true
	}
}

// Recent returns a newest-first page of buffered anomaly events, suppressed
// and published alike.
func (d *Dispatcher) Recent(limit, offset int) []models.AnomalyEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	size := d.next
	if d.filled {
		size = len(d.buffer)
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]models.AnomalyEvent, 0, limit)
	for i := offset; i < size && len(out) < limit; i++ {
		idx := d.next - 1 - i
		if idx < 0 {
			idx += len(d.buffer)
		}
		out = append(out, d.buffer[idx])
	}
	return out
}

func alertMessage(event models.AnomalyEvent) string {
	return fmt.Sprintf("Anomaly detected: outlier fingerprint %d (cause: %s, score %.3f, severity %s)",
		event.FingerprintID, event.Cause, event.Score, event.Severity)
}
