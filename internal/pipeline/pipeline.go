// Package pipeline wires the ingest gateway, fingerprint builder, anomaly
// scorer and alert dispatcher to a shared store and runs their loops.
package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/miradorstack/mirador-pulse/internal/alerts"
	"github.com/miradorstack/mirador-pulse/internal/config"
	"github.com/miradorstack/mirador-pulse/internal/detector"
	"github.com/miradorstack/mirador-pulse/internal/fingerprint"
	"github.com/miradorstack/mirador-pulse/internal/ingest"
	"github.com/miradorstack/mirador-pulse/internal/models"
	"github.com/miradorstack/mirador-pulse/internal/store"
)

// eventBuffer absorbs scorer bursts so a slow alert publish does not stall
// scoring for long.
const eventBuffer = 128

// HealthStatus is the health probe payload.
type HealthStatus struct {
	Status           string            `json:"status"`
	ModelState       models.ModelState `json:"model_state"`
	LastTick         int64             `json:"last_tick_timestamp"`
	DroppedTickCount uint64            `json:"dropped_tick_count"`
}

// Pipeline owns the stage loops and exposes the query surface the API serves.
type Pipeline struct {
	logger     *slog.Logger
	store      store.Store
	gateway    *ingest.Gateway
	builder    *fingerprint.Builder
	scorer     *detector.Scorer
	dispatcher *alerts.Dispatcher
	hub        *alerts.Hub
	events     chan models.AnomalyEvent
}

// New assembles the stages around the given store. Nothing runs until Run.
func New(logger *slog.Logger, st store.Store, cfg *config.Config) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	hub := alerts.NewHub()
	events := make(chan models.AnomalyEvent, eventBuffer)
	return &Pipeline{
		logger:     logger,
		store:      st,
		gateway:    ingest.NewGateway(logger, st),
		builder:    fingerprint.NewBuilder(logger, st, cfg.Features, cfg.Builder),
		scorer:     detector.NewScorer(logger, st, cfg.Detector, cfg.Features.Names(), events),
		dispatcher: alerts.NewDispatcher(logger, st, hub, cfg.Alerts),
		hub:        hub,
		events:     events,
	}
}

// Run starts every stage loop and blocks until ctx is cancelled and all
// loops have drained.
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		p.builder.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		defer close(p.events)
		p.scorer.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		p.dispatcher.Run(ctx, p.events)
	}()

	p.logger.Info("pipeline started")
	wg.Wait()
	p.logger.Info("pipeline stopped")
}

// Ingest folds one envelope into the store via the gateway.
func (p *Pipeline) Ingest(ctx context.Context, env models.Envelope) error {
	return p.gateway.Ingest(ctx, env)
}

// RecentFingerprints returns a newest-first page from the ordered log.
func (p *Pipeline) RecentFingerprints(ctx context.Context, limit, offset int) ([]models.Fingerprint, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	fingerprints, err := p.store.RecentFingerprints(ctx, limit+offset)
	if err != nil {
		return nil, err
	}
	if offset >= len(fingerprints) {
		return []models.Fingerprint{}, nil
	}
	return fingerprints[offset:], nil
}

// RecentAnomalies returns a newest-first page from the dispatcher's rolling
// buffer.
func (p *Pipeline) RecentAnomalies(limit, offset int) []models.AnomalyEvent {
	return p.dispatcher.Recent(limit, offset)
}

// Health probes the store and summarises pipeline progress.
func (p *Pipeline) Health(ctx context.Context) HealthStatus {
	status := "healthy"
	if err := p.store.Ping(ctx); err != nil {
		status = "degraded"
	}
	health := HealthStatus{
		Status:           status,
		ModelState:       p.scorer.ModelState(),
		DroppedTickCount: p.builder.DroppedTicks(),
	}
	if last := p.builder.LastTick(); !last.IsZero() {
		health.LastTick = last.UnixMilli()
	}
	return health
}

// AlertHub exposes the in-process alert fan-out for stream subscribers.
func (p *Pipeline) AlertHub() *alerts.Hub {
	return p.hub
}
