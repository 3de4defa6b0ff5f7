package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/miradorstack/mirador-pulse/internal/alerts"
	"github.com/miradorstack/mirador-pulse/internal/config"
	"github.com/miradorstack/mirador-pulse/internal/ingest"
	"github.com/miradorstack/mirador-pulse/internal/models"
	"github.com/miradorstack/mirador-pulse/internal/pipeline"
	"github.com/miradorstack/mirador-pulse/internal/store"
	"github.com/miradorstack/mirador-pulse/internal/utils"
)

// Pipeline is the surface the handlers need from the running pipeline.
type Pipeline interface {
	Ingest(ctx context.Context, env models.Envelope) error
	RecentFingerprints(ctx context.Context, limit, offset int) ([]models.Fingerprint, error)
	RecentAnomalies(limit, offset int) []models.AnomalyEvent
	Health(ctx context.Context) pipeline.HealthStatus
	AlertHub() *alerts.Hub
}

// Handler holds the route implementations.
type Handler struct {
	logger    *slog.Logger
	pipeline  Pipeline
	cfg       *config.Config
	latencies *utils.LatencyTracker
}

// NewHandler constructs the handler set.
func NewHandler(logger *slog.Logger, pipeline Pipeline, cfg *config.Config) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		pipeline:  pipeline,
		cfg:       cfg,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// Routes mounts every endpoint on a fresh mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/v1/config", h.authorized(h.handleConfig))
	mux.HandleFunc("/api/v1/metrics", h.authorized(h.handleMetrics))
	mux.HandleFunc("/api/v1/business-metrics", h.authorized(h.handleBusinessMetrics))
	mux.HandleFunc("/api/v1/logs", h.authorized(h.handleLogs))
	mux.HandleFunc("/api/v1/batch", h.authorized(h.handleBatch))
	mux.HandleFunc("/api/v1/fingerprints", h.authorized(h.handleFingerprints))
	mux.HandleFunc("/api/v1/anomalies", h.authorized(h.handleAnomalies))
	mux.HandleFunc("/api/v1/alerts/stream", h.authorized(h.handleAlertStream))
	return mux
}

// authorized enforces the optional bearer token. Authentication is a
// pass-through concern: when no key is configured every caller is accepted.
func (h *Handler) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := h.cfg.Ingest.APIKey
		if key != "" {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != key {
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
		}
		next(w, r)
	}
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !enforcePost(w, r) {
		return
	}
	var event models.MetricEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload: "+err.Error())
		return
	}
	event.Timestamp = ingest.ReceiptTime(event.Timestamp)
	h.ingest(w, r, models.Envelope{Kind: models.KindMetric, Metric: &event})
}

func (h *Handler) handleBusinessMetrics(w http.ResponseWriter, r *http.Request) {
	if !enforcePost(w, r) {
		return
	}
	var event models.BusinessMetricEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload: "+err.Error())
		return
	}
	event.Timestamp = ingest.ReceiptTime(event.Timestamp)
	h.ingest(w, r, models.Envelope{Kind: models.KindBusiness, Business: &event})
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !enforcePost(w, r) {
		return
	}
	var event models.LogEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload: "+err.Error())
		return
	}
	event.Timestamp = ingest.ReceiptTime(event.Timestamp)
	h.ingest(w, r, models.Envelope{Kind: models.KindLog, Log: &event})
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	if !enforcePost(w, r) {
		return
	}
	var payload struct {
		Events []models.Envelope `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload: "+err.Error())
		return
	}

	start := time.Now()
	err := h.pipeline.Ingest(r.Context(), models.Envelope{Kind: models.KindBatch, Batch: payload.Events})
	h.observeLatency(start)

	var batchErr *ingest.BatchError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "success",
			"processed": len(payload.Events),
		})
	case errors.As(err, &batchErr):
		failures := make(map[string]string, len(batchErr.Errors))
		for idx, itemErr := range batchErr.Errors {
			failures[strconv.Itoa(idx)] = itemErr.Error()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "partial",
			"processed": len(payload.Events) - len(batchErr.Errors),
			"errors":    failures,
		})
	default:
		h.writeIngestError(w, err)
	}
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request, env models.Envelope) {
	start := time.Now()
	err := h.pipeline.Ingest(r.Context(), env)
	h.observeLatency(start)
	if err != nil {
		h.writeIngestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}

func (h *Handler) writeIngestError(w http.ResponseWriter, err error) {
	var validationErr *ingest.ValidationError
	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, validationErr.Error())
	case errors.Is(err, store.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "telemetry store unavailable, retry later")
	default:
		h.logger.Error("ingest failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "ingest failed")
	}
}

func (h *Handler) handleFingerprints(w http.ResponseWriter, r *http.Request) {
	if !enforceGet(w, r) {
		return
	}
	limit, offset := pageParams(r, 50)
	fingerprints, err := h.pipeline.RecentFingerprints(r.Context(), limit, offset)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "telemetry store unavailable, retry later")
			return
		}
		h.logger.Error("fingerprint query failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "fingerprint query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fingerprints": fingerprints})
}

func (h *Handler) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	if !enforceGet(w, r) {
		return
	}
	limit, offset := pageParams(r, 50)
	writeJSON(w, http.StatusOK, map[string]any{"anomalies": h.pipeline.RecentAnomalies(limit, offset)})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.pipeline.Health(r.Context())
	status := http.StatusOK
	if health.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !enforceGet(w, r) {
		return
	}
	// Redacted view: never echo credentials.
	writeJSON(w, http.StatusOK, map[string]any{
		"store": map[string]any{
			"backend": h.cfg.Store.Backend,
		},
		"features": map[string]any{
			"endpoints": h.cfg.Features.Endpoints,
			"statuses":  h.cfg.Features.Statuses,
			"dimension": h.cfg.Features.Dimension(),
		},
		"builder": map[string]any{
			"tick_interval_ms": h.cfg.Builder.TickInterval.Milliseconds(),
		},
		"detector": map[string]any{
			"min_training_samples": h.cfg.Detector.MinTrainingSamples,
			"retrain_every_n":      h.cfg.Detector.RetrainEveryN,
			"contamination":        h.cfg.Detector.Contamination,
		},
		"alerts": map[string]any{
			"suppression_window_ms":   h.cfg.Alerts.SuppressionWindow.Milliseconds(),
			"rolling_buffer_capacity": h.cfg.Alerts.RollingBufferCapacity,
		},
		"security": map[string]any{
			"api_key_required": h.cfg.Ingest.APIKey != "",
		},
	})
}

func (h *Handler) observeLatency(start time.Time) {
	h.latencies.Observe(time.Since(start))
	if count := h.latencies.Count(); count >= 100 && count%100 == 0 {
		h.logger.Info("ingest latency",
			slog.Duration("p95", h.latencies.Percentile(95)), slog.Int("samples", count))
	}
}

// maxPageLimit bounds the allocation a single page query can ask for.
const maxPageLimit = 1000

func pageParams(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func enforceGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
