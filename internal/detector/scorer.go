// Package detector consumes the fingerprint log in sequence order, trains
// an isolation-forest model on an initial window, and scores every later
// fingerprint against the current model generation.
package detector

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-pulse/internal/config"
	"github.com/miradorstack/mirador-pulse/internal/detector/iforest"
	"github.com/miradorstack/mirador-pulse/internal/metrics"
	"github.com/miradorstack/mirador-pulse/internal/models"
	"github.com/miradorstack/mirador-pulse/internal/store"
)

// generation bundles a fitted model with the baseline it was fitted against
// so a single atomic swap replaces both.
type generation struct {
	forest   *iforest.Forest
	baseline *baseline
}

// Scorer is the single sequential consumer of the fingerprint log.
type Scorer struct {
	logger *slog.Logger
	store  store.Store
	cfg    config.DetectorConfig
	names  []string
	out    chan<- models.AnomalyEvent

	current    atomic.Pointer[generation]
	retraining atomic.Bool

	// Loop-local state, touched only by Run's goroutine.
	cursor     uint64
	expected   uint64
	pending    map[uint64]models.Fingerprint
	pendingAt  time.Time
	trainBuf   [][]float64
	window     [][]float64
	sinceTrain int
}

// NewScorer constructs a Scorer emitting anomaly events on out.
func NewScorer(logger *slog.Logger, st store.Store, cfg config.DetectorConfig, featureNames []string, out chan<- models.AnomalyEvent) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{
		logger:  logger,
		store:   st,
		cfg:     cfg,
		names:   featureNames,
		out:     out,
		pending: make(map[uint64]models.Fingerprint),
	}
}

// ModelState reports untrained until the first fit completes.
func (s *Scorer) ModelState() models.ModelState {
	if s.current.Load() == nil {
		return models.ModelUntrained
	}
	return models.ModelTrained
}

// Run polls the log and processes entries strictly in sequence-id order
// until ctx is cancelled. Entries whose predecessor has not arrived are held
// back up to maxGapWait, then processed with the gap flag set.
func (s *Scorer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scorer) poll(ctx context.Context) {
	batch, err := s.store.ReadFingerprints(ctx, s.cursor, 64)
	if err != nil {
		s.logger.Warn("fingerprint read failed", slog.Any("error", err))
		return
	}
	for _, fp := range batch {
		if fp.SequenceID > s.cursor {
			s.cursor = fp.SequenceID
		}
		if s.expected == 0 {
			s.expected = fp.SequenceID
		}
		if len(s.pending) == 0 {
			s.pendingAt = time.Now()
		}
		s.pending[fp.SequenceID] = fp
	}
	s.drain(ctx)
}

// drain processes every pending fingerprint that is next in sequence, and
// forces progress past a gap once the oldest held entry has waited longer
// than maxGapWait.
func (s *Scorer) drain(ctx context.Context) {
	for len(s.pending) > 0 {
		if fp, ok := s.pending[s.expected]; ok {
			delete(s.pending, s.expected)
			s.expected++
			s.process(ctx, fp, false)
			s.pendingAt = time.Now()
			continue
		}
		if time.Since(s.pendingAt) < s.cfg.MaxGapWait {
			return
		}
		// Predecessor never showed up (dropped builder tick). Jump to the
		// lowest held id and flag the break in temporal continuity.
		lowest := uint64(0)
		for seq := range s.pending {
			if lowest == 0 || seq < lowest {
				lowest = seq
			}
		}
		fp := s.pending[lowest]
		delete(s.pending, lowest)
		s.expected = lowest + 1
		s.process(ctx, fp, true)
		s.pendingAt = time.Now()
	}
}

func (s *Scorer) process(ctx context.Context, fp models.Fingerprint, gap bool) {
	gen := s.current.Load()
	if gen == nil {
		s.train(fp)
		return
	}

	if len(fp.Vector) != gen.forest.Dimension() {
		// Feature key set changed under us; the fixed-dimension policy is
		// to skip scoring until a retrain learns the new layout. Mismatched
		// vectors still enter the window and the retrain counter so that
		// retrain actually arrives.
		s.logger.Warn("fingerprint dimensionality mismatch, skipping",
			slog.Uint64("sequence_id", fp.SequenceID),
			slog.Int("got", len(fp.Vector)), slog.Int("want", gen.forest.Dimension()))
		s.remember(fp.Vector)
		s.bumpRetrain()
		return
	}

	score, err := gen.forest.Score(fp.Vector)
	if err != nil {
		s.logger.Warn("scoring failed", slog.Uint64("sequence_id", fp.SequenceID), slog.Any("error", err))
		return
	}
	metrics.ObserveScore(score)

	threshold := gen.forest.Threshold()
	anomalous := score >= threshold
	event := models.AnomalyEvent{
		ID:            uuid.NewString(),
		FingerprintID: fp.SequenceID,
		Score:         score,
		Severity:      severityFor(score, threshold),
		Cause:         gen.baseline.attribute(fp.Vector),
		Anomalous:     anomalous,
		Gap:           gap,
		Timestamp:     fp.Timestamp,
	}

	select {
	case s.out <- event:
	case <-ctx.Done():
		return
	}

	s.remember(fp.Vector)
	s.bumpRetrain()
}

func (s *Scorer) bumpRetrain() {
	s.sinceTrain++
	if s.cfg.RetrainEveryN > 0 && s.sinceTrain >= s.cfg.RetrainEveryN {
		s.sinceTrain = 0
		s.retrain()
	}
}

// train buffers cold-start fingerprints and fits the first model once
// enough have accumulated. Nothing is scored or alerted before that.
func (s *Scorer) train(fp models.Fingerprint) {
	s.trainBuf = append(s.trainBuf, fp.Vector)
	s.remember(fp.Vector)
	if len(s.trainBuf) < s.cfg.MinTrainingSamples {
		return
	}

	gen, err := s.fit(s.trainBuf)
	if err != nil {
		s.logger.Warn("initial training failed", slog.Any("error", err))
		s.trainBuf = s.trainBuf[:0]
		return
	}
	s.current.Store(gen)
	s.trainBuf = nil
	s.logger.Info("model trained, entering detection",
		slog.Int("trained_on", gen.forest.TrainedOn()),
		slog.Float64("threshold", gen.forest.Threshold()))
}

// retrain fits a fresh generation on the recent window in the background.
// The swap is atomic: in-flight scoring keeps the old generation until the
// new one is fully fitted. Failures leave the old model in force. Fitting
// uses the longest same-length run at the window's tail, so a feature
// layout change converges on the new dimensionality once enough
// new-layout vectors have arrived.
func (s *Scorer) retrain() {
	if !s.retraining.CompareAndSwap(false, true) {
		return
	}
	window := uniformTail(s.window)

	go func() {
		defer s.retraining.Store(false)
		if len(window) < s.cfg.MinTrainingSamples {
			metrics.ObserveRetrain(false)
			s.logger.Warn("retrain skipped, window too small", slog.Int("window", len(window)))
			return
		}
		gen, err := s.fit(window)
		if err != nil {
			metrics.ObserveRetrain(false)
			s.logger.Warn("retrain failed, keeping current model", slog.Any("error", err))
			return
		}
		s.current.Store(gen)
		metrics.ObserveRetrain(true)
		s.logger.Info("model retrained",
			slog.Int("trained_on", gen.forest.TrainedOn()),
			slog.Float64("threshold", gen.forest.Threshold()))
	}()
}

func (s *Scorer) fit(data [][]float64) (*generation, error) {
	forest, err := iforest.Train(data, iforest.Options{
		Trees:         s.cfg.Trees,
		SampleSize:    s.cfg.SampleSize,
		Contamination: s.cfg.Contamination,
		Seed:          s.cfg.Seed,
	})
	if err != nil {
		return nil, err
	}
	return &generation{forest: forest, baseline: newBaseline(s.names, data)}, nil
}

// uniformTail copies the longest suffix of the window whose vectors share
// the most recent vector's length.
func uniformTail(window [][]float64) [][]float64 {
	n := len(window)
	if n == 0 {
		return nil
	}
	dim := len(window[n-1])
	start := n
	for start > 0 && len(window[start-1]) == dim {
		start--
	}
	out := make([][]float64, n-start)
	copy(out, window[start:])
	return out
}

// remember keeps the most recent trainingWindow vectors for retraining.
func (s *Scorer) remember(vec []float64) {
	s.window = append(s.window, vec)
	if limit := s.cfg.TrainingWindow; limit > 0 && len(s.window) > limit {
		s.window = s.window[len(s.window)-limit:]
	}
}

// severityFor bands the score's distance above the threshold into thirds of
// the remaining headroom.
func severityFor(score, threshold float64) models.Severity {
	if score < threshold {
		return models.SeverityLow
	}
	headroom := 1 - threshold
	if headroom <= 0 {
		return models.SeverityHigh
	}
	switch excess := (score - threshold) / headroom; {
	case excess >= 0.66:
		return models.SeverityHigh
	case excess >= 0.33:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
