// Package iforest implements isolation-forest outlier scoring. A fitted
// Forest is immutable, so callers can swap model generations with an atomic
// pointer store and score concurrently without locks.
package iforest

import (
	"errors"
	"math"
	"math/rand"
	"sort"
)

// Options configures a training run.
type Options struct {
	// Trees is the ensemble size. Default 100.
	Trees int
	// SampleSize is the per-tree subsample. Default 256, capped at the
	// training set size.
	SampleSize int
	// Contamination is the expected anomaly fraction in (0,1); the score
	// threshold is set at its percentile over the training scores.
	Contamination float64
	// Seed drives the partitioning randomness, making training
	// reproducible.
	Seed int64
}

// Forest is a fitted ensemble of isolation trees. Scores are in [0,1];
// higher means more anomalous (shorter average isolation path).
type Forest struct {
	trees     []*node
	refLength float64
	threshold float64
	dim       int
	trainedOn int
}

type node struct {
	feature featureIndex
	split   float64
	left    *node
	right   *node
	size    int
}

// featureIndex is the feature a node splits on; -1 marks a leaf.
type featureIndex int

// Train fits a Forest on the training matrix. Every row must have the same
// length; the fitted model only scores vectors of that length.
func Train(data [][]float64, opts Options) (*Forest, error) {
	if len(data) == 0 {
		return nil, errors.New("empty training data")
	}
	dim := len(data[0])
	if dim == 0 {
		return nil, errors.New("zero-dimension training data")
	}
	for _, row := range data {
		if len(row) != dim {
			return nil, errors.New("ragged training data")
		}
	}

	trees := opts.Trees
	if trees <= 0 {
		trees = 100
	}
	sampleSize := opts.SampleSize
	if sampleSize <= 0 {
		sampleSize = 256
	}
	if sampleSize > len(data) {
		sampleSize = len(data)
	}
	contamination := opts.Contamination
	if contamination <= 0 || contamination >= 1 {
		contamination = 0.1
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))
	if maxDepth < 1 {
		maxDepth = 1
	}

	f := &Forest{
		trees:     make([]*node, trees),
		refLength: harmonicPathLength(float64(sampleSize)),
		dim:       dim,
		trainedOn: len(data),
	}
	for i := range f.trees {
		indices := rng.Perm(len(data))[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, idx := range indices {
			sample[j] = data[idx]
		}
		f.trees[i] = grow(sample, dim, 0, maxDepth, rng)
	}

	scores := make([]float64, len(data))
	for i, row := range data {
		scores[i] = f.score(row)
	}
	f.threshold = percentile(scores, 100*(1-contamination))

	return f, nil
}

func grow(data [][]float64, dim, depth, maxDepth int, rng *rand.Rand) *node {
	n := len(data)
	if depth >= maxDepth || n <= 1 {
		return &node{feature: -1, size: n}
	}

	feature := rng.Intn(dim)
	lo, hi := data[0][feature], data[0][feature]
	for _, row := range data[1:] {
		if row[feature] < lo {
			lo = row[feature]
		}
		if row[feature] > hi {
			hi = row[feature]
		}
	}
	if lo == hi {
		return &node{feature: -1, size: n}
	}

	split := lo + rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, row := range data {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	return &node{
		feature: featureIndex(feature),
		split:   split,
		left:    grow(left, dim, depth+1, maxDepth, rng),
		right:   grow(right, dim, depth+1, maxDepth, rng),
	}
}

// Score returns the anomaly score for a single vector.
func (f *Forest) Score(sample []float64) (float64, error) {
	if len(sample) != f.dim {
		return 0, errors.New("sample dimensionality does not match model")
	}
	return f.score(sample), nil
}

func (f *Forest) score(sample []float64) float64 {
	var total float64
	for _, root := range f.trees {
		total += pathLength(sample, root, 0)
	}
	avg := total / float64(len(f.trees))
	return math.Pow(2, -avg/f.refLength)
}

// Threshold is the contamination-derived anomaly cutoff over [0,1] scores.
func (f *Forest) Threshold() float64 { return f.threshold }

// Dimension is the vector length the model was fitted on.
func (f *Forest) Dimension() int { return f.dim }

// TrainedOn is the number of training vectors.
func (f *Forest) TrainedOn() int { return f.trainedOn }

func pathLength(sample []float64, n *node, depth int) float64 {
	for n.feature >= 0 {
		if sample[n.feature] < n.split {
			n = n.left
		} else {
			n = n.right
		}
		depth++
	}
	return float64(depth) + harmonicPathLength(float64(n.size))
}

// harmonicPathLength is c(n), the average unsuccessful-search path length in
// a BST of n nodes, used to normalise isolation depths.
func harmonicPathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	const eulerMascheroni = 0.5772156649
	return 2*(math.Log(n-1)+eulerMascheroni) - 2*(n-1)/n
}

func percentile(scores []float64, p float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)-1) * p / 100)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
