package detector

import "math"

// baseline holds per-feature mean and standard deviation over the training
// window, used to attribute an anomalous fingerprint to the feature that
// deviates the most. Immutable once built; swapped together with the model.
type baseline struct {
	names []string
	mean  []float64
	std   []float64
}

func newBaseline(names []string, data [][]float64) *baseline {
	if len(data) == 0 {
		return &baseline{names: names}
	}
	dim := len(data[0])
	b := &baseline{
		names: names,
		mean:  make([]float64, dim),
		std:   make([]float64, dim),
	}
	for _, row := range data {
		for i, v := range row {
			b.mean[i] += v
		}
	}
	for i := range b.mean {
		b.mean[i] /= float64(len(data))
	}
	for _, row := range data {
		for i, v := range row {
			d := v - b.mean[i]
			b.std[i] += d * d
		}
	}
	for i := range b.std {
		b.std[i] = math.Sqrt(b.std[i] / float64(len(data)))
		if b.std[i] == 0 {
			b.std[i] = 0.01
		}
	}
	return b
}

// attribute names the feature with the largest absolute z-score against the
// training window. Falls back to "unknown" for mismatched dimensions.
func (b *baseline) attribute(vec []float64) string {
	if len(vec) != len(b.mean) {
		return "unknown"
	}
	best, bestZ := -1, 0.0
	for i, v := range vec {
		z := math.Abs((v - b.mean[i]) / b.std[i])
		if z > bestZ {
			best, bestZ = i, z
		}
	}
	if best < 0 {
		return "unknown"
	}
	if best < len(b.names) {
		return b.names[best]
	}
	return "unknown"
}
