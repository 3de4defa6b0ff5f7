package iforest

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clusterWithOutliers(n int) [][]float64 {
	rng := rand.New(rand.NewSource(7))
	data := make([][]float64, 0, n)
	for i := 0; i < n; i++ {
		data = append(data, []float64{
			10 + rng.Float64(),
			10 + rng.Float64(),
			5 + rng.Float64()*0.5,
		})
	}
	return data
}

func TestTrainRejectsBadInput(t *testing.T) {
	_, err := Train(nil, Options{})
	assert.Error(t, err)

	_, err = Train([][]float64{{}}, Options{})
	assert.Error(t, err)

	_, err = Train([][]float64{{1, 2}, {1}}, Options{})
	assert.Error(t, err)
}

func TestOutlierScoresAboveCluster(t *testing.T) {
	data := clusterWithOutliers(200)
	forest, err := Train(data, Options{Trees: 100, SampleSize: 128, Contamination: 0.1, Seed: 42})
	require.NoError(t, err)

	inlier, err := forest.Score([]float64{10.5, 10.5, 5.2})
	require.NoError(t, err)
	outlier, err := forest.Score([]float64{500, 500, 490})
	require.NoError(t, err)

	assert.Greater(t, outlier, inlier)
	assert.Greater(t, outlier, forest.Threshold())
	assert.GreaterOrEqual(t, outlier, 0.0)
	assert.LessOrEqual(t, outlier, 1.0)
	assert.Less(t, inlier, forest.Threshold())
}

func TestTrainingIsDeterministicForSeed(t *testing.T) {
	data := clusterWithOutliers(150)

	a, err := Train(data, Options{Trees: 50, SampleSize: 64, Contamination: 0.1, Seed: 42})
	require.NoError(t, err)
	b, err := Train(data, Options{Trees: 50, SampleSize: 64, Contamination: 0.1, Seed: 42})
	require.NoError(t, err)

	point := []float64{11, 9, 5}
	sa, err := a.Score(point)
	require.NoError(t, err)
	sb, err := b.Score(point)
	require.NoError(t, err)

	assert.Equal(t, sa, sb)
	assert.Equal(t, a.Threshold(), b.Threshold())
}

func TestScoreRejectsDimensionMismatch(t *testing.T) {
	forest, err := Train(clusterWithOutliers(60), Options{Seed: 1})
	require.NoError(t, err)

	_, err = forest.Score([]float64{1, 2})
	assert.Error(t, err)
}

func TestSampleSizeCappedAtDataset(t *testing.T) {
	data := clusterWithOutliers(10)
	forest, err := Train(data, Options{Trees: 10, SampleSize: 256, Seed: 3})
	require.NoError(t, err)

	assert.Equal(t, 10, forest.TrainedOn())
	assert.Equal(t, 3, forest.Dimension())
}
