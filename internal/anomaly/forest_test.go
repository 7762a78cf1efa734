// SPDX-License-Identifier: MIT

package anomaly

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trainingSet produces clustered operating-point data: six features around
// realistic machining values with small gaussian noise.
func trainingSet(n int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	base := []float64{2000, 40, 0.2, 0.2, 0.2, 70}
	data := make([][]float64, n)
	for i := range data {
		row := make([]float64, len(base))
		for j, b := range base {
			row[j] = b + rng.NormFloat64()*b*0.02
		}
		data[i] = row
	}
	return data
}

func TestFitRejectsBadInput(t *testing.T) {
	_, err := Fit(nil, Options{})
	require.ErrorIs(t, err, ErrNoData)

	_, err = Fit([][]float64{{1, 2}, {1}}, Options{})
	require.ErrorIs(t, err, ErrRaggedData)
}

func TestExtremeOutlierIsolates(t *testing.T) {
	data := trainingSet(500, 1)
	f, err := Fit(data, Options{Seed: 42})
	require.NoError(t, err)

	// A vibration spike ten standard deviations out with a stalled spindle.
	outlier := []float64{0, 400, 4.0, 4.0, 4.0, 140}
	score, class := f.Classify(outlier)
	assert.Equal(t, Anomaly, class)

	inlierScore, _ := f.Classify(data[0])
	assert.Greater(t, score, inlierScore)
}

func TestTypicalPointsMostlyNormal(t *testing.T) {
	data := trainingSet(500, 2)
	f, err := Fit(data, Options{Seed: 42, Contamination: 0.05})
	require.NoError(t, err)

	anomalies := 0
	for _, row := range data {
		if _, class := f.Classify(row); class == Anomaly {
			anomalies++
		}
	}
	// Threshold is the 95th percentile of training scores, so roughly 5%
	// of the training set lands on or above it.
	assert.InDelta(t, 25, anomalies, 20)
}

func TestDeterministicForFixedSeed(t *testing.T) {
	data := trainingSet(300, 3)
	a, err := Fit(data, Options{Seed: 7})
	require.NoError(t, err)
	b, err := Fit(data, Options{Seed: 7})
	require.NoError(t, err)

	point := []float64{2100, 42, 0.25, 0.19, 0.22, 72}
	assert.Equal(t, a.Score(point), b.Score(point))
}

func TestScoreBounds(t *testing.T) {
	data := trainingSet(300, 4)
	f, err := Fit(data, Options{Seed: 5})
	require.NoError(t, err)

	for _, point := range [][]float64{data[10], {1e6, 1e6, 1e6, 1e6, 1e6, 1e6}} {
		s := f.Score(point)
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}
