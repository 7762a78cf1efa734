// SPDX-License-Identifier: MIT

// Package anomaly scores telemetry feature vectors with an isolation forest.
// Anomalous points sit in sparse regions of the feature space and isolate in
// few random splits, giving short average path lengths across the ensemble.
package anomaly

import (
	"errors"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"
)

var (
	// ErrNoData is returned when Fit receives an empty training set.
	ErrNoData = errors.New("anomaly: no training data")
	// ErrRaggedData is returned when training rows disagree on width.
	ErrRaggedData = errors.New("anomaly: inconsistent feature width")
)

// Class is the verdict for one scored point.
type Class int

const (
	Normal Class = iota
	Anomaly
)

// Options tune the forest. Zero values fall back to the defaults below.
type Options struct {
	Trees         int
	SampleSize    int
	Contamination float64
	Seed          int64
}

const (
	defaultTrees         = 100
	defaultSampleSize    = 256
	defaultContamination = 0.05
)

// Forest is a trained isolation forest. Safe for concurrent scoring.
type Forest struct {
	trees     []*treeNode
	refLength float64
	threshold float64
	width     int
}

type treeNode struct {
	feature int
	split   float64
	left    *treeNode
	right   *treeNode
	size    int
}

// Fit trains a forest on the given feature matrix. Training is deterministic
// for a fixed seed, so scheduled retrains on identical data yield identical
// models.
func Fit(data [][]float64, opts Options) (*Forest, error) {
	if len(data) == 0 {
		return nil, ErrNoData
	}
	width := len(data[0])
	for _, row := range data {
		if len(row) != width {
			return nil, ErrRaggedData
		}
	}

	if opts.Trees <= 0 {
		opts.Trees = defaultTrees
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = defaultSampleSize
	}
	if opts.SampleSize > len(data) {
		opts.SampleSize = len(data)
	}
	if opts.Contamination <= 0 || opts.Contamination >= 1 {
		opts.Contamination = defaultContamination
	}

	maxDepth := int(math.Ceil(math.Log2(float64(opts.SampleSize))))
	f := &Forest{
		trees:     make([]*treeNode, opts.Trees),
		refLength: avgPathLength(opts.SampleSize),
		width:     width,
	}

	for i := range f.trees {
		rng := rand.New(rand.NewSource(opts.Seed + int64(i)))
		sample := subsample(data, opts.SampleSize, rng)
		f.trees[i] = buildTree(sample, 0, maxDepth, rng)
	}

	// Calibrate the decision threshold so the top contamination fraction of
	// the training scores classifies as anomalous.
	scores := make([]float64, len(data))
	for i, row := range data {
		scores[i] = f.Score(row)
	}
	sort.Float64s(scores)
	f.threshold = stat.Quantile(1-opts.Contamination, stat.Empirical, scores, nil)

	return f, nil
}

// Score returns the anomaly score of a point in [0, 1]. Scores near 1 mean
// the point isolates quickly and is almost certainly anomalous; scores well
// under 0.5 are unremarkable.
func (f *Forest) Score(x []float64) float64 {
	var total float64
	for _, t := range f.trees {
		total += pathLength(t, x, 0)
	}
	mean := total / float64(len(f.trees))
	return math.Pow(2, -mean/f.refLength)
}

// Classify scores a point and applies the calibrated threshold.
func (f *Forest) Classify(x []float64) (float64, Class) {
	score := f.Score(x)
	if score >= f.threshold {
		return score, Anomaly
	}
	return score, Normal
}

// Width returns the feature width the forest was trained on.
func (f *Forest) Width() int {
	return f.width
}

func subsample(data [][]float64, n int, rng *rand.Rand) [][]float64 {
	if n >= len(data) {
		return data
	}
	idx := rng.Perm(len(data))[:n]
	out := make([][]float64, n)
	for i, j := range idx {
		out[i] = data[j]
	}
	return out
}

func buildTree(data [][]float64, depth, maxDepth int, rng *rand.Rand) *treeNode {
	if depth >= maxDepth || len(data) <= 1 {
		return &treeNode{size: len(data)}
	}

	feature := rng.Intn(len(data[0]))
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
		return &treeNode{size: len(data)}
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

	return &treeNode{
		feature: feature,
		split:   split,
		left:    buildTree(left, depth+1, maxDepth, rng),
		right:   buildTree(right, depth+1, maxDepth, rng),
	}
}

func pathLength(n *treeNode, x []float64, depth int) float64 {
	if n.left == nil {
		return float64(depth) + avgPathLength(n.size)
	}
	if x[n.feature] < n.split {
		return pathLength(n.left, x, depth+1)
	}
	return pathLength(n.right, x, depth+1)
}

// avgPathLength is the expected unsuccessful-search depth in a BST of n
// nodes, the standard normalization term for isolation forests.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + 0.5772156649
	return 2*h - 2*float64(n-1)/float64(n)
}
