package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
)

var (
	ErrNotTrained    = errors.New("model not trained")
	ErrFeatureCount  = errors.New("feature count mismatch")
	ErrInvalidModel  = errors.New("invalid model state")
	ErrTrainingInput = errors.New("invalid training input")
)

// TreeConfig controls how a single CART tree grows.
type TreeConfig struct {
	// MaxDepth of 0 grows until every leaf is pure.
	MaxDepth        int
	MinSamplesSplit int
	// MaxFeatures is the number of features examined per split; 0 means all.
	MaxFeatures int
	Seed        int64
}

// DecisionTree is a binary classification tree stored as a flat node slice.
// Children always have larger indices than their parent.
type DecisionTree struct {
	Nodes       []TreeNode `json:"nodes"`
	ClassLabels []int      `json:"classes"`
	Features    int        `json:"num_features"`

	config TreeConfig
}

// TreeNode is a split or a leaf. Children are indices into Nodes.
type TreeNode struct {
	FeatureIdx int     `json:"feature_idx"`
	Threshold  float64 `json:"threshold"`
	LeftChild  int     `json:"left_child"`
	RightChild int     `json:"right_child"`
	ClassLabel int     `json:"class_label"`
	IsLeaf     bool    `json:"is_leaf"`
	// Distribution holds class frequencies at a leaf, indexed like ClassLabels.
	Distribution []float64 `json:"distribution,omitempty"`
}

func NewDecisionTree(config TreeConfig) *DecisionTree {
	return &DecisionTree{config: config}
}

// Train fits the tree on every row of features.
func (dt *DecisionTree) Train(features [][]float64, labels []int) error {
	classes, encoded, err := encodeLabels(features, labels)
	if err != nil {
		return err
	}
	sample := make([]int, len(labels))
	for i := range sample {
		sample[i] = i
	}
	dt.fit(features, encoded, classes, sample, rand.New(rand.NewSource(dt.config.Seed)))
	return nil
}

func (dt *DecisionTree) Predict(features []float64) (int, float64, error) {
	leaf, err := dt.leaf(features)
	if err != nil {
		return 0, 0, err
	}
	idx := floats.MaxIdx(leaf.Distribution)
	return dt.ClassLabels[idx], leaf.Distribution[idx], nil
}

func (dt *DecisionTree) PredictProba(features []float64) ([]float64, error) {
	leaf, err := dt.leaf(features)
	if err != nil {
		return nil, err
	}
	return append([]float64(nil), leaf.Distribution...), nil
}

func (dt *DecisionTree) Classes() []int {
	return append([]int(nil), dt.ClassLabels...)
}

func (dt *DecisionTree) NumFeatures() int {
	return dt.Features
}

// Depth returns the number of edges on the longest root-to-leaf path.
func (dt *DecisionTree) Depth() int {
	if len(dt.Nodes) == 0 {
		return 0
	}
	depths := make([]int, len(dt.Nodes))
	deepest := 0
	for i, node := range dt.Nodes {
		if node.IsLeaf {
			if depths[i] > deepest {
				deepest = depths[i]
			}
			continue
		}
		depths[node.LeftChild] = depths[i] + 1
		depths[node.RightChild] = depths[i] + 1
	}
	return deepest
}

// Validate checks the structure of a deserialized tree.
func (dt *DecisionTree) Validate() error {
	if len(dt.Nodes) == 0 {
		return ErrNotTrained
	}
	if len(dt.ClassLabels) == 0 || dt.Features <= 0 {
		return fmt.Errorf("%w: missing classes or feature count", ErrInvalidModel)
	}
	for i, node := range dt.Nodes {
		if node.IsLeaf {
			if len(node.Distribution) != len(dt.ClassLabels) {
				return fmt.Errorf("%w: leaf %d has %d class weights, want %d", ErrInvalidModel, i, len(node.Distribution), len(dt.ClassLabels))
			}
			continue
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= dt.Features {
			return fmt.Errorf("%w: node %d splits on feature %d", ErrInvalidModel, i, node.FeatureIdx)
		}
		for _, child := range []int{node.LeftChild, node.RightChild} {
			if child <= i || child >= len(dt.Nodes) {
				return fmt.Errorf("%w: node %d has child %d", ErrInvalidModel, i, child)
			}
		}
	}
	return nil
}

func (dt *DecisionTree) leaf(features []float64) (*TreeNode, error) {
	if len(dt.Nodes) == 0 {
		return nil, ErrNotTrained
	}
	if len(features) != dt.Features {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrFeatureCount, len(features), dt.Features)
	}
	idx := 0
	for {
		node := &dt.Nodes[idx]
		if node.IsLeaf {
			return node, nil
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx < 0 || idx >= len(dt.Nodes) {
			return nil, ErrInvalidModel
		}
	}
}

// fit grows the tree over the rows listed in sample (which may repeat rows).
// encoded holds labels as indices into classes.
func (dt *DecisionTree) fit(features [][]float64, encoded []int, classes []int, sample []int, rng *rand.Rand) {
	dt.ClassLabels = classes
	dt.Features = len(features[0])
	dt.Nodes = dt.Nodes[:0]

	cfg := dt.config
	if cfg.MinSamplesSplit < 2 {
		cfg.MinSamplesSplit = 2
	}
	if cfg.MaxFeatures <= 0 || cfg.MaxFeatures > dt.Features {
		cfg.MaxFeatures = dt.Features
	}

	g := &grower{
		tree:       dt,
		cfg:        cfg,
		features:   features,
		labels:     encoded,
		numClasses: len(classes),
		rng:        rng,
	}
	g.grow(sample, 0)
}

type grower struct {
	tree       *DecisionTree
	cfg        TreeConfig
	features   [][]float64
	labels     []int
	numClasses int
	rng        *rand.Rand
}

type split struct {
	feature   int
	threshold float64
	impurity  float64
}

type observation struct {
	value float64
	label int
}

func (g *grower) grow(sample []int, depth int) int {
	counts := g.count(sample)
	id := len(g.tree.Nodes)
	g.tree.Nodes = append(g.tree.Nodes, g.leafNode(counts))

	if g.cfg.MaxDepth > 0 && depth >= g.cfg.MaxDepth {
		return id
	}
	if len(sample) < g.cfg.MinSamplesSplit || isPure(counts) {
		return id
	}
	best, ok := g.bestSplit(sample, gini(counts, float64(len(sample))))
	if !ok {
		return id
	}

	left, right := partition(sample, g.features, best)
	leftID := g.grow(left, depth+1)
	rightID := g.grow(right, depth+1)

	node := &g.tree.Nodes[id]
	node.IsLeaf = false
	node.FeatureIdx = best.feature
	node.Threshold = best.threshold
	node.LeftChild = leftID
	node.RightChild = rightID
	node.Distribution = nil
	return id
}

func (g *grower) count(sample []int) []float64 {
	counts := make([]float64, g.numClasses)
	for _, idx := range sample {
		counts[g.labels[idx]]++
	}
	return counts
}

func (g *grower) leafNode(counts []float64) TreeNode {
	dist := append([]float64(nil), counts...)
	if total := floats.Sum(dist); total > 0 {
		floats.Scale(1/total, dist)
	}
	return TreeNode{
		FeatureIdx:   -1,
		LeftChild:    -1,
		RightChild:   -1,
		ClassLabel:   g.tree.ClassLabels[floats.MaxIdx(dist)],
		IsLeaf:       true,
		Distribution: dist,
	}
}

// bestSplit scans a random order of features, looking at MaxFeatures
// non-constant ones (more if none of those improves on the parent), and
// returns the threshold with the lowest weighted Gini impurity.
func (g *grower) bestSplit(sample []int, parent float64) (split, bool) {
	best := split{feature: -1, impurity: parent}
	n := float64(len(sample))
	observations := make([]observation, len(sample))
	left := make([]float64, g.numClasses)
	right := make([]float64, g.numClasses)
	total := g.count(sample)

	tried := 0
	for _, f := range g.rng.Perm(g.tree.Features) {
		if tried >= g.cfg.MaxFeatures && best.feature >= 0 {
			break
		}
		for i, idx := range sample {
			observations[i] = observation{value: g.features[idx][f], label: g.labels[idx]}
		}
		sort.Slice(observations, func(a, b int) bool {
			return observations[a].value < observations[b].value
		})
		if observations[0].value == observations[len(observations)-1].value {
			continue
		}
		tried++

		for c := range left {
			left[c] = 0
		}
		copy(right, total)
		for i := 1; i < len(observations); i++ {
			prev := observations[i-1]
			left[prev.label]++
			right[prev.label]--
			if observations[i].value <= prev.value {
				continue
			}
			nl := float64(i)
			nr := n - nl
			impurity := (nl*gini(left, nl) + nr*gini(right, nr)) / n
			if impurity < best.impurity-1e-12 {
				threshold := prev.value + (observations[i].value-prev.value)/2
				if threshold >= observations[i].value {
					threshold = prev.value
				}
				best = split{feature: f, threshold: threshold, impurity: impurity}
			}
		}
	}
	return best, best.feature >= 0
}

func partition(sample []int, features [][]float64, s split) (left, right []int) {
	left = make([]int, 0, len(sample))
	right = make([]int, 0, len(sample))
	for _, idx := range sample {
		if features[idx][s.feature] <= s.threshold {
			left = append(left, idx)
		} else {
			right = append(right, idx)
		}
	}
	return left, right
}

func gini(counts []float64, n float64) float64 {
	if n == 0 {
		return 0
	}
	impurity := 1.0
	for _, c := range counts {
		p := c / n
		impurity -= p * p
	}
	return impurity
}

func isPure(counts []float64) bool {
	nonZero := 0
	for _, c := range counts {
		if c > 0 {
			nonZero++
		}
	}
	return nonZero <= 1
}

// encodeLabels validates a training table and maps labels onto 0..k-1 in
// ascending label order.
func encodeLabels(features [][]float64, labels []int) ([]int, []int, error) {
	if len(features) == 0 || len(labels) == 0 {
		return nil, nil, fmt.Errorf("%w: features or labels empty", ErrTrainingInput)
	}
	if len(features) != len(labels) {
		return nil, nil, fmt.Errorf("%w: %d rows for %d labels", ErrTrainingInput, len(features), len(labels))
	}
	width := len(features[0])
	if width == 0 {
		return nil, nil, fmt.Errorf("%w: rows have no features", ErrTrainingInput)
	}
	for i, row := range features {
		if len(row) != width {
			return nil, nil, fmt.Errorf("%w: row %d has %d features, want %d", ErrTrainingInput, i, len(row), width)
		}
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, nil, fmt.Errorf("%w: row %d is not finite", ErrTrainingInput, i)
			}
		}
	}

	seen := make(map[int]struct{})
	classes := make([]int, 0)
	for _, label := range labels {
		if _, ok := seen[label]; !ok {
			seen[label] = struct{}{}
			classes = append(classes, label)
		}
	}
	sort.Ints(classes)

	index := make(map[int]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	encoded := make([]int, len(labels))
	for i, label := range labels {
		encoded[i] = index[label]
	}
	return classes, encoded, nil
}
