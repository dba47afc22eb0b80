package ml

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"slices"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// ForestConfig controls random forest training.
type ForestConfig struct {
	NumTrees        int
	MaxDepth        int
	MinSamplesSplit int
	// MaxFeatures per split; 0 uses floor(sqrt(features)).
	MaxFeatures int
	Bootstrap   bool
	Seed        int64
	// Workers fitting trees concurrently; 0 uses GOMAXPROCS.
	Workers int
	// OnTreeDone, when set, is called once per fitted tree from worker goroutines.
	OnTreeDone func()
}

func DefaultForestConfig() ForestConfig {
	return ForestConfig{
		NumTrees:        100,
		MinSamplesSplit: 2,
		Bootstrap:       true,
		Seed:            42,
	}
}

// RandomForest is a bagged ensemble of decision trees that predicts by
// averaging leaf class distributions.
type RandomForest struct {
	Trees       []*DecisionTree `json:"trees"`
	ClassLabels []int           `json:"classes"`
	Features    int             `json:"num_features"`
	// OOBScore is the out-of-bag accuracy, nil when no row was ever out of bag.
	OOBScore *float64 `json:"oob_score,omitempty"`

	config ForestConfig
}

func NewRandomForest(config ForestConfig) *RandomForest {
	return &RandomForest{config: config}
}

// Train fits NumTrees trees. Each tree draws from its own generator seeded
// from config.Seed, so the result does not depend on Workers.
func (f *RandomForest) Train(ctx context.Context, features [][]float64, labels []int) error {
	if f.config.NumTrees <= 0 {
		return fmt.Errorf("%w: forest needs at least one tree", ErrTrainingInput)
	}
	classes, encoded, err := encodeLabels(features, labels)
	if err != nil {
		return err
	}

	width := len(features[0])
	maxFeatures := f.config.MaxFeatures
	if maxFeatures <= 0 {
		maxFeatures = int(math.Max(1, math.Floor(math.Sqrt(float64(width)))))
	}

	seeds := make([]int64, f.config.NumTrees)
	seeder := rand.New(rand.NewSource(f.config.Seed))
	for i := range seeds {
		seeds[i] = seeder.Int63()
	}

	trees := make([]*DecisionTree, f.config.NumTrees)
	inBag := make([][]bool, f.config.NumTrees)

	workers := f.config.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(trees) {
		workers = len(trees)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				rng := rand.New(rand.NewSource(seeds[i]))
				sample, bag := f.sample(len(labels), rng)
				tree := NewDecisionTree(TreeConfig{
					MaxDepth:        f.config.MaxDepth,
					MinSamplesSplit: f.config.MinSamplesSplit,
					MaxFeatures:     maxFeatures,
				})
				tree.fit(features, encoded, classes, sample, rng)
				trees[i] = tree
				inBag[i] = bag
				if f.config.OnTreeDone != nil {
					f.config.OnTreeDone()
				}
			}
		}()
	}

	var cancelled error
dispatch:
	for i := range trees {
		if cancelled = ctx.Err(); cancelled != nil {
			break
		}
		select {
		case <-ctx.Done():
			cancelled = ctx.Err()
			break dispatch
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()
	if cancelled != nil {
		return cancelled
	}

	f.Trees = trees
	f.ClassLabels = classes
	f.Features = width
	f.OOBScore = f.outOfBag(features, encoded, inBag)
	return nil
}

func (f *RandomForest) sample(n int, rng *rand.Rand) ([]int, []bool) {
	sample := make([]int, n)
	bag := make([]bool, n)
	for i := range sample {
		idx := i
		if f.config.Bootstrap {
			idx = rng.Intn(n)
		}
		sample[i] = idx
		bag[idx] = true
	}
	return sample, bag
}

func (f *RandomForest) outOfBag(features [][]float64, encoded []int, inBag [][]bool) *float64 {
	if !f.config.Bootstrap {
		return nil
	}
	var correct, scored int
	votes := make([]float64, len(f.ClassLabels))
	for i, row := range features {
		for c := range votes {
			votes[c] = 0
		}
		seen := false
		for t, tree := range f.Trees {
			if inBag[t][i] {
				continue
			}
			leaf, err := tree.leaf(row)
			if err != nil {
				continue
			}
			floats.Add(votes, leaf.Distribution)
			seen = true
		}
		if !seen {
			continue
		}
		scored++
		if floats.MaxIdx(votes) == encoded[i] {
			correct++
		}
	}
	if scored == 0 {
		return nil
	}
	score := float64(correct) / float64(scored)
	return &score
}

func (f *RandomForest) Predict(features []float64) (int, float64, error) {
	proba, err := f.PredictProba(features)
	if err != nil {
		return 0, 0, err
	}
	idx := floats.MaxIdx(proba)
	return f.ClassLabels[idx], proba[idx], nil
}

// PredictProba averages the leaf distributions of every tree.
func (f *RandomForest) PredictProba(features []float64) ([]float64, error) {
	if len(f.Trees) == 0 {
		return nil, ErrNotTrained
	}
	if len(features) != f.Features {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrFeatureCount, len(features), f.Features)
	}
	proba := make([]float64, len(f.ClassLabels))
	for _, tree := range f.Trees {
		leaf, err := tree.leaf(features)
		if err != nil {
			return nil, err
		}
		floats.Add(proba, leaf.Distribution)
	}
	floats.Scale(1/float64(len(f.Trees)), proba)
	return proba, nil
}

func (f *RandomForest) Classes() []int {
	return append([]int(nil), f.ClassLabels...)
}

func (f *RandomForest) NumFeatures() int {
	return f.Features
}

// Validate checks a deserialized forest before it is used for inference.
func (f *RandomForest) Validate() error {
	if len(f.Trees) == 0 {
		return ErrNotTrained
	}
	if len(f.ClassLabels) == 0 || f.Features <= 0 {
		return fmt.Errorf("%w: missing classes or feature count", ErrInvalidModel)
	}
	for i, tree := range f.Trees {
		if tree == nil {
			return fmt.Errorf("%w: tree %d is empty", ErrInvalidModel, i)
		}
		if tree.Features != f.Features || !slices.Equal(tree.ClassLabels, f.ClassLabels) {
			return fmt.Errorf("%w: tree %d disagrees with forest shape", ErrInvalidModel, i)
		}
		if err := tree.Validate(); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}
	return nil
}
