package ml

import (
	"math"
	"math/rand"
)

// TrainTestSplit shuffles row indices with seed and holds out testRatio of
// them. A ratio outside (0, 1) keeps every row for training, in order. Both
// sides get at least one row when n >= 2.
func TrainTestSplit(n int, testRatio float64, seed int64) (train, test []int) {
	if testRatio <= 0 || testRatio >= 1 || n < 2 {
		train = make([]int, n)
		for i := range train {
			train[i] = i
		}
		return train, nil
	}
	indices := rand.New(rand.NewSource(seed)).Perm(n)

	split := int(math.Round(float64(n) * (1 - testRatio)))
	if split < 1 {
		split = 1
	}
	if split > n-1 {
		split = n - 1
	}
	return indices[:split], indices[split:]
}
