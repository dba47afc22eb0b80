// Package dataset holds the labeled tables the trainer fits models on: the
// bundled Iris data and user supplied CSV files.
package dataset

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var (
	ErrEmpty      = errors.New("dataset is empty")
	ErrDegenerate = errors.New("dataset is degenerate")
)

// Dataset is an immutable table of labeled examples. Loaders hand out shared
// pointers, so callers must not modify the slices.
type Dataset struct {
	Name         string
	FeatureNames []string
	// ClassNames is indexed by label when the source names its classes.
	ClassNames []string
	Features   [][]float64
	Labels     []int
}

// FeatureStat summarizes one feature column.
type FeatureStat struct {
	Name   string  `json:"name"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}

func (d *Dataset) Len() int {
	return len(d.Labels)
}

func (d *Dataset) NumFeatures() int {
	return len(d.FeatureNames)
}

// Classes returns the distinct labels in ascending order.
func (d *Dataset) Classes() []int {
	seen := make(map[int]struct{})
	classes := make([]int, 0)
	for _, label := range d.Labels {
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		classes = append(classes, label)
	}
	sort.Ints(classes)
	return classes
}

// ClassCounts returns the number of rows per label.
func (d *Dataset) ClassCounts() map[int]int {
	counts := make(map[int]int)
	for _, label := range d.Labels {
		counts[label]++
	}
	return counts
}

// Validate checks the table is rectangular, finite and has at least two
// classes. A model cannot be fit on anything else.
func (d *Dataset) Validate() error {
	if d.Len() == 0 || len(d.Features) == 0 {
		return ErrEmpty
	}
	if len(d.Features) != len(d.Labels) {
		return fmt.Errorf("%w: %d feature rows for %d labels", ErrDegenerate, len(d.Features), len(d.Labels))
	}
	width := d.NumFeatures()
	if width == 0 {
		return fmt.Errorf("%w: no feature columns", ErrDegenerate)
	}
	for i, row := range d.Features {
		if len(row) != width {
			return fmt.Errorf("%w: row %d has %d features, want %d", ErrDegenerate, i, len(row), width)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: row %d feature %s is not finite", ErrDegenerate, i, d.FeatureNames[j])
			}
		}
	}
	if len(d.Classes()) < 2 {
		return fmt.Errorf("%w: need at least two classes", ErrDegenerate)
	}
	return nil
}

// Matrix copies the features into a dense rows x features matrix.
func (d *Dataset) Matrix() *mat.Dense {
	m := mat.NewDense(d.Len(), d.NumFeatures(), nil)
	for i, row := range d.Features {
		m.SetRow(i, row)
	}
	return m
}

// Summary computes per-feature statistics.
func (d *Dataset) Summary() []FeatureStat {
	if d.Len() == 0 {
		return nil
	}
	m := d.Matrix()
	stats := make([]FeatureStat, d.NumFeatures())
	column := make([]float64, d.Len())
	for j, name := range d.FeatureNames {
		mat.Col(column, j, m)
		mean, std := stat.MeanStdDev(column, nil)
		if d.Len() < 2 {
			std = 0
		}
		stats[j] = FeatureStat{
			Name:   name,
			Min:    floats.Min(column),
			Max:    floats.Max(column),
			Mean:   mean,
			StdDev: std,
		}
	}
	return stats
}

// Subset returns a dataset with the rows at indices, in that order. Rows are
// shared with d.
func (d *Dataset) Subset(indices []int) *Dataset {
	sub := &Dataset{
		Name:         d.Name,
		FeatureNames: d.FeatureNames,
		ClassNames:   d.ClassNames,
		Features:     make([][]float64, len(indices)),
		Labels:       make([]int, len(indices)),
	}
	for i, idx := range indices {
		sub.Features[i] = d.Features[idx]
		sub.Labels[i] = d.Labels[idx]
	}
	return sub
}
