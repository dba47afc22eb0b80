package dataset

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIris(t *testing.T) {
	ds, err := Iris()
	require.NoError(t, err)
	require.NoError(t, ds.Validate())

	assert.Equal(t, 150, ds.Len())
	assert.Equal(t, 4, ds.NumFeatures())
	assert.Equal(t, []string{"sepal_length", "sepal_width", "petal_length", "petal_width"}, ds.FeatureNames)
	assert.Equal(t, []int{0, 1, 2}, ds.Classes())
	assert.Equal(t, map[int]int{0: 50, 1: 50, 2: 50}, ds.ClassCounts())
	assert.Equal(t, []float64{5.1, 3.5, 1.4, 0.2}, ds.Features[0])
	assert.Equal(t, "virginica", ds.ClassNames[2])
}

func TestIrisSummary(t *testing.T) {
	ds, err := Iris()
	require.NoError(t, err)

	stats := ds.Summary()
	require.Len(t, stats, 4)
	sepal := stats[0]
	assert.Equal(t, "sepal_length", sepal.Name)
	assert.Equal(t, 4.3, sepal.Min)
	assert.Equal(t, 7.9, sepal.Max)
	assert.InDelta(t, 5.843, sepal.Mean, 0.001)
	assert.InDelta(t, 0.828, sepal.StdDev, 0.001)
}

func TestReadCSV(t *testing.T) {
	body := "a, b, label\n1,2,0\n3.5,4,1\n"
	ds, err := ReadCSV("inline", strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ds.FeatureNames)
	assert.Equal(t, [][]float64{{1, 2}, {3.5, 4}}, ds.Features)
	assert.Equal(t, []int{0, 1}, ds.Labels)
}

func TestReadCSVErrors(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"no label":       "a,b\n1,2\n",
		"only label":     "label\n1\n",
		"bad feature":    "a,label\nx,1\n",
		"bad label":      "a,label\n1,one\n",
		"ragged records": "a,b,label\n1,2,0\n1,0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadCSV(name, strings.NewReader(body))
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	single := &Dataset{FeatureNames: []string{"x"}, Features: [][]float64{{1}, {2}}, Labels: []int{1, 1}}
	assert.ErrorIs(t, single.Validate(), ErrDegenerate)

	nan := &Dataset{FeatureNames: []string{"x"}, Features: [][]float64{{math.NaN()}, {2}}, Labels: []int{0, 1}}
	assert.ErrorIs(t, nan.Validate(), ErrDegenerate)

	ragged := &Dataset{FeatureNames: []string{"x", "y"}, Features: [][]float64{{1, 2}, {2}}, Labels: []int{0, 1}}
	assert.ErrorIs(t, ragged.Validate(), ErrDegenerate)

	assert.ErrorIs(t, (&Dataset{}).Validate(), ErrEmpty)
}

func TestSubset(t *testing.T) {
	ds, err := Iris()
	require.NoError(t, err)

	sub := ds.Subset([]int{149, 0})
	assert.Equal(t, 2, sub.Len())
	assert.Equal(t, []int{2, 0}, sub.Labels)
	assert.Equal(t, ds.FeatureNames, sub.FeatureNames)
}

func TestLoaderCachesDatasets(t *testing.T) {
	loader, err := NewLoader(2)
	require.NoError(t, err)
	ctx := context.Background()
	src := Source{Name: "iris"}

	assert.False(t, loader.Cached(src))
	first, err := loader.Load(ctx, src)
	require.NoError(t, err)
	assert.True(t, loader.Cached(src))

	second, err := loader.Load(ctx, src)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestLoaderReadsEncodedCSV(t *testing.T) {
	// "pétale" in ISO-8859-1
	body := []byte("p\xe9tale,label\n1.0,0\n2.0,1\n")
	path := filepath.Join(t.TempDir(), "latin1.csv")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	loader, err := NewLoader(1)
	require.NoError(t, err)
	ds, err := loader.Load(context.Background(), Source{Name: path, Encoding: "ISO-8859-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"pétale"}, ds.FeatureNames)
	assert.Equal(t, 2, ds.Len())
}

func TestLoaderRejectsDegenerateCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "one-class.csv")
	require.NoError(t, os.WriteFile(path, []byte("x,label\n1,0\n2,0\n"), 0o644))

	loader, err := NewLoader(1)
	require.NoError(t, err)
	_, err = loader.Load(context.Background(), Source{Name: path})
	assert.ErrorIs(t, err, ErrDegenerate)
	assert.False(t, loader.Cached(Source{Name: path}))
}

func TestLoaderMissingFileAndCharset(t *testing.T) {
	loader, err := NewLoader(1)
	require.NoError(t, err)

	_, err = loader.Load(context.Background(), Source{Name: filepath.Join(t.TempDir(), "nope.csv")})
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "ok.csv")
	require.NoError(t, os.WriteFile(path, []byte("x,label\n1,0\n2,1\n"), 0o644))
	_, err = loader.Load(context.Background(), Source{Name: path, Encoding: "klingon"})
	assert.Error(t, err)
}

func TestLoaderHonorsCancelledContext(t *testing.T) {
	loader, err := NewLoader(1)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = loader.Load(ctx, Source{Name: "iris"})
	assert.ErrorIs(t, err, context.Canceled)
}
