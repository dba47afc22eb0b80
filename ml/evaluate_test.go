package ml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type constantModel struct{ label int }

func (c constantModel) Predict([]float64) (int, float64, error) { return c.label, 1, nil }
func (c constantModel) PredictProba([]float64) ([]float64, error) {
	return []float64{1, 0}, nil
}
func (c constantModel) Classes() []int   { return []int{0, 1} }
func (c constantModel) NumFeatures() int { return 1 }

func TestEvaluate(t *testing.T) {
	features := [][]float64{{1}, {2}, {3}, {4}}
	labels := []int{0, 0, 1, 7}

	eval, err := Evaluate(constantModel{label: 0}, features, labels)
	require.NoError(t, err)
	assert.Equal(t, 0.5, eval.Accuracy)
	assert.Equal(t, 2.0, eval.Confusion.At(0, 0))
	assert.Equal(t, 1.0, eval.Confusion.At(1, 0))

	zero := eval.PerClass[0]
	assert.Equal(t, 0, zero.Label)
	assert.InDelta(t, 2.0/3, zero.Precision, 1e-9)
	assert.Equal(t, 1.0, zero.Recall)
	assert.Equal(t, 2, zero.Support)
	assert.Equal(t, 0.0, eval.PerClass[1].Recall)
}

func TestEvaluateRejectsMismatch(t *testing.T) {
	_, err := Evaluate(constantModel{}, [][]float64{{1}}, nil)
	assert.ErrorIs(t, err, ErrTrainingInput)
}

func TestTrainTestSplit(t *testing.T) {
	train, test := TrainTestSplit(10, 0.2, 1)
	assert.Len(t, train, 8)
	assert.Len(t, test, 2)
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, append(append([]int{}, train...), test...))

	again, _ := TrainTestSplit(10, 0.2, 1)
	assert.Equal(t, train, again)

	all, none := TrainTestSplit(3, 0, 1)
	assert.Equal(t, []int{0, 1, 2}, all)
	assert.Empty(t, none)

	train, test = TrainTestSplit(2, 0.99, 1)
	assert.Len(t, train, 1)
	assert.Len(t, test, 1)
}
