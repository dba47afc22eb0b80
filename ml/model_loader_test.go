package ml

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadModelRoundTrip(t *testing.T) {
	features, labels := irisTable(t)
	forest := smallForest(3, 0)
	require.NoError(t, forest.Train(context.Background(), features, labels))

	kind, err := KindOf(forest)
	require.NoError(t, err)
	assert.Equal(t, KindRandomForest, kind)

	payload, err := json.Marshal(forest)
	require.NoError(t, err)
	loaded, err := LoadModel(kind, payload)
	require.NoError(t, err)

	for _, row := range features {
		want, _, err := forest.Predict(row)
		require.NoError(t, err)
		got, _, err := loaded.Predict(row)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestLoadModelDecisionTree(t *testing.T) {
	tree := NewDecisionTree(TreeConfig{})
	require.NoError(t, tree.Train([][]float64{{1}, {2}}, []int{4, 9}))
	payload, err := json.Marshal(tree)
	require.NoError(t, err)

	loaded, err := LoadModel(KindDecisionTree, payload)
	require.NoError(t, err)
	label, _, err := loaded.Predict([]float64{2})
	require.NoError(t, err)
	assert.Equal(t, 9, label)
}

func TestLoadModelErrors(t *testing.T) {
	_, err := LoadModel("svm", []byte(`{}`))
	assert.Error(t, err)

	_, err = LoadModel(KindRandomForest, []byte(`{"trees":`))
	assert.Error(t, err)

	_, err = LoadModel(KindRandomForest, []byte(`{"trees":[],"classes":[0,1],"num_features":4}`))
	assert.ErrorIs(t, err, ErrNotTrained)
}
