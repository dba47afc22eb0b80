package artifact

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forestserve/ml"
)

func trainedTree(t *testing.T) *ml.DecisionTree {
	t.Helper()
	tree := ml.NewDecisionTree(ml.TreeConfig{})
	require.NoError(t, tree.Train(
		[][]float64{{1, 1}, {2, 2}, {8, 8}, {9, 9}},
		[]int{0, 0, 1, 1},
	))
	return tree
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "model", "model.json")
	a, err := New(Metadata{RunID: "run-1", Dataset: "toy", FeatureNames: []string{"x", "y"}, Seed: 3}, trainedTree(t))
	require.NoError(t, err)
	require.NoError(t, a.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.Metadata.SchemaVersion)
	assert.Equal(t, ml.KindDecisionTree, loaded.Metadata.Kind)
	assert.Equal(t, "run-1", loaded.Metadata.RunID)
	assert.Equal(t, []int{0, 1}, loaded.Metadata.Classes)
	assert.Equal(t, a.Metadata.Checksum, loaded.Metadata.Checksum)
	assert.False(t, loaded.Metadata.CreatedAt.IsZero())

	model, err := loaded.Classifier()
	require.NoError(t, err)
	label, _, err := model.Predict([]float64{8.5, 8.5})
	require.NoError(t, err)
	assert.Equal(t, 1, label)
}

func TestSaveOverwritesAndLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.json")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o644))

	a, err := New(Metadata{RunID: "run-2"}, trainedTree(t))
	require.NoError(t, err)
	require.NoError(t, a.Save(path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	_, err = Load(path)
	require.NoError(t, err)
}

func TestSaveFailsOnUnwritableDirectory(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	a, err := New(Metadata{}, trainedTree(t))
	require.NoError(t, err)
	assert.Error(t, a.Save(filepath.Join(blocker, "model.json")))
}

func TestStageCommitAndDiscard(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.json")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	a, err := New(Metadata{RunID: "run-3"}, trainedTree(t))
	require.NoError(t, err)

	staged, err := a.Stage(path)
	require.NoError(t, err)
	_, err = Load(staged.Path())
	require.NoError(t, err, "staged file is loadable before commit")
	require.NoError(t, staged.Discard())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	staged, err = a.Stage(path)
	require.NoError(t, err)
	require.NoError(t, staged.Commit())
	require.NoError(t, staged.Discard())
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "run-3", loaded.Metadata.RunID)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "model.json"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadRejectsOtherSchemaVersions(t *testing.T) {
	a, err := New(Metadata{}, trainedTree(t))
	require.NoError(t, err)
	a.Metadata.SchemaVersion = SchemaVersion + 1

	data, err := json.Marshal(a)
	require.NoError(t, err)
	_, err = Read(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrIncompatible)

	_, err = Read(bytes.NewReader([]byte(`{"metadata":{},"model":{}}`)))
	assert.ErrorIs(t, err, ErrIncompatible, "artifacts without a version are refused")
}

func TestReadDetectsTampering(t *testing.T) {
	a, err := New(Metadata{}, trainedTree(t))
	require.NoError(t, err)
	a.Model = bytes.Replace(a.Model, []byte(`"threshold":5`), []byte(`"threshold":1`), 1)

	data, err := json.Marshal(a)
	require.NoError(t, err)
	_, err = Read(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestReadAcceptsReindentedFiles(t *testing.T) {
	a, err := New(Metadata{}, trainedTree(t))
	require.NoError(t, err)

	data, err := json.MarshalIndent(a, "", "  ")
	require.NoError(t, err)
	loaded, err := Read(bytes.NewReader(data))
	require.NoError(t, err)
	_, err = loaded.Classifier()
	require.NoError(t, err)
}

func TestReadRejectsGarbage(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("joblib\x00\x01")))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestClassifierCrossChecksMetadata(t *testing.T) {
	a, err := New(Metadata{FeatureNames: []string{"x", "y", "z"}}, trainedTree(t))
	require.NoError(t, err)
	_, err = a.Classifier()
	assert.ErrorIs(t, err, ErrCorrupt)

	a, err = New(Metadata{}, trainedTree(t))
	require.NoError(t, err)
	a.Metadata.Classes = []int{0, 2}
	_, err = a.Classifier()
	assert.ErrorIs(t, err, ErrCorrupt)
}
