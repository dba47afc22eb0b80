package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	ledger, err := Open(filepath.Join(t.TempDir(), "runs", "training.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

func TestRecordAndLoadRuns(t *testing.T) {
	ledger := openLedger(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	oob := 0.95

	require.NoError(t, ledger.RecordRun(ctx, TrainingLog{
		RunID: "first", ModelName: "random_forest", Dataset: "iris",
		EnsembleSize: 100, Seed: 42, Accuracy: 1, OOBScore: &oob,
		TrainedAt: base, DataPoints: 150, ArtifactPath: "model/model.json", Checksum: "abc",
	}))
	require.NoError(t, ledger.RecordRun(ctx, TrainingLog{
		RunID: "second", ModelName: "decision_tree", Dataset: "iris",
		Accuracy: 0.9, TrainedAt: base.Add(time.Hour), DataPoints: 120,
	}))

	logs, err := ledger.LoadTrainingLog(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	assert.Equal(t, "second", logs[0].RunID)
	assert.Nil(t, logs[0].OOBScore)
	assert.Nil(t, logs[0].TestAccuracy)

	first := logs[1]
	assert.Equal(t, "first", first.RunID)
	assert.Equal(t, 100, first.EnsembleSize)
	assert.Equal(t, int64(42), first.Seed)
	require.NotNil(t, first.OOBScore)
	assert.InDelta(t, 0.95, *first.OOBScore, 1e-9)
	assert.True(t, base.Equal(first.TrainedAt))
	assert.Equal(t, "model/model.json", first.ArtifactPath)

	limited, err := ledger.LoadTrainingLog(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "second", limited[0].RunID)
}

func TestRecordRunRejectsDuplicatesAndBlankIDs(t *testing.T) {
	ledger := openLedger(t)
	ctx := context.Background()
	run := TrainingLog{RunID: "dup", ModelName: "random_forest", Dataset: "iris"}

	require.NoError(t, ledger.RecordRun(ctx, run))
	assert.Error(t, ledger.RecordRun(ctx, run))
	assert.Error(t, ledger.RecordRun(ctx, TrainingLog{ModelName: "random_forest"}))
}

func TestLedgerPersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "training.db")
	ledger, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, ledger.RecordRun(context.Background(), TrainingLog{RunID: "kept", ModelName: "random_forest", Dataset: "iris"}))
	require.NoError(t, ledger.Close())

	_, err = os.Stat(path)
	require.NoError(t, err)

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	logs, err := reopened.LoadTrainingLog(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "kept", logs[0].RunID)
}

func TestClosedLedger(t *testing.T) {
	ledger := openLedger(t)
	require.NoError(t, ledger.Close())

	assert.ErrorIs(t, ledger.RecordRun(context.Background(), TrainingLog{RunID: "x"}), ErrClosed)
	_, err := ledger.LoadTrainingLog(context.Background(), 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, ledger.Close())
}
