// Package trainer fits a classifier on a dataset and publishes it as a model
// artifact for the predictor service.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"forestserve/artifact"
	"forestserve/config"
	"forestserve/dataset"
	"forestserve/db"
	"forestserve/ml"
)

// Stage names the step of a run that failed.
type Stage string

const (
	StageDataset Stage = "dataset"
	StageFit     Stage = "fit"
	StageSave    Stage = "save"
	StageVerify  Stage = "verify"
)

// TrainingError reports a fatal trainer failure. Runs are never retried.
type TrainingError struct {
	Stage Stage
	Err   error
}

func (e *TrainingError) Error() string {
	return fmt.Sprintf("training failed at %s: %v", e.Stage, e.Err)
}

func (e *TrainingError) Unwrap() error {
	return e.Err
}

func fail(stage Stage, err error) error {
	return &TrainingError{Stage: stage, Err: err}
}

// Config describes one training run.
type Config struct {
	Dataset      dataset.Source
	ArtifactPath string
	ModelType    string
	Forest       ml.ForestConfig
	// TestRatio of rows held out for evaluation; 0 fits on every row.
	TestRatio float64
}

// FromConfig maps the shared configuration onto a run.
func FromConfig(cfg *config.Config) Config {
	return Config{
		Dataset:      dataset.Source{Name: cfg.Dataset.Source, Encoding: cfg.Dataset.Encoding},
		ArtifactPath: cfg.ArtifactPath,
		ModelType:    cfg.Training.ModelType,
		Forest: ml.ForestConfig{
			NumTrees:        cfg.Training.EnsembleSize,
			MaxDepth:        cfg.Training.MaxDepth,
			MinSamplesSplit: cfg.Training.MinSamplesSplit,
			MaxFeatures:     cfg.Training.MaxFeatures,
			Bootstrap:       true,
			Seed:            cfg.Training.Seed,
			Workers:         cfg.Training.Workers,
		},
		TestRatio: cfg.Training.TestRatio,
	}
}

// Result summarizes a successful run.
type Result struct {
	RunID         string
	ArtifactPath  string
	Metadata      artifact.Metadata
	TrainAccuracy float64
	TestAccuracy  *float64
	OOBScore      *float64
	Evaluation    *ml.Evaluation
	TrainRows     int
	TestRows      int
	Duration      time.Duration
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithLogger sets the run logger. A nil logger is ignored.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Trainer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithLedger records every successful run in ledger.
func WithLedger(ledger *db.Ledger) Option {
	return func(t *Trainer) { t.ledger = ledger }
}

// WithProgress draws a per-tree progress bar on w.
func WithProgress(w io.Writer) Option {
	return func(t *Trainer) { t.progress = w }
}

// Trainer runs training jobs against a shared dataset loader.
type Trainer struct {
	loader   *dataset.Loader
	logger   *zap.Logger
	ledger   *db.Ledger
	progress io.Writer
}

// New returns a Trainer reading datasets through loader.
func New(loader *dataset.Loader, opts ...Option) *Trainer {
	t := &Trainer{loader: loader, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run loads the dataset, fits the model, writes the artifact to
// cfg.ArtifactPath and checks the written artifact predicts exactly like the
// fitted model.
func (t *Trainer) Run(ctx context.Context, cfg Config) (*Result, error) {
	start := time.Now()
	runID := uuid.NewString()
	logger := t.logger.With(zap.String("run_id", runID))

	ds, err := t.loader.Load(ctx, cfg.Dataset)
	if err != nil {
		return nil, fail(StageDataset, err)
	}
	trainIdx, testIdx := ml.TrainTestSplit(ds.Len(), cfg.TestRatio, cfg.Forest.Seed)
	train := ds.Subset(trainIdx)
	logger.Info("dataset loaded",
		zap.String("dataset", ds.Name),
		zap.Int("rows", ds.Len()),
		zap.Int("features", ds.NumFeatures()),
		zap.Int("train_rows", len(trainIdx)),
		zap.Int("test_rows", len(testIdx)))

	model, err := t.fit(ctx, cfg, train)
	if err != nil {
		return nil, fail(StageFit, err)
	}

	eval, err := ml.Evaluate(model, train.Features, train.Labels)
	if err != nil {
		return nil, fail(StageFit, err)
	}
	result := &Result{
		RunID:         runID,
		ArtifactPath:  cfg.ArtifactPath,
		TrainAccuracy: eval.Accuracy,
		Evaluation:    eval,
		TrainRows:     len(trainIdx),
		TestRows:      len(testIdx),
	}
	if len(testIdx) > 0 {
		test := ds.Subset(testIdx)
		holdout, err := ml.Evaluate(model, test.Features, test.Labels)
		if err != nil {
			return nil, fail(StageFit, err)
		}
		result.TestAccuracy = &holdout.Accuracy
		result.Evaluation = holdout
	}
	if forest, ok := model.(*ml.RandomForest); ok {
		result.OOBScore = forest.OOBScore
	}

	meta := artifact.Metadata{
		RunID:        runID,
		Dataset:      ds.Name,
		FeatureNames: ds.FeatureNames,
		ClassNames:   ds.ClassNames,
		Seed:         cfg.Forest.Seed,
		FeatureStats: train.Summary(),
	}
	if cfg.ModelType != ml.KindDecisionTree {
		meta.EnsembleSize = cfg.Forest.NumTrees
	}
	art, err := artifact.New(meta, model)
	if err != nil {
		return nil, fail(StageSave, err)
	}
	staged, err := art.Stage(cfg.ArtifactPath)
	if err != nil {
		return nil, fail(StageSave, err)
	}
	defer staged.Discard()

	// the previous artifact stays in place unless the new one reloads cleanly
	if err := verifyArtifact(staged.Path(), model, ds); err != nil {
		return nil, fail(StageVerify, err)
	}
	if err := staged.Commit(); err != nil {
		return nil, fail(StageSave, err)
	}
	result.Metadata = art.Metadata
	result.Duration = time.Since(start)

	fields := []zap.Field{
		zap.String("artifact", cfg.ArtifactPath),
		zap.String("checksum", art.Metadata.Checksum),
		zap.Float64("train_accuracy", result.TrainAccuracy),
		zap.Duration("duration", result.Duration),
	}
	if result.TestAccuracy != nil {
		fields = append(fields, zap.Float64("test_accuracy", *result.TestAccuracy))
	}
	if result.OOBScore != nil {
		fields = append(fields, zap.Float64("oob_score", *result.OOBScore))
	}
	logger.Info("model trained", fields...)

	t.record(ctx, logger, result, ds)
	return result, nil
}

func (t *Trainer) fit(ctx context.Context, cfg Config, train *dataset.Dataset) (ml.Classifier, error) {
	switch cfg.ModelType {
	case ml.KindDecisionTree:
		tree := ml.NewDecisionTree(ml.TreeConfig{
			MaxDepth:        cfg.Forest.MaxDepth,
			MinSamplesSplit: cfg.Forest.MinSamplesSplit,
			MaxFeatures:     cfg.Forest.MaxFeatures,
			Seed:            cfg.Forest.Seed,
		})
		if err := tree.Train(train.Features, train.Labels); err != nil {
			return nil, err
		}
		return tree, nil
	case ml.KindRandomForest, "":
		forestCfg := cfg.Forest
		if t.progress != nil {
			bar := pb.New(forestCfg.NumTrees)
			bar.SetWriter(t.progress)
			bar.Start()
			defer bar.Finish()
			forestCfg.OnTreeDone = func() { bar.Increment() }
		}
		forest := ml.NewRandomForest(forestCfg)
		if err := forest.Train(ctx, train.Features, train.Labels); err != nil {
			return nil, err
		}
		return forest, nil
	default:
		return nil, fmt.Errorf("unsupported model type %q", cfg.ModelType)
	}
}

var verifyArtifact = verify

// verify reloads the artifact and compares its predictions with the fitted
// model on every dataset row.
func verify(path string, model ml.Classifier, ds *dataset.Dataset) error {
	art, err := artifact.Load(path)
	if err != nil {
		return err
	}
	loaded, err := art.Classifier()
	if err != nil {
		return err
	}
	for i, row := range ds.Features {
		want, _, err := model.Predict(row)
		if err != nil {
			return err
		}
		got, _, err := loaded.Predict(row)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("row %d: reloaded model predicts %d, fitted model %d", i, got, want)
		}
	}
	return nil
}

// record appends the run to the ledger. The artifact is already published,
// so a ledger failure only warns.
func (t *Trainer) record(ctx context.Context, logger *zap.Logger, result *Result, ds *dataset.Dataset) {
	if t.ledger == nil {
		return
	}
	err := t.ledger.RecordRun(ctx, db.TrainingLog{
		RunID:        result.RunID,
		ModelName:    result.Metadata.Kind,
		Dataset:      ds.Name,
		EnsembleSize: result.Metadata.EnsembleSize,
		Seed:         result.Metadata.Seed,
		Accuracy:     result.TrainAccuracy,
		TestAccuracy: result.TestAccuracy,
		OOBScore:     result.OOBScore,
		TrainedAt:    result.Metadata.CreatedAt,
		DataPoints:   ds.Len(),
		ArtifactPath: result.ArtifactPath,
		Checksum:     result.Metadata.Checksum,
	})
	if err != nil {
		logger.Warn("failed to record training run", zap.String("ledger", t.ledger.Path()), zap.Error(err))
	}
}

// RunWithConfig is the trainer entry point shared by the CLI commands: it
// wires the dataset cache, ledger and progress bar from cfg and runs once.
func RunWithConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loader, err := dataset.NewLoader(cfg.Dataset.CacheSize)
	if err != nil {
		return nil, fail(StageDataset, err)
	}

	opts := []Option{WithLogger(logger)}
	if cfg.Training.LedgerPath != "" {
		ledger, err := db.Open(cfg.Training.LedgerPath)
		if err != nil {
			logger.Warn("training ledger unavailable", zap.String("ledger", cfg.Training.LedgerPath), zap.Error(err))
		} else {
			defer ledger.Close()
			opts = append(opts, WithLedger(ledger))
		}
	}
	if cfg.Training.Progress {
		opts = append(opts, WithProgress(os.Stderr))
	}

	result, err := New(loader, opts...).Run(ctx, FromConfig(cfg))
	if err != nil {
		var trainErr *TrainingError
		if errors.As(err, &trainErr) {
			logger.Error("training failed", zap.String("stage", string(trainErr.Stage)), zap.Error(trainErr.Err))
		}
		return nil, err
	}
	return result, nil
}
