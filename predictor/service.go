// Package predictor holds the model the HTTP service answers with. A Service
// is built once at startup and is read-only afterwards; only the staleness
// flag changes.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"forestserve/artifact"
	"forestserve/ml"
)

var (
	// ErrModelUnavailable is returned by a degraded service.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrInvalidInput rejects non-finite values.
	ErrInvalidInput = errors.New("invalid input")
)

// Prediction is the outcome of one inference.
type Prediction struct {
	Label      int       `json:"prediction"`
	Confidence float64   `json:"confidence"`
	Features   []float64 `json:"features"`
}

// Status is the readiness view of a service.
type Status struct {
	Ready        bool               `json:"ready"`
	Stale        bool               `json:"stale"`
	ArtifactPath string             `json:"artifact_path"`
	LoadedAt     *time.Time         `json:"loaded_at,omitempty"`
	Error        string             `json:"error,omitempty"`
	Model        *artifact.Metadata `json:"model,omitempty"`
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger. A nil logger is ignored.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMapper sets how a scalar input becomes a feature vector.
func WithMapper(mapper FeatureMapper) Option {
	return func(s *Service) {
		if mapper != nil {
			s.mapper = mapper
		}
	}
}

// WithStaleHook is called once, the first time the service is marked stale.
func WithStaleHook(hook func()) Option {
	return func(s *Service) { s.onStale = hook }
}

// Service owns the loaded classifier. It is read-only after construction
// apart from the stale flag.
type Service struct {
	path     string
	model    ml.Classifier
	meta     artifact.Metadata
	loadedAt time.Time
	cause    error
	mapper   FeatureMapper
	logger   *zap.Logger
	onStale  func()
	stale    atomic.Bool
}

func newService(path string, opts []Option) *Service {
	s := &Service{path: path, mapper: Broadcast{}, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads the artifact at path. Any failure is returned so the caller can
// refuse to start.
func Load(path string, opts ...Option) (*Service, error) {
	s := newService(path, opts)
	art, err := artifact.Load(path)
	if err != nil {
		return nil, err
	}
	model, err := art.Classifier()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.model = model
	s.meta = art.Metadata
	s.loadedAt = time.Now().UTC()
	s.logLoaded()
	return s, nil
}

// New serves an already decoded model, for callers that do not read it from
// an artifact file.
func New(path string, model ml.Classifier, meta artifact.Metadata, opts ...Option) *Service {
	s := newService(path, opts)
	s.model = model
	s.meta = meta
	s.loadedAt = time.Now().UTC()
	s.logLoaded()
	return s
}

func (s *Service) logLoaded() {
	model := s.model
	s.logger.Info("model loaded",
		zap.String("artifact", s.path),
		zap.String("kind", s.meta.Kind),
		zap.String("run_id", s.meta.RunID),
		zap.Int("features", model.NumFeatures()),
		zap.Ints("classes", model.Classes()))
}

// Degraded builds a service without a model. Every prediction fails with
// ErrModelUnavailable wrapping cause.
func Degraded(path string, cause error, opts ...Option) *Service {
	s := newService(path, opts)
	if cause == nil {
		cause = errors.New("no model loaded")
	}
	s.cause = cause
	s.logger.Warn("serving without a model", zap.String("artifact", path), zap.Error(cause))
	return s
}

// Ready reports whether a model is loaded.
func (s *Service) Ready() bool {
	return s.model != nil
}

// Predict maps value onto the model's inputs and classifies it.
func (s *Service) Predict(ctx context.Context, value float64) (Prediction, error) {
	if s.model == nil {
		return Prediction{}, fmt.Errorf("%w: %v", ErrModelUnavailable, s.cause)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Prediction{}, fmt.Errorf("%w: value must be finite", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}

	features := s.mapper.Features(value, s.model.NumFeatures())
	label, confidence, err := s.model.Predict(features)
	if err != nil {
		return Prediction{}, fmt.Errorf("inference: %w", err)
	}
	return Prediction{Label: label, Confidence: confidence, Features: features}, nil
}

// Metadata returns the loaded artifact's metadata, false when degraded.
func (s *Service) Metadata() (artifact.Metadata, bool) {
	return s.meta, s.model != nil
}

// ArtifactPath is the artifact the service was started with.
func (s *Service) ArtifactPath() string {
	return s.path
}

// Stale reports whether the artifact changed on disk after load.
func (s *Service) Stale() bool {
	return s.stale.Load()
}

// MarkStale records that the artifact on disk no longer matches the loaded
// model. The model keeps serving until restart.
func (s *Service) MarkStale() {
	if s.stale.CompareAndSwap(false, true) {
		s.logger.Warn("model artifact changed on disk, restart to load it", zap.String("artifact", s.path))
		if s.onStale != nil {
			s.onStale()
		}
	}
}

// Status snapshots the service state for /ready.
func (s *Service) Status() Status {
	st := Status{
		Ready:        s.Ready(),
		Stale:        s.Stale(),
		ArtifactPath: s.path,
	}
	if s.model != nil {
		meta := s.meta
		loaded := s.loadedAt
		st.Model = &meta
		st.LoadedAt = &loaded
	} else if s.cause != nil {
		st.Error = s.cause.Error()
	}
	return st
}
