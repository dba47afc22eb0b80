// Package artifact persists fitted classifiers as versioned, checksummed
// JSON envelopes. The trainer owns the write end, the predictor the read end.
package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"forestserve/dataset"
	"forestserve/ml"
)

// SchemaVersion is the envelope layout this build reads and writes.
const SchemaVersion = 1

// Errors returned by Load and Read.
var (
	ErrNotFound     = errors.New("model artifact not found")
	ErrCorrupt      = errors.New("model artifact is corrupt")
	ErrIncompatible = errors.New("model artifact schema is incompatible")
)

// Metadata describes the model and the run that produced it.
type Metadata struct {
	SchemaVersion int                   `json:"schema_version"`
	Kind          string                `json:"kind"`
	RunID         string                `json:"run_id"`
	CreatedAt     time.Time             `json:"created_at"`
	Dataset       string                `json:"dataset"`
	FeatureNames  []string              `json:"feature_names"`
	ClassNames    []string              `json:"class_names,omitempty"`
	Classes       []int                 `json:"classes"`
	EnsembleSize  int                   `json:"ensemble_size,omitempty"`
	Seed          int64                 `json:"seed"`
	FeatureStats  []dataset.FeatureStat `json:"feature_stats,omitempty"`
	// Checksum is the hex SHA-256 of the compacted model payload.
	Checksum string `json:"checksum"`
}

// Artifact is the persisted envelope. Model holds the raw payload the
// checksum covers.
type Artifact struct {
	Metadata Metadata        `json:"metadata"`
	Model    json.RawMessage `json:"model"`
}

// New serializes model and completes meta with the schema version, kind,
// classes and checksum.
func New(meta Metadata, model ml.Classifier) (*Artifact, error) {
	kind, err := ml.KindOf(model)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("encode model: %w", err)
	}

	meta.SchemaVersion = SchemaVersion
	meta.Kind = kind
	meta.Classes = model.Classes()
	meta.Checksum = checksum(payload)
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	return &Artifact{Metadata: meta, Model: payload}, nil
}

// Save writes the artifact to path atomically, creating parent directories
// and replacing any existing file.
func (a *Artifact) Save(path string) error {
	staged, err := a.Stage(path)
	if err != nil {
		return err
	}
	defer staged.Discard()
	return staged.Commit()
}

// Staged is an artifact written next to its destination but not yet
// visible under the destination name.
type Staged struct {
	path string
	tmp  string
}

// Stage writes the artifact to a temporary file in the directory of path.
// The caller either commits it or discards it.
func (a *Artifact) Stage(path string) (*Staged, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}
	staged := &Staged{path: path, tmp: tmp.Name()}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		staged.Discard()
		return nil, fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		staged.Discard()
		return nil, fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		staged.Discard()
		return nil, fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Chmod(staged.tmp, 0o644); err != nil {
		staged.Discard()
		return nil, fmt.Errorf("chmod artifact: %w", err)
	}
	return staged, nil
}

// Path is the temporary file holding the staged artifact.
func (s *Staged) Path() string {
	return s.tmp
}

// Commit renames the staged file onto its destination.
func (s *Staged) Commit() error {
	if err := os.Rename(s.tmp, s.path); err != nil {
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}

// Discard removes the staged file. It is a no-op after Commit.
func (s *Staged) Discard() error {
	if err := os.Remove(s.tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Load reads and verifies the artifact at path.
func Load(path string) (*Artifact, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer file.Close()

	a, err := Read(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

// Read decodes an artifact and verifies schema version and checksum. The
// model payload is not decoded until Classifier is called.
func Read(r io.Reader) (*Artifact, error) {
	var a Artifact
	if err := json.NewDecoder(r).Decode(&a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if a.Metadata.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: schema version %d, this build reads %d", ErrIncompatible, a.Metadata.SchemaVersion, SchemaVersion)
	}
	if len(a.Model) == 0 {
		return nil, fmt.Errorf("%w: no model payload", ErrCorrupt)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, a.Model); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if sum := checksum(compact.Bytes()); sum != a.Metadata.Checksum {
		return nil, fmt.Errorf("%w: checksum %s, recorded %s", ErrCorrupt, sum, a.Metadata.Checksum)
	}
	a.Model = compact.Bytes()
	return &a, nil
}

// Classifier decodes the model payload and checks it agrees with the metadata.
func (a *Artifact) Classifier() (ml.Classifier, error) {
	model, err := ml.LoadModel(a.Metadata.Kind, a.Model)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if !slices.Equal(model.Classes(), a.Metadata.Classes) {
		return nil, fmt.Errorf("%w: model classes %v, metadata %v", ErrCorrupt, model.Classes(), a.Metadata.Classes)
	}
	if n := len(a.Metadata.FeatureNames); n > 0 && n != model.NumFeatures() {
		return nil, fmt.Errorf("%w: model takes %d features, metadata names %d", ErrCorrupt, model.NumFeatures(), n)
	}
	return model, nil
}

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
