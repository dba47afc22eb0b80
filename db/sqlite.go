// Package db keeps the training ledger: one row per trainer run in a local
// SQLite file.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("ledger not open")

const schema = `
    CREATE TABLE IF NOT EXISTS training_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run_id TEXT NOT NULL UNIQUE,
        model_name VARCHAR(50) NOT NULL,
        dataset TEXT NOT NULL,
        ensemble_size INTEGER DEFAULT 0,
        seed INTEGER DEFAULT 0,
        accuracy REAL,
        test_accuracy REAL,
        oob_score REAL,
        trained_at DATETIME NOT NULL,
        data_points INTEGER,
        artifact_path TEXT,
        checksum TEXT
    );
    CREATE INDEX IF NOT EXISTS idx_training_log_trained_at ON training_log(trained_at);
    `

// TrainingLog is one recorded trainer run. TestAccuracy and OOBScore are nil
// when the run had no holdout or no out-of-bag rows.
type TrainingLog struct {
	RunID        string    `json:"run_id"`
	ModelName    string    `json:"model_name"`
	Dataset      string    `json:"dataset"`
	EnsembleSize int       `json:"ensemble_size"`
	Seed         int64     `json:"seed"`
	Accuracy     float64   `json:"accuracy"`
	TestAccuracy *float64  `json:"test_accuracy,omitempty"`
	OOBScore     *float64  `json:"oob_score,omitempty"`
	TrainedAt    time.Time `json:"trained_at"`
	DataPoints   int       `json:"data_points"`
	ArtifactPath string    `json:"artifact_path"`
	Checksum     string    `json:"checksum"`
}

// Ledger is the SQLite-backed history of training runs.
type Ledger struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the ledger database at path.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	database, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// a single writer keeps sqlite from returning SQLITE_BUSY
	database.SetMaxOpenConns(1)

	if _, err := database.Exec(schema); err != nil {
		database.Close()
		return nil, fmt.Errorf("init ledger %s: %w", path, err)
	}
	return &Ledger{db: database, path: path}, nil
}

// Path is the database file.
func (l *Ledger) Path() string {
	return l.path
}

// RecordRun appends a run. Recording the same run id twice is an error.
func (l *Ledger) RecordRun(ctx context.Context, run TrainingLog) error {
	if l == nil || l.db == nil {
		return ErrClosed
	}
	if run.RunID == "" {
		return errors.New("run id required")
	}
	if run.TrainedAt.IsZero() {
		run.TrainedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
        INSERT INTO training_log (
            run_id, model_name, dataset, ensemble_size, seed, accuracy,
            test_accuracy, oob_score, trained_at, data_points, artifact_path, checksum
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `,
		run.RunID,
		run.ModelName,
		run.Dataset,
		run.EnsembleSize,
		run.Seed,
		run.Accuracy,
		nullFloat(run.TestAccuracy),
		nullFloat(run.OOBScore),
		run.TrainedAt.UTC(),
		run.DataPoints,
		run.ArtifactPath,
		run.Checksum,
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.RunID, err)
	}
	return nil
}

// LoadTrainingLog returns the most recent runs first. limit <= 0 returns all.
func (l *Ledger) LoadTrainingLog(ctx context.Context, limit int) ([]TrainingLog, error) {
	if l == nil || l.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx, `
        SELECT run_id, model_name, dataset, ensemble_size, seed, accuracy,
               test_accuracy, oob_score, trained_at, data_points, artifact_path, checksum
        FROM training_log
        ORDER BY trained_at DESC, id DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]TrainingLog, 0)
	for rows.Next() {
		var log TrainingLog
		var testAcc, oob sql.NullFloat64
		var artifactPath, checksum sql.NullString
		if err := rows.Scan(
			&log.RunID, &log.ModelName, &log.Dataset, &log.EnsembleSize, &log.Seed, &log.Accuracy,
			&testAcc, &oob, &log.TrainedAt, &log.DataPoints, &artifactPath, &checksum,
		); err != nil {
			return nil, err
		}
		if testAcc.Valid {
			log.TestAccuracy = &testAcc.Float64
		}
		if oob.Valid {
			log.OOBScore = &oob.Float64
		}
		log.ArtifactPath = artifactPath.String
		log.Checksum = checksum.String
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// Close releases the database. It is safe on a nil Ledger.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
