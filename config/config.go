// Package config loads the shared configuration of the trainer and the
// predictor service: a YAML file over built-in defaults, then environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"forestserve/logging"
)

const (
	// DefaultPath is read when no path is given; its absence is not an error.
	DefaultPath = "config.yaml"
	// PathEnv names the environment variable that points at the config file.
	PathEnv = "FORESTSERVE_CONFIG"
	// EnvPrefix prefixes every environment override, e.g. FORESTSERVE_ARTIFACT_PATH.
	EnvPrefix = "FORESTSERVE"
)

// Config is the configuration shared by the trainer and the predictor service.
type Config struct {
	ArtifactPath string         `yaml:"artifact_path"`
	Dataset      DatasetConfig  `yaml:"dataset"`
	Training     TrainingConfig `yaml:"training"`
	HTTP         HTTPConfig     `yaml:"http"`
	Serving      ServingConfig  `yaml:"serving"`
	Log          logging.Config `yaml:"log"`
}

// DatasetConfig selects the training data.
type DatasetConfig struct {
	// Source is "iris" for the bundled dataset or a path to a CSV file.
	Source   string `yaml:"source"`
	Encoding string `yaml:"encoding"`
	// CacheSize bounds the number of parsed datasets kept in memory.
	CacheSize int `yaml:"cache_size"`
}

// TrainingConfig holds the fit parameters and training run outputs.
type TrainingConfig struct {
	ModelType       string  `yaml:"model_type"`
	EnsembleSize    int     `yaml:"ensemble_size"`
	MaxDepth        int     `yaml:"max_depth"`
	MinSamplesSplit int     `yaml:"min_samples_split"`
	MaxFeatures     int     `yaml:"max_features"`
	Seed            int64   `yaml:"seed"`
	TestRatio       float64 `yaml:"test_ratio"`
	Workers         int     `yaml:"workers"`
	LedgerPath      string  `yaml:"ledger_path"`
	Progress        bool    `yaml:"progress"`
}

// HTTPConfig configures the prediction server listener.
type HTTPConfig struct {
	Port           int           `yaml:"port"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// ServingConfig controls how the predictor service treats its artifact.
type ServingConfig struct {
	RequireModel   bool   `yaml:"require_model"`
	WatchArtifact  bool   `yaml:"watch_artifact"`
	FeatureMapping string `yaml:"feature_mapping"`
	FeedEnabled    bool   `yaml:"feed_enabled"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		ArtifactPath: "model/model.json",
		Dataset: DatasetConfig{
			Source:    "iris",
			Encoding:  "utf-8",
			CacheSize: 4,
		},
		Training: TrainingConfig{
			ModelType:       "random_forest",
			EnsembleSize:    100,
			MinSamplesSplit: 2,
			Seed:            42,
			LedgerPath:      "model/training.db",
			Progress:        true,
		},
		HTTP: HTTPConfig{
			Port:           8000,
			Timeout:        30 * time.Second,
			MaxBodyBytes:   4 << 10,
			AllowedOrigins: []string{"*"},
		},
		Serving: ServingConfig{
			RequireModel:   true,
			WatchArtifact:  true,
			FeatureMapping: "broadcast",
			FeedEnabled:    true,
		},
		Log: logging.DefaultConfig(),
	}
}

// PathFromEnv returns $FORESTSERVE_CONFIG or DefaultPath.
func PathFromEnv() string {
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing DefaultPath yields the defaults; any other
// missing path is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath
	}
	if err := decodeFile(path, &cfg); err != nil {
		if !(errors.Is(err, os.ErrNotExist) && path == DefaultPath) {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	// an empty file leaves the defaults untouched
	if err := yaml.NewDecoder(file).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overrides every known key that has a FORESTSERVE_* variable set.
func applyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	flag := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}

	str("artifact_path", &cfg.ArtifactPath)

	str("dataset.source", &cfg.Dataset.Source)
	str("dataset.encoding", &cfg.Dataset.Encoding)
	num("dataset.cache_size", &cfg.Dataset.CacheSize)

	str("training.model_type", &cfg.Training.ModelType)
	num("training.ensemble_size", &cfg.Training.EnsembleSize)
	num("training.max_depth", &cfg.Training.MaxDepth)
	num("training.min_samples_split", &cfg.Training.MinSamplesSplit)
	num("training.max_features", &cfg.Training.MaxFeatures)
	num("training.workers", &cfg.Training.Workers)
	str("training.ledger_path", &cfg.Training.LedgerPath)
	flag("training.progress", &cfg.Training.Progress)
	if v.IsSet("training.seed") {
		cfg.Training.Seed = v.GetInt64("training.seed")
	}
	if v.IsSet("training.test_ratio") {
		cfg.Training.TestRatio = v.GetFloat64("training.test_ratio")
	}

	num("http.port", &cfg.HTTP.Port)
	if v.IsSet("http.timeout") {
		cfg.HTTP.Timeout = v.GetDuration("http.timeout")
	}
	if v.IsSet("http.max_body_bytes") {
		cfg.HTTP.MaxBodyBytes = v.GetInt64("http.max_body_bytes")
	}
	if v.IsSet("http.allowed_origins") {
		cfg.HTTP.AllowedOrigins = splitList(v.GetString("http.allowed_origins"))
	}

	flag("serving.require_model", &cfg.Serving.RequireModel)
	flag("serving.watch_artifact", &cfg.Serving.WatchArtifact)
	str("serving.feature_mapping", &cfg.Serving.FeatureMapping)
	flag("serving.feed_enabled", &cfg.Serving.FeedEnabled)

	str("log.level", &cfg.Log.Level)
	str("log.format", &cfg.Log.Format)
	str("log.file", &cfg.Log.File)
}

// splitList splits a comma separated value, trimming blanks and dropping
// empty entries.
func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate rejects configurations neither component can run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ArtifactPath) == "" {
		errs = append(errs, errors.New("artifact_path is required"))
	}
	if strings.TrimSpace(c.Dataset.Source) == "" {
		errs = append(errs, errors.New("dataset.source is required"))
	}
	if c.Dataset.CacheSize <= 0 {
		errs = append(errs, errors.New("dataset.cache_size must be positive"))
	}
	switch c.Training.ModelType {
	case "random_forest":
		if c.Training.EnsembleSize <= 0 {
			errs = append(errs, errors.New("training.ensemble_size must be positive"))
		}
	case "decision_tree":
	default:
		errs = append(errs, fmt.Errorf("training.model_type %q is not supported", c.Training.ModelType))
	}
	if c.Training.MaxDepth < 0 {
		errs = append(errs, errors.New("training.max_depth must not be negative"))
	}
	if c.Training.MinSamplesSplit < 2 {
		errs = append(errs, errors.New("training.min_samples_split must be at least 2"))
	}
	if c.Training.MaxFeatures < 0 {
		errs = append(errs, errors.New("training.max_features must not be negative"))
	}
	if c.Training.TestRatio < 0 || c.Training.TestRatio >= 1 {
		errs = append(errs, errors.New("training.test_ratio must be in [0, 1)"))
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, errors.New("http.timeout must be positive"))
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("http.max_body_bytes must be positive"))
	}
	if c.Serving.FeatureMapping != "broadcast" {
		errs = append(errs, fmt.Errorf("serving.feature_mapping %q is not supported", c.Serving.FeatureMapping))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if err := logging.CheckFormat(c.Log.Format); err != nil {
		errs = append(errs, fmt.Errorf("log.format: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
