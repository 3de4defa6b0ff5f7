package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures everything needed to boot the pulse engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Features FeatureConfig  `yaml:"features"`
	Builder  BuilderConfig  `yaml:"builder"`
	Detector DetectorConfig `yaml:"detector"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig controls the HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// StoreConfig selects and configures the approximate telemetry store.
type StoreConfig struct {
	// Backend is "memory" or "valkey".
	Backend        string        `yaml:"backend"`
	Addr           string        `yaml:"addr"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	DialTimeout    time.Duration `yaml:"dialTimeout"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	MaxRetries     int           `yaml:"maxRetries"`
	TLS            bool          `yaml:"tls"`
	SketchWidth    int           `yaml:"sketchWidth"`
	SketchDepth    int           `yaml:"sketchDepth"`
	FilterCapacity int           `yaml:"filterCapacity"`
}

// IngestConfig controls the ingest boundary.
type IngestConfig struct {
	// APIKey, when set, requires producers to present it as a bearer token.
	APIKey string `yaml:"apiKey"`
}

// FeatureConfig declares the fixed counter key set snapshotted into every
// fingerprint. Changing it changes the feature dimensionality and requires
// the model to retrain from scratch.
type FeatureConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Statuses  []string `yaml:"statuses"`
}

// Dimension returns the fingerprint vector length implied by the key set:
// one share per endpoint and status, plus error fraction, volume delta and
// active-pair count.
func (f FeatureConfig) Dimension() int {
	return len(f.Endpoints) + len(f.Statuses) + 3
}

// Names returns human-readable labels for each vector position, used for
// anomaly cause attribution. Order matches the builder's vector layout.
func (f FeatureConfig) Names() []string {
	names := make([]string, 0, f.Dimension())
	for _, ep := range f.Endpoints {
		names = append(names, "endpoint:"+ep)
	}
	for _, st := range f.Statuses {
		names = append(names, "status:"+st)
	}
	return append(names, "error-fraction", "volume-delta", "active-pairs")
}

// BuilderConfig controls the periodic fingerprint builder.
type BuilderConfig struct {
	TickInterval  time.Duration `yaml:"tickInterval"`
	AppendRetries int           `yaml:"appendRetries"`
}

// DetectorConfig controls training, scoring and retraining.
type DetectorConfig struct {
	MinTrainingSamples int           `yaml:"minTrainingSamples"`
	RetrainEveryN      int           `yaml:"retrainEveryN"`
	TrainingWindow     int           `yaml:"trainingWindow"`
	Contamination      float64       `yaml:"contamination"`
	Trees              int           `yaml:"trees"`
	SampleSize         int           `yaml:"sampleSize"`
	Seed               int64         `yaml:"seed"`
	PollInterval       time.Duration `yaml:"pollInterval"`
	MaxGapWait         time.Duration `yaml:"maxGapWait"`
}

// AlertsConfig controls dispatching and suppression.
type AlertsConfig struct {
	SuppressionWindow     time.Duration `yaml:"suppressionWindow"`
	RollingBufferCapacity int           `yaml:"rollingBufferCapacity"`
	PublishRetries        int           `yaml:"publishRetries"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file with environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_PULSE_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot start with. These are
// the only fatal errors in the system; everything downstream degrades.
func (c *Config) Validate() error {
	if len(c.Features.Endpoints) == 0 {
		return errors.New("features.endpoints must declare at least one endpoint key")
	}
	if len(c.Features.Statuses) == 0 {
		return errors.New("features.statuses must declare at least one status key")
	}
	if c.Builder.TickInterval <= 0 {
		return errors.New("builder.tickInterval must be positive")
	}
	if c.Detector.Contamination <= 0 || c.Detector.Contamination >= 1 {
		return fmt.Errorf("detector.contamination must be in (0,1), got %v", c.Detector.Contamination)
	}
	if c.Detector.MinTrainingSamples < 2 {
		return errors.New("detector.minTrainingSamples must be at least 2")
	}
	if c.Detector.TrainingWindow < c.Detector.MinTrainingSamples {
		return errors.New("detector.trainingWindow must not be below minTrainingSamples")
	}
	if c.Alerts.RollingBufferCapacity <= 0 {
		return errors.New("alerts.rollingBufferCapacity must be positive")
	}
	switch c.Store.Backend {
	case "memory":
	case "valkey":
		if c.Store.Addr == "" {
			return errors.New("store.addr is required for the valkey backend")
		}
	default:
		return fmt.Errorf("store.backend must be memory or valkey, got %q", c.Store.Backend)
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":4000",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Backend:        "memory",
			DialTimeout:    2 * time.Second,
			ReadTimeout:    500 * time.Millisecond,
			WriteTimeout:   500 * time.Millisecond,
			MaxRetries:     2,
			SketchWidth:    2048,
			SketchDepth:    5,
			FilterCapacity: 1 << 20,
		},
		Features: FeatureConfig{
			Endpoints: []string{"GET:/api/data", "GET:/api/error"},
			Statuses:  []string{"200", "500", "599"},
		},
		Builder: BuilderConfig{
			TickInterval:  5 * time.Second,
			AppendRetries: 3,
		},
		Detector: DetectorConfig{
			MinTrainingSamples: 50,
			RetrainEveryN:      200,
			TrainingWindow:     200,
			Contamination:      0.1,
			Trees:              100,
			SampleSize:         256,
			Seed:               42,
			PollInterval:       time.Second,
			MaxGapWait:         10 * time.Second,
		},
		Alerts: AlertsConfig{
			SuppressionWindow:     30 * time.Second,
			RollingBufferCapacity: 256,
			PublishRetries:        3,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_PULSE_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_PULSE_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_PULSE_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("MIRADOR_PULSE_STORE_ADDR"); v != "" {
		cfg.Store.Addr = v
	}
	if v := os.Getenv("MIRADOR_PULSE_STORE_USERNAME"); v != "" {
		cfg.Store.Username = v
	}
	if v := os.Getenv("MIRADOR_PULSE_STORE_PASSWORD"); v != "" {
		cfg.Store.Password = v
	}
	if v := os.Getenv("MIRADOR_PULSE_STORE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Store.DB = db
		}
	}
	if v := os.Getenv("MIRADOR_PULSE_STORE_TLS"); strings.EqualFold(v, "true") || v == "1" {
		cfg.Store.TLS = true
	}
	if v := os.Getenv("MIRADOR_PULSE_API_KEY"); v != "" {
		cfg.Ingest.APIKey = v
	}
	if v := os.Getenv("MIRADOR_PULSE_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Builder.TickInterval = d
		}
	}
	if v := os.Getenv("MIRADOR_PULSE_MIN_TRAINING_SAMPLES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detector.MinTrainingSamples = n
		}
	}
	if v := os.Getenv("MIRADOR_PULSE_RETRAIN_EVERY_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detector.RetrainEveryN = n
		}
	}
	if v := os.Getenv("MIRADOR_PULSE_CONTAMINATION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detector.Contamination = f
		}
	}
	if v := os.Getenv("MIRADOR_PULSE_SUPPRESSION_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Alerts.SuppressionWindow = d
		}
	}
	if v := os.Getenv("MIRADOR_PULSE_ROLLING_BUFFER_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Alerts.RollingBufferCapacity = n
		}
	}
	if v := os.Getenv("MIRADOR_PULSE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_PULSE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
}
