package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Source      SourceConfig      `yaml:"source"`
	Supervisor  SupervisorConfig  `yaml:"supervisor"`
	Match       MatchConfig       `yaml:"match"`
	Engine      EngineConfig      `yaml:"engine"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Classifier  ClassifierConfig  `yaml:"classifier"`
	Outlier     OutlierConfig     `yaml:"outlier"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// SourceConfig selects where log lines come from
type SourceConfig struct {
	Type   string      `yaml:"type"` // "file", "stdin" or "kafka"
	Path   string      `yaml:"path"`
	Format string      `yaml:"format"` // "raw", "json", "apache" or "common"
	Kafka  KafkaConfig `yaml:"kafka"`
}

// KafkaConfig contains consumer group settings
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	Topic         string   `yaml:"topic"`
	ConsumerGroup string   `yaml:"consumer_group"`
	Oldest        bool     `yaml:"oldest"`
}

// SupervisorConfig points at the service serving filters and receiving results
type SupervisorConfig struct {
	Host              string        `yaml:"host"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Routes            RoutesConfig  `yaml:"routes"`
}

// RoutesConfig holds the supervisor paths; {id} is replaced by the filter id
type RoutesConfig struct {
	Filters string `yaml:"filters"`
	Stats   string `yaml:"stats"`
	PutStat string `yaml:"put_stats"`
	Result  string `yaml:"result"`
	Outlier string `yaml:"outlier"`
}

// MatchConfig contains filter registry settings
type MatchConfig struct {
	LocalRegex      string        `yaml:"local_regex"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Workers         int           `yaml:"workers"`
}

// EngineConfig contains partitioning and background pool settings
type EngineConfig struct {
	Partitions   int `yaml:"partitions"`
	QueueSize    int `yaml:"queue_size"`
	FlushWorkers int `yaml:"flush_workers"`
	FlushQueue   int `yaml:"flush_queue"`
}

// AggregationConfig contains bucket widths, ticks and batch thresholds
type AggregationConfig struct {
	FineBucket      int64         `yaml:"fine_bucket_seconds"`
	CoarseBucket    int64         `yaml:"coarse_bucket_seconds"`
	RollupTick      time.Duration `yaml:"rollup_tick"`
	StatsTick       time.Duration `yaml:"stats_tick"`
	ResultTick      time.Duration `yaml:"result_tick"`
	ResultBatchSize int           `yaml:"result_batch_size"`
	MaxCounterKeys  int           `yaml:"max_counter_keys"`
}

// ClassifierConfig contains online classifier settings
type ClassifierConfig struct {
	Enabled        bool     `yaml:"enabled"`
	FullTrainCount int64    `yaml:"full_train_count"`
	SampleRate     int      `yaml:"sample_rate"` // train 1 out of N after FullTrainCount
	MinTrainCount  int64    `yaml:"min_train_count"`
	ErrorWords     []string `yaml:"error_words"`
}

// OutlierConfig contains outlier scan settings
type OutlierConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Tick        time.Duration `yaml:"tick"`
	StaleAfter  time.Duration `yaml:"stale_after"`
	MinUptime   time.Duration `yaml:"min_uptime"`
	Resolution  time.Duration `yaml:"resolution"`
	Lookback    time.Duration `yaml:"lookback"`
	MinPoints   int           `yaml:"min_points"`
	Workers     int           `yaml:"workers"`
	Sensitivity float64       `yaml:"sensitivity"`
	Analyzers   []string      `yaml:"analyzers"`
	Validator   string        `yaml:"validator"` // "votes" or "max"
	MinVotes    int           `yaml:"min_votes"`
	StateStore  string        `yaml:"state_store"` // "memory" or "redis"
	RedisAddr   string        `yaml:"redis_addr"`
	RedisPrefix string        `yaml:"redis_prefix"`
}

// DashboardConfig contains web dashboard settings
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Host    string `yaml:"host"`
}

// LoggingConfig contains logger settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// DefaultErrorWords is the vocabulary marking a line as error-like for training
var DefaultErrorWords = []string{
	"err", "error", "fail", "failed", "failure", "timed out", "exception", "unexpected",
	"not found", "unauthorized", "not authorized", "missing", "reject", "rejected",
	"drop", "dropped", "warn", "warning", "crit", "critical", "fatal", "emerg",
	"emergency", "alert", "404",
}

// LoadConfig loads configuration from a YAML file. Values absent from the
// file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Source: SourceConfig{
			Type:   "stdin",
			Format: "raw",
			Kafka: KafkaConfig{
				ConsumerGroup: "filterd",
			},
		},
		Supervisor: SupervisorConfig{
			Timeout:           10 * time.Second,
			RequestsPerSecond: 50,
			Burst:             10,
			Routes: RoutesConfig{
				Filters: "filter",
				Stats:   "filter/{id}/stats",
				PutStat: "stats/filters",
				Result:  "filter/{id}/result",
				Outlier: "filter/{id}/outlier",
			},
		},
		Match: MatchConfig{
			RefreshInterval: time.Second,
			Workers:         2,
		},
		Engine: EngineConfig{
			Partitions:   3,
			QueueSize:    1024,
			FlushWorkers: 2,
			FlushQueue:   64,
		},
		Aggregation: AggregationConfig{
			FineBucket:      1,
			CoarseBucket:    60,
			RollupTick:      time.Second,
			StatsTick:       10 * time.Second,
			ResultTick:      time.Second,
			ResultBatchSize: 5000,
			MaxCounterKeys:  100000,
		},
		Classifier: ClassifierConfig{
			Enabled:        true,
			FullTrainCount: 10000,
			SampleRate:     25,
			MinTrainCount:  100,
			ErrorWords:     append([]string(nil), DefaultErrorWords...),
		},
		Outlier: OutlierConfig{
			Enabled:     true,
			Tick:        time.Minute,
			StaleAfter:  5 * time.Minute,
			MinUptime:   time.Minute,
			Resolution:  5 * time.Minute,
			Lookback:    24 * time.Hour,
			MinPoints:   10,
			Workers:     0, // runtime.NumCPU()
			Sensitivity: 3.0,
			Analyzers:   []string{"normal", "lognormal", "mad", "moving_average", "exp_smoothing", "regression", "cusum", "interval"},
			Validator:   "votes",
			MinVotes:    2,
			StateStore:  "memory",
			RedisPrefix: "filterd:outlier:",
		},
		Dashboard: DashboardConfig{
			Enabled: true,
			Port:    8080,
			Host:    "localhost",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// LocalMode reports whether a single static filter replaces the supervisor filter list
func (c *Config) LocalMode() bool {
	return c.Match.LocalRegex != ""
}

// Validate checks the configuration and reports every problem found
func (c *Config) Validate() error {
	var result *multierror.Error

	switch c.Source.Type {
	case "stdin":
	case "file":
		if c.Source.Path == "" {
			result = multierror.Append(result, errors.New("source.path is required for file sources"))
		}
	case "kafka":
		if len(c.Source.Kafka.Brokers) == 0 || c.Source.Kafka.Topic == "" {
			result = multierror.Append(result, errors.New("source.kafka requires brokers and topic"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown source.type %q", c.Source.Type))
	}

	if c.LocalMode() {
		if _, err := regexp.Compile(c.Match.LocalRegex); err != nil {
			result = multierror.Append(result, fmt.Errorf("match.local_regex: %w", err))
		}
	} else if c.Supervisor.Host == "" {
		result = multierror.Append(result, errors.New("supervisor.host is required unless match.local_regex is set"))
	}

	if c.Engine.Partitions < 1 {
		result = multierror.Append(result, errors.New("engine.partitions must be positive"))
	}
	if c.Engine.FlushWorkers < 1 || c.Engine.FlushQueue < 1 {
		result = multierror.Append(result, errors.New("engine.flush_workers and engine.flush_queue must be positive"))
	}
	if c.Aggregation.FineBucket < 1 || c.Aggregation.CoarseBucket < c.Aggregation.FineBucket {
		result = multierror.Append(result, errors.New("aggregation buckets must be positive and coarse >= fine"))
	}
	if c.Aggregation.RollupTick <= 0 || c.Aggregation.StatsTick <= 0 || c.Aggregation.ResultTick <= 0 {
		result = multierror.Append(result, errors.New("aggregation ticks must be positive"))
	}
	if c.Aggregation.ResultBatchSize < 1 {
		result = multierror.Append(result, errors.New("aggregation.result_batch_size must be positive"))
	}
	if c.Classifier.SampleRate < 1 {
		result = multierror.Append(result, errors.New("classifier.sample_rate must be at least 1"))
	}
	if c.Outlier.Enabled {
		if c.Outlier.Resolution < time.Second || c.Outlier.Lookback <= c.Outlier.Resolution {
			result = multierror.Append(result, errors.New("outlier.lookback must exceed outlier.resolution"))
		}
		if c.Outlier.Tick <= 0 || c.Outlier.StaleAfter <= 0 {
			result = multierror.Append(result, errors.New("outlier.tick and outlier.stale_after must be positive"))
		}
		switch c.Outlier.StateStore {
		case "memory":
		case "redis":
			if c.Outlier.RedisAddr == "" {
				result = multierror.Append(result, errors.New("outlier.redis_addr is required for the redis state store"))
			}
		default:
			result = multierror.Append(result, fmt.Errorf("unknown outlier.state_store %q", c.Outlier.StateStore))
		}
	}

	return result.ErrorOrNil()
}
