// Package config loads and validates the pipeline configuration.
//
// Configuration comes from an optional YAML file plus CARTO_-prefixed
// environment variables (CARTO_WRITER_BATCHSIZE overrides
// writer.batchsize, and so on). The loaded Config is passed down by
// explicit handles; nothing reads configuration globally after startup.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full enumerated configuration surface.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Publisher     PublisherConfig     `mapstructure:"publisher"`
	Writer        WriterConfig        `mapstructure:"writer"`
	Pool          PoolConfig          `mapstructure:"pool"`
	Confidence    ConfidenceConfig    `mapstructure:"confidence"`
	Enhancement   EnhancementConfig   `mapstructure:"enhancement"`
	Triangulation TriangulationConfig `mapstructure:"triangulation"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Log           LogConfig           `mapstructure:"log"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig selects the queue transport. An empty URL runs the
// in-memory queue (single-process mode).
type RedisConfig struct {
	URL       string `mapstructure:"url"`
	Namespace string `mapstructure:"namespace"`
}

type PublisherConfig struct {
	PollingInterval     time.Duration `mapstructure:"pollingInterval"`
	BatchLimit          int           `mapstructure:"batchLimit"`
	ResolutionBatchSize int           `mapstructure:"resolutionBatchSize"`
}

type WriterConfig struct {
	BatchSize     int           `mapstructure:"batchSize"`
	FlushInterval time.Duration `mapstructure:"flushInterval"`
	MaxRetries    int           `mapstructure:"maxRetries"`
	RetryDelay    time.Duration `mapstructure:"retryDelay"`
}

type PoolConfig struct {
	GlobalConcurrencyCap int                     `mapstructure:"globalConcurrencyCap"`
	ShutdownGrace        time.Duration           `mapstructure:"shutdownGrace"`
	Workers              map[string]WorkerConfig `mapstructure:"workers"`
}

type WorkerConfig struct {
	BaseConcurrency  int           `mapstructure:"baseConcurrency"`
	MaxConcurrency   int           `mapstructure:"maxConcurrency"`
	FailureThreshold uint32        `mapstructure:"failureThreshold"`
	ResetTimeout     time.Duration `mapstructure:"resetTimeout"`
	JobTimeout       time.Duration `mapstructure:"jobTimeout"`
}

type ConfidenceConfig struct {
	Weights     WeightsConfig    `mapstructure:"weights"`
	Thresholds  ThresholdsConfig `mapstructure:"thresholds"`
	FactorFloor float64          `mapstructure:"factorFloor"`
}

type WeightsConfig struct {
	Syntactic float64 `mapstructure:"syntactic"`
	Semantic  float64 `mapstructure:"semantic"`
	Context   float64 `mapstructure:"context"`
	CrossRef  float64 `mapstructure:"crossref"`
}

type ThresholdsConfig struct {
	High       float64 `mapstructure:"high"`
	Medium     float64 `mapstructure:"medium"`
	Low        float64 `mapstructure:"low"`
	Escalation float64 `mapstructure:"escalation"`
}

type EnhancementConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	IndividualThreshold float64 `mapstructure:"individualThreshold"`
}

type TriangulationConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"maxRetries"`
}

type LLMConfig struct {
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"apiKey"`
	MaxTokens int64  `mapstructure:"maxTokens"`
}

type LogConfig struct {
	Path       string `mapstructure:"path"`
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"maxSizeMB"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAgeDays"`
}

// Load reads configuration from the given YAML file (optional; empty
// path skips the file) and the environment, applies defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CARTO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", ".carto/carto.db")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.namespace", "carto")

	v.SetDefault("publisher.pollingInterval", time.Second)
	v.SetDefault("publisher.batchLimit", 100)
	v.SetDefault("publisher.resolutionBatchSize", 5)

	v.SetDefault("writer.batchSize", 100)
	v.SetDefault("writer.flushInterval", 500*time.Millisecond)
	v.SetDefault("writer.maxRetries", 3)
	v.SetDefault("writer.retryDelay", 250*time.Millisecond)

	v.SetDefault("pool.globalConcurrencyCap", 100)
	v.SetDefault("pool.shutdownGrace", 30*time.Second)
	v.SetDefault("pool.workers", map[string]WorkerConfig{
		"relationship-resolution": {
			BaseConcurrency:  4,
			MaxConcurrency:   8,
			FailureThreshold: 3,
			ResetTimeout:     5 * time.Second,
			JobTimeout:       150 * time.Second,
		},
		"validation": {
			BaseConcurrency:  8,
			MaxConcurrency:   16,
			FailureThreshold: 3,
			ResetTimeout:     10 * time.Second,
			JobTimeout:       60 * time.Second,
		},
		"global-relationship-analysis": {
			BaseConcurrency:  2,
			MaxConcurrency:   4,
			FailureThreshold: 3,
			ResetTimeout:     10 * time.Second,
			JobTimeout:       300 * time.Second,
		},
	})

	v.SetDefault("confidence.weights.syntactic", 0.3)
	v.SetDefault("confidence.weights.semantic", 0.3)
	v.SetDefault("confidence.weights.context", 0.2)
	v.SetDefault("confidence.weights.crossref", 0.2)
	v.SetDefault("confidence.thresholds.high", 0.85)
	v.SetDefault("confidence.thresholds.medium", 0.65)
	v.SetDefault("confidence.thresholds.low", 0.45)
	v.SetDefault("confidence.thresholds.escalation", 0.5)
	v.SetDefault("confidence.factorFloor", 0.25)

	v.SetDefault("enhancement.enabled", true)
	v.SetDefault("enhancement.individualThreshold", 0.70)

	v.SetDefault("triangulation.enabled", true)
	v.SetDefault("triangulation.timeout", 5*time.Minute)
	v.SetDefault("triangulation.maxRetries", 2)

	v.SetDefault("llm.model", "claude-3-5-haiku-latest")
	v.SetDefault("llm.maxTokens", 2048)

	v.SetDefault("log.path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.maxSizeMB", 50)
	v.SetDefault("log.maxBackups", 3)
	v.SetDefault("log.maxAgeDays", 14)
}

// Validate rejects configurations that would violate pipeline
// invariants rather than letting them surface as runtime misbehavior.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("config: database.path is required")
	}
	if c.Publisher.PollingInterval <= 0 {
		return fmt.Errorf("config: publisher.pollingInterval must be positive")
	}
	if c.Publisher.BatchLimit <= 0 {
		return fmt.Errorf("config: publisher.batchLimit must be positive")
	}
	if c.Writer.BatchSize <= 0 {
		return fmt.Errorf("config: writer.batchSize must be positive")
	}
	if c.Writer.FlushInterval <= 0 {
		return fmt.Errorf("config: writer.flushInterval must be positive")
	}
	if c.Pool.GlobalConcurrencyCap <= 0 {
		return fmt.Errorf("config: pool.globalConcurrencyCap must be positive")
	}
	for name, w := range c.Pool.Workers {
		if w.BaseConcurrency <= 0 {
			return fmt.Errorf("config: pool.workers.%s.baseConcurrency must be positive", name)
		}
		if w.MaxConcurrency != 0 && w.MaxConcurrency < w.BaseConcurrency {
			return fmt.Errorf("config: pool.workers.%s.maxConcurrency below baseConcurrency", name)
		}
	}

	wsum := c.Confidence.Weights.Syntactic + c.Confidence.Weights.Semantic +
		c.Confidence.Weights.Context + c.Confidence.Weights.CrossRef
	if wsum < 0.999 || wsum > 1.001 {
		return fmt.Errorf("config: confidence weights must sum to 1.0, got %.3f", wsum)
	}
	t := c.Confidence.Thresholds
	if !(t.High > t.Medium && t.Medium > t.Low && t.Low > 0) {
		return fmt.Errorf("config: confidence thresholds must be strictly descending, got %.2f/%.2f/%.2f",
			t.High, t.Medium, t.Low)
	}
	if t.Escalation <= 0 || t.Escalation >= 1 {
		return fmt.Errorf("config: confidence.thresholds.escalation must be in (0,1)")
	}
	if c.Enhancement.IndividualThreshold <= t.Escalation {
		return fmt.Errorf("config: enhancement.individualThreshold must exceed the escalation threshold")
	}
	return nil
}
