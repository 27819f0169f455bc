package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/consistency-engine/internal/attributes"
	"github.com/Kocoro-lab/consistency-engine/internal/embeddings"
	"github.com/Kocoro-lab/consistency-engine/internal/entities"
	"github.com/Kocoro-lab/consistency-engine/internal/orchestrator"
	"github.com/Kocoro-lab/consistency-engine/internal/tracing"
)

// DefaultPath is used when CONFIG_PATH is unset.
const DefaultPath = "/app/config/consistency.yaml"

type ObservabilityConfig struct {
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
	Tracing tracing.Config `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	AdminPort       int           `mapstructure:"admin_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite3"; "memory" keeps everything in process.
	Driver         string `mapstructure:"driver"`
	DSN            string `mapstructure:"dsn"`
	MaxConnections int    `mapstructure:"max_connections"`
	Workers        int    `mapstructure:"workers"`
}

type RedisConfig struct {
	// Addr enables the embedding cache and the progress stream when set.
	Addr string `mapstructure:"addr"`
}

type AuthConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type ExtractorConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LLMSignalConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
	RPM     int           `mapstructure:"rpm"`
}

type SignalsConfig struct {
	// Timeout bounds each provider call.
	Timeout    time.Duration      `mapstructure:"timeout"`
	Weights    map[string]float64 `mapstructure:"weights"`
	Embeddings embeddings.Config  `mapstructure:"embeddings"`
	LLM        LLMSignalConfig    `mapstructure:"llm"`
}

type StreamingConfig struct {
	// Capacity is the per-project replay buffer.
	Capacity int `mapstructure:"capacity"`
}

// Config is the full service configuration.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Extractor     ExtractorConfig     `mapstructure:"extractor"`
	Signals       SignalsConfig       `mapstructure:"signals"`
	Streaming     StreamingConfig     `mapstructure:"streaming"`
	Orchestrator  orchestrator.Config `mapstructure:"orchestrator"`
	Resolver      entities.Config     `mapstructure:"resolver"`
	Attributes    attributes.Config   `mapstructure:"attributes"`
}

// Path returns CONFIG_PATH or DefaultPath.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads the file at Path. A missing file leaves the defaults in place.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile layers defaults, the file, then CONSISTENCY_* environment variables.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CONSISTENCY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !isMissing(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func isMissing(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.admin_port", 8081)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.workers", 4)

	v.SetDefault("redis.addr", "")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.port", 2112)
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.service_name", "consistency-engine")
	v.SetDefault("observability.tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("extractor.base_url", "")
	v.SetDefault("extractor.timeout", 2*time.Minute)

	v.SetDefault("signals.timeout", 10*time.Second)
	v.SetDefault("signals.weights", DefaultWeights())
	v.SetDefault("signals.embeddings.base_url", "")
	v.SetDefault("signals.embeddings.default_model", "")
	v.SetDefault("signals.embeddings.timeout", 5*time.Second)
	v.SetDefault("signals.embeddings.cache_ttl", 24*time.Hour)
	v.SetDefault("signals.embeddings.max_lru", 2048)
	v.SetDefault("signals.llm.base_url", "")
	v.SetDefault("signals.llm.model", "")
	v.SetDefault("signals.llm.timeout", 60*time.Second)
	v.SetDefault("signals.llm.rpm", 30)

	v.SetDefault("streaming.capacity", 256)

	oc := orchestrator.DefaultConfig()
	v.SetDefault("orchestrator.heavy_slots", oc.HeavySlots)
	v.SetDefault("orchestrator.heavy_timeout", oc.HeavyTimeout)
	v.SetDefault("orchestrator.resume_on_restart", oc.ResumeOnRestart)
	v.SetDefault("orchestrator.progress_retention", oc.ProgressRetention)
	v.SetDefault("orchestrator.checkpoint_every", oc.CheckpointEvery)
	v.SetDefault("orchestrator.heavy_rescore_all", oc.HeavyRescoreAll)
	v.SetDefault("orchestrator.context_chars", oc.ContextChars)

	rc := entities.DefaultConfig()
	v.SetDefault("resolver.merge_threshold", rc.MergeThreshold)
	v.SetDefault("resolver.auto_merge_threshold", rc.AutoMergeThreshold)
	v.SetDefault("resolver.ambiguity_margin", rc.AmbiguityMargin)
	v.SetDefault("resolver.candidate_floor", rc.CandidateFloor)
	v.SetDefault("resolver.max_candidate_pairs", rc.MaxCandidatePairs)

	ac := attributes.DefaultConfig()
	v.SetDefault("attributes.min_confidence", ac.MinConfidence)
	v.SetDefault("attributes.tables_file", ac.TablesFile)
}

// Validate checks ranges that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	for name, port := range map[string]int{
		"server.port":                c.Server.Port,
		"server.admin_port":          c.Server.AdminPort,
		"observability.metrics.port": c.Observability.Metrics.Port,
	} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
		}
	}
	switch c.Database.Driver {
	case "postgres", "sqlite3", "memory":
	default:
		return fmt.Errorf("database.driver must be postgres, sqlite3 or memory, got %q", c.Database.Driver)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required when auth is enabled")
	}
	t := Tunables{
		Resolver:     c.Resolver,
		Attributes:   c.Attributes,
		Orchestrator: c.Orchestrator,
	}
	t.Signals.Weights = c.Signals.Weights
	return t.Validate()
}

// MetricsPort returns METRICS_PORT when set, else the configured port, else defaultPort.
func MetricsPort(c *Config, defaultPort int) int {
	if p := os.Getenv("METRICS_PORT"); p != "" {
		var v int
		_, _ = fmt.Sscanf(p, "%d", &v)
		if v > 0 {
			return v
		}
	}
	if c != nil && c.Observability.Metrics.Port > 0 {
		return c.Observability.Metrics.Port
	}
	return defaultPort
}
