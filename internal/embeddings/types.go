package embeddings

import "time"

// Config controls the embedding service behavior
type Config struct {
	// BaseURL points to the service exposing POST /embeddings/
	BaseURL string `mapstructure:"base_url"`
	// DefaultModel is used when callers pass an empty model
	DefaultModel string `mapstructure:"default_model"`
	// Timeout for outbound HTTP calls
	Timeout time.Duration `mapstructure:"timeout"`
	// RedisAddr enables the shared cache when set
	RedisAddr string `mapstructure:"redis_addr"`
	// CacheTTL sets TTL for Redis entries
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	// LRUTTL sets TTL for in-process entries
	LRUTTL time.Duration `mapstructure:"lru_ttl"`
	// MaxLRU controls in-process LRU size
	MaxLRU int `mapstructure:"max_lru"`
	// MaxBatch caps texts per outbound request
	MaxBatch int `mapstructure:"max_batch"`
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "text-embedding-3-small"
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 24 * time.Hour
	}
	if c.LRUTTL == 0 {
		c.LRUTTL = 30 * time.Minute
	}
	if c.MaxLRU == 0 {
		c.MaxLRU = 4096
	}
	if c.MaxBatch == 0 {
		c.MaxBatch = 64
	}
	return c
}
