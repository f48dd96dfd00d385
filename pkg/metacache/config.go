package metacache

import (
	"fmt"
	"time"
)

const (
	// DefaultTTL is how long a type's metadata is trusted
	DefaultTTL  = 10 * time.Minute
	DefaultSize = 512
)

// Config holds metadata cache configuration
type Config struct {
	TTL       time.Duration `json:"ttl" yaml:"ttl"`
	Size      int           `json:"size" yaml:"size"`             // max entries kept in process
	KeyPrefix string        `json:"key_prefix" yaml:"key_prefix"` // namespace inside Redis, Default: meta

	// Metrics are registered under this namespace when a Registerer is given
	MetricsNamespace string `json:"metrics_namespace" yaml:"metrics_namespace"`
}

// DefaultConfig returns the 10 minute, 512 entry configuration
func DefaultConfig() *Config {
	return &Config{
		TTL:              DefaultTTL,
		Size:             DefaultSize,
		KeyPrefix:        "meta",
		MetricsNamespace: "gormattach",
	}
}

// Validate checks if the metadata cache configuration is valid
func (c *Config) Validate() error {
	if c.TTL <= 0 {
		return fmt.Errorf("metadata ttl must be positive, got %s", c.TTL)
	}
	if c.Size < 1 {
		return fmt.Errorf("metadata cache size must be at least 1")
	}
	return nil
}
