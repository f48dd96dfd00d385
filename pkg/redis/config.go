package redis

import (
	"fmt"
	"time"
)

// Config holds Redis cache configuration
type Config struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	KeyPrefix    string        `json:"key_prefix" yaml:"key_prefix"` // Default: gormattach
	DefaultTTL   time.Duration `json:"default_ttl" yaml:"default_ttl"`
	NullCacheTTL time.Duration `json:"null_cache_ttl" yaml:"null_cache_ttl"` // 0 disables caching of misses

	// Redis Connection
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Password string `json:"password" yaml:"password"`
	Database int    `json:"database" yaml:"database"`

	// Connection Pool
	PoolSize     int           `json:"pool_size" yaml:"pool_size"`
	MinIdleConns int           `json:"min_idle_conns" yaml:"min_idle_conns"`
	MaxConnAge   time.Duration `json:"max_conn_age" yaml:"max_conn_age"`
	PoolTimeout  time.Duration `json:"pool_timeout" yaml:"pool_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`

	Cluster ClusterConfig `json:"cluster" yaml:"cluster"`

	Invalidation InvalidationConfig `json:"invalidation" yaml:"invalidation"`
}

// ClusterConfig for Redis Cluster setup
type ClusterConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Addresses []string `json:"addresses" yaml:"addresses"`
	Username  string   `json:"username" yaml:"username"`
	Password  string   `json:"password" yaml:"password"`
}

// InvalidationConfig controls relationship-aware cache invalidation after a
// session commit.
type InvalidationConfig struct {
	// MaxRelationshipDepth bounds how far related entities are followed when
	// collecting dependency sets to clear.
	MaxRelationshipDepth int      `json:"max_relationship_depth" yaml:"max_relationship_depth"`
	IgnoreRelationships  []string `json:"ignore_relationships" yaml:"ignore_relationships"` // field or table names

	// KeyPatterns maps a table name to extra patterns to clear; "{id}" is
	// replaced with the entity's primary key.
	KeyPatterns map[string][]string `json:"key_patterns" yaml:"key_patterns"`
}

// DefaultConfig returns a Redis configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Enabled:      true,
		KeyPrefix:    defaultKeyPrefix,
		DefaultTTL:   time.Hour,
		NullCacheTTL: time.Minute * 5,
		Host:         "localhost",
		Port:         6379,
		Database:     0,
		PoolSize:     10,
		MinIdleConns: 3,
		MaxConnAge:   time.Hour,
		PoolTimeout:  time.Second * 4,
		IdleTimeout:  time.Minute * 5,
		ReadTimeout:  time.Second * 3,
		WriteTimeout: time.Second * 3,
		DialTimeout:  time.Second * 5,
		Invalidation: InvalidationConfig{
			MaxRelationshipDepth: 3,
		},
	}
}

// Validate checks if the Redis configuration is valid
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil // Skip validation if cache is disabled
	}

	if c.IsClusterMode() {
		for _, addr := range c.Cluster.Addresses {
			if addr == "" {
				return fmt.Errorf("cluster addresses cannot contain empty entries")
			}
		}
	} else {
		if c.Host == "" {
			return fmt.Errorf("redis host is required when cache is enabled")
		}
		if c.Port <= 0 || c.Port > 65535 {
			return fmt.Errorf("redis port must be between 1 and 65535, got %d", c.Port)
		}
	}
	if c.DefaultTTL <= 0 {
		return fmt.Errorf("default_ttl must be positive when cache is enabled")
	}
	if c.Invalidation.MaxRelationshipDepth < 1 {
		return fmt.Errorf("max_relationship_depth must be at least 1")
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1")
	}

	return nil
}

// GetAddr returns the Redis connection address
func (c *Config) GetAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsClusterMode returns true if Redis cluster is enabled
func (c *Config) IsClusterMode() bool {
	return c.Cluster.Enabled && len(c.Cluster.Addresses) > 0
}

// prefix returns the configured key prefix or the default one
func (c *Config) prefix() string {
	if c.KeyPrefix == "" {
		return defaultKeyPrefix
	}
	return c.KeyPrefix
}
