package db

import (
	"time"

	"gorm.io/gorm"
)

// Config holds MySQL/GORM database configuration
type Config struct {
	// Connection Settings
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Database string `json:"database" yaml:"database"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`

	// Connection Pool Settings
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`

	// MySQL Specific Settings
	Collation string `json:"collation" yaml:"collation"` // Default: utf8mb4_unicode_ci
	TimeZone  string `json:"timezone" yaml:"timezone"`   // Default: UTC

	// GORM Settings
	PrepareStmt  bool          `json:"prepare_stmt" yaml:"prepare_stmt"`
	QueryTimeout time.Duration `json:"query_timeout" yaml:"query_timeout"`

	SSL     SSLConfig     `json:"ssl" yaml:"ssl"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// SSLConfig holds SSL/TLS configuration for MySQL
type SSLConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	CertFile   string `json:"cert_file" yaml:"cert_file"`
	KeyFile    string `json:"key_file" yaml:"key_file"`
	CAFile     string `json:"ca_file" yaml:"ca_file"`
	SkipVerify bool   `json:"skip_verify" yaml:"skip_verify"`
	ServerName string `json:"server_name" yaml:"server_name"`
}

// LoggingConfig controls the GORM logger
type LoggingConfig struct {
	Level              string        `json:"level" yaml:"level"` // silent, error, warn, info
	SlowQueryThreshold time.Duration `json:"slow_query_threshold" yaml:"slow_query_threshold"`
	LogQueryParameters bool          `json:"log_query_parameters" yaml:"log_query_parameters"`
	Colorful           bool          `json:"colorful" yaml:"colorful"`
}

// Manager owns the GORM connection shared by repositories and sessions
type Manager struct {
	config *Config
	db     *gorm.DB
}
