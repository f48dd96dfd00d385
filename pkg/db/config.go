package db

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/go-sql-driver/mysql"
)

// DefaultConfig returns a configuration for a local MySQL server
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            3306,
		Collation:       "utf8mb4_unicode_ci",
		TimeZone:        "UTC",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
		PrepareStmt:     true,
		QueryTimeout:    30 * time.Second,
		Logging: LoggingConfig{
			Level:              "warn",
			SlowQueryThreshold: 200 * time.Millisecond,
		},
	}
}

// Validate checks if the database configuration is valid
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("database port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Username == "" {
		return fmt.Errorf("database username is required")
	}
	if c.MaxOpenConns < 1 {
		return fmt.Errorf("max_open_conns must be at least 1")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("max_idle_conns cannot be greater than max_open_conns")
	}
	if c.QueryTimeout < 0 {
		return fmt.Errorf("query_timeout cannot be negative")
	}

	if c.SSL.Enabled && !c.SSL.SkipVerify {
		if err := c.validateTLSFiles(); err != nil {
			return fmt.Errorf("TLS configuration error: %w", err)
		}
	}

	return nil
}

func (c *Config) validateTLSFiles() error {
	if c.SSL.CAFile != "" {
		if _, err := os.Stat(c.SSL.CAFile); err != nil {
			return fmt.Errorf("CA file not accessible: %w", err)
		}
	}

	if c.SSL.CertFile != "" || c.SSL.KeyFile != "" {
		if c.SSL.CertFile == "" || c.SSL.KeyFile == "" {
			return fmt.Errorf("both CertFile and KeyFile must be provided together")
		}
		if _, err := os.Stat(c.SSL.CertFile); err != nil {
			return fmt.Errorf("client certificate file not accessible: %w", err)
		}
		if _, err := os.Stat(c.SSL.KeyFile); err != nil {
			return fmt.Errorf("client key file not accessible: %w", err)
		}
	}

	return nil
}

// DSN builds the MySQL data source name with the driver's own config
// builder. A custom TLS config is registered with the driver under a name
// derived from the certificate paths.
func (c *Config) DSN() (string, error) {
	cfg := mysql.NewConfig()
	cfg.User = c.Username
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	cfg.DBName = c.Database
	cfg.Collation = c.Collation
	cfg.Loc = parseLocation(c.TimeZone)
	cfg.ParseTime = true

	if !c.SSL.Enabled {
		return cfg.FormatDSN(), nil
	}
	if c.SSL.SkipVerify {
		cfg.TLSConfig = "skip-verify"
		return cfg.FormatDSN(), nil
	}

	tlsConfig := &tls.Config{ServerName: c.SSL.ServerName}

	if c.SSL.CAFile != "" {
		caCert, err := os.ReadFile(c.SSL.CAFile)
		if err != nil {
			return "", fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return "", fmt.Errorf("invalid CA certificate in %s", c.SSL.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	if c.SSL.CertFile != "" && c.SSL.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.SSL.CertFile, c.SSL.KeyFile)
		if err != nil {
			return "", fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	name := c.tlsConfigName()
	if err := mysql.RegisterTLSConfig(name, tlsConfig); err != nil {
		return "", fmt.Errorf("failed to register TLS config: %w", err)
	}
	cfg.TLSConfig = name

	return cfg.FormatDSN(), nil
}

// tlsConfigName keeps registrations of different Config values apart
func (c *Config) tlsConfigName() string {
	h := sha256.New()
	h.Write([]byte(c.SSL.CAFile))
	h.Write([]byte(c.SSL.CertFile))
	h.Write([]byte(c.SSL.KeyFile))
	h.Write([]byte(c.SSL.ServerName))
	return "gormattach_tls_" + hex.EncodeToString(h.Sum(nil))[:16]
}

func parseLocation(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
