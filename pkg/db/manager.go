package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewManager opens a MySQL connection pool with the given configuration
func NewManager(config *Config) (*Manager, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dsn, err := config.DSN()
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		PrepareStmt: config.PrepareStmt,
		Logger:      NewLogger(config.Logging),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	return &Manager{config: config, db: db}, nil
}

// NewManagerWithDB wraps an already opened GORM handle. The configuration is
// only consulted for the database name and query timeout, so it is not
// validated; nil uses DefaultConfig.
func NewManagerWithDB(config *Config, db *gorm.DB) (*Manager, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	return &Manager{config: config, db: db}, nil
}

// NewLogger builds the GORM logger used for every statement and for session
// and repository diagnostics
func NewLogger(cfg LoggingConfig) logger.Interface {
	return logger.New(log.New(os.Stdout, "\r\n", log.LstdFlags), logger.Config{
		SlowThreshold:             cfg.SlowQueryThreshold,
		LogLevel:                  logLevel(cfg.Level),
		IgnoreRecordNotFoundError: true,
		ParameterizedQueries:      !cfg.LogQueryParameters,
		Colorful:                  cfg.Colorful,
	})
}

// DB returns the GORM database instance
func (m *Manager) DB() *gorm.DB {
	return m.db
}

// SqlDB returns the underlying sql.DB instance
func (m *Manager) SqlDB() (*sql.DB, error) {
	return m.db.DB()
}

// Config returns the manager's configuration
func (m *Manager) Config() *Config {
	return m.config
}

// DatabaseName returns the configured schema name, used to namespace cache
// keys
func (m *Manager) DatabaseName() string {
	if m.config.Database == "" {
		return "default_db"
	}
	return m.config.Database
}

// WithTimeout bounds ctx by the configured query timeout. The returned
// cancel func must always be called.
func (m *Manager) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.config.QueryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.config.QueryTimeout)
}

// Close closes the database connection
func (m *Manager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping tests the database connection
func (m *Manager) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Stats returns database connection statistics
func (m *Manager) Stats() (sql.DBStats, error) {
	sqlDB, err := m.db.DB()
	if err != nil {
		return sql.DBStats{}, err
	}
	return sqlDB.Stats(), nil
}

func logLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "info":
		return logger.Info
	case "warn":
		return logger.Warn
	case "silent":
		return logger.Silent
	default:
		return logger.Error
	}
}
