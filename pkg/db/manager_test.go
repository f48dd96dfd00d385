package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Database = "shop"
	cfg.Username = "app"
	cfg.Password = "secret"
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing host", func(c *Config) { c.Host = "" }, "host is required"},
		{"bad port", func(c *Config) { c.Port = 70000 }, "port must be between"},
		{"missing database", func(c *Config) { c.Database = "" }, "database name is required"},
		{"missing user", func(c *Config) { c.Username = "" }, "username is required"},
		{"no connections", func(c *Config) { c.MaxOpenConns = 0 }, "max_open_conns"},
		{"idle above open", func(c *Config) { c.MaxIdleConns = 50 }, "max_idle_conns"},
		{"negative timeout", func(c *Config) { c.QueryTimeout = -time.Second }, "query_timeout"},
		{"half client cert", func(c *Config) {
			c.SSL.Enabled = true
			c.SSL.CertFile = "client.pem"
		}, "both CertFile and KeyFile"},
		{"missing CA", func(c *Config) {
			c.SSL.Enabled = true
			c.SSL.CAFile = "/does/not/exist.pem"
		}, "CA file not accessible"},
		{"skip verify ignores files", func(c *Config) {
			c.SSL.Enabled = true
			c.SSL.SkipVerify = true
			c.SSL.CAFile = "/does/not/exist.pem"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_DSN(t *testing.T) {
	cfg := validConfig()
	cfg.TimeZone = "Europe/Berlin"

	dsn, err := cfg.DSN()
	require.NoError(t, err)

	parsed, err := mysqldriver.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "app", parsed.User)
	assert.Equal(t, "secret", parsed.Passwd)
	assert.Equal(t, "localhost:3306", parsed.Addr)
	assert.Equal(t, "shop", parsed.DBName)
	assert.True(t, parsed.ParseTime)
	assert.Equal(t, "Europe/Berlin", parsed.Loc.String())
}

func TestConfig_DSNSkipVerify(t *testing.T) {
	cfg := validConfig()
	cfg.SSL = SSLConfig{Enabled: true, SkipVerify: true}

	dsn, err := cfg.DSN()
	require.NoError(t, err)
	assert.Contains(t, dsn, "tls=skip-verify")
}

func TestConfig_DSNUnreadableCA(t *testing.T) {
	cfg := validConfig()
	cfg.SSL = SSLConfig{Enabled: true, CAFile: "/does/not/exist.pem"}

	_, err := cfg.DSN()
	assert.ErrorContains(t, err, "failed to read CA file")
}

func TestParseLocation_FallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, parseLocation(""))
	assert.Equal(t, time.UTC, parseLocation("Not/AZone"))
}

func TestNewManager_RejectsInvalidConfig(t *testing.T) {
	_, err := NewManager(nil)
	assert.Error(t, err)

	_, err = NewManager(&Config{})
	assert.ErrorContains(t, err, "invalid config")
}

func newMockManager(t *testing.T, cfg *Config) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{
		Logger:               logger.Default.LogMode(logger.Silent),
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)

	m, err := NewManagerWithDB(cfg, gdb)
	require.NoError(t, err)
	return m, mock
}

func TestManager_WrapsExistingDB(t *testing.T) {
	m, mock := newMockManager(t, nil)

	assert.Equal(t, "default_db", m.DatabaseName())
	assert.Equal(t, 30*time.Second, m.Config().QueryTimeout)

	mock.ExpectPing()
	require.NoError(t, m.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())

	_, err := NewManagerWithDB(nil, nil)
	assert.Error(t, err)
}

func TestManager_WithTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.QueryTimeout = time.Minute
	m, _ := newMockManager(t, cfg)
	assert.Equal(t, "shop", m.DatabaseName())

	ctx, cancel := m.WithTimeout(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)

	cfg.QueryTimeout = 0
	ctx, cancel = m.WithTimeout(context.Background())
	defer cancel()
	_, ok = ctx.Deadline()
	assert.False(t, ok)
}

func TestLogLevel(t *testing.T) {
	assert.Equal(t, logger.Info, logLevel("INFO"))
	assert.Equal(t, logger.Warn, logLevel("warn"))
	assert.Equal(t, logger.Silent, logLevel("silent"))
	assert.Equal(t, logger.Error, logLevel("anything"))
}
