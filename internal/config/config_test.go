package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "tripjoin.db", cfg.Store.SQLitePath)
	assert.Equal(t, 2000, cfg.Store.OpTimeoutMs)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "end", cfg.Matcher.FarePreference)
	assert.Equal(t, 4, cfg.Matcher.Lanes)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.InDelta(t, 0.25, cfg.Retry.JitterFraction, 0.001)
	assert.Equal(t, 60, cfg.Monitoring.StalenessMins)
	assert.Equal(t, "json", cfg.Aggregate.Format)
	assert.Equal(t, "daily_trip_stats", cfg.Aggregate.Table)
	assert.Equal(t, "tripjoin-aggregate", cfg.Temporal.TaskQueue)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/trips
log:
  level: debug
  format: console
matcher:
  fare_preference: start
  lanes: 8
aggregate:
  format: xlsx
  ftp:
    host: ftp.example.com:21
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/trips", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "start", cfg.Matcher.FarePreference)
	assert.Equal(t, 8, cfg.Matcher.Lanes)
	assert.Equal(t, "xlsx", cfg.Aggregate.Format)
	assert.Equal(t, "ftp.example.com:21", cfg.Aggregate.FTP.Host)
	// Defaults still apply for unset values
	assert.Equal(t, 100, cfg.Matcher.BatchSize)
	assert.Equal(t, 30, cfg.Aggregate.FTP.TimeoutSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("TRIPJOIN_STORE_DRIVER", "memory")
	t.Setenv("TRIPJOIN_LOG_LEVEL", "warn")
	t.Setenv("TRIPJOIN_MATCHER_FARE_PREFERENCE", "start")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "start", cfg.Matcher.FarePreference)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0o644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.Error(t, InitLogger(LogConfig{Level: "invalid", Format: "json"}))
}

func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = "tripjoin.db"
	cfg.Server.Port = 8080
	cfg.Ingest.Concurrency = 8
	cfg.Matcher.FarePreference = "end"
	cfg.Matcher.Lanes = 4
	cfg.Matcher.BatchSize = 100
	cfg.Aggregate.Format = "json"
	cfg.Aggregate.Sink = "file"
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"serve", "ingest", "match", "reconcile", "aggregate", "worker", "status", "dlq", "migrate"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_Driver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"
	err := cfg.Validate("status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.Driver = "dynamo"
	err = cfg.Validate("status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be one of")
}

func TestValidate_Serve(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0
	cfg.Matcher.FarePreference = "cheapest"

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.Contains(t, err.Error(), "matcher.fare_preference must be end or start")
}

func TestValidate_Ingest(t *testing.T) {
	cfg := validDefaults()
	cfg.Ingest.Concurrency = 0
	err := cfg.Validate("ingest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest.concurrency must be between 1 and 64")
}

func TestValidate_Aggregate(t *testing.T) {
	cfg := validDefaults()
	cfg.Aggregate.Format = "parquet"
	cfg.Aggregate.Sink = "postgres"
	cfg.Aggregate.PostgresMode = "merge"

	err := cfg.Validate("aggregate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aggregate.format must be one of")
	assert.Contains(t, err.Error(), "store.database_url is required for the postgres sink")
	assert.Contains(t, err.Error(), "aggregate.postgres_mode must be overwrite or append")
}

func TestValidate_AggregateSink(t *testing.T) {
	cfg := validDefaults()
	cfg.Aggregate.Sink = "s3"
	err := cfg.Validate("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aggregate.sink must be one of file, postgres, both")

	cfg.Aggregate.Sink = "both"
	cfg.Aggregate.PostgresMode = "append"
	cfg.Store.DatabaseURL = "postgres://localhost/trips"
	assert.NoError(t, cfg.Validate("aggregate"))
}

func TestValidate_UnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
