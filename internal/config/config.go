package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Matcher    MatcherConfig    `yaml:"matcher" mapstructure:"matcher"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Aggregate  AggregateConfig  `yaml:"aggregate" mapstructure:"aggregate"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
}

// StoreConfig configures the event store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int    `yaml:"max_conns" mapstructure:"max_conns"`
	OpTimeoutMs int    `yaml:"op_timeout_ms" mapstructure:"op_timeout_ms"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP ingest server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	RatePerSec     float64  `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst          int      `yaml:"burst" mapstructure:"burst"`
	// RunDispatcher starts the change-feed dispatcher inside serve.
	RunDispatcher bool `yaml:"run_dispatcher" mapstructure:"run_dispatcher"`
}

// IngestConfig configures the raw ingestor.
type IngestConfig struct {
	Concurrency      int    `yaml:"concurrency" mapstructure:"concurrency"`
	SanitationPolicy string `yaml:"sanitation_policy" mapstructure:"sanitation_policy"`
}

// MatcherConfig configures the completion matcher and its dispatcher.
type MatcherConfig struct {
	FarePreference     string  `yaml:"fare_preference" mapstructure:"fare_preference"`
	Consumer           string  `yaml:"consumer" mapstructure:"consumer"`
	BatchSize          int     `yaml:"batch_size" mapstructure:"batch_size"`
	Lanes              int     `yaml:"lanes" mapstructure:"lanes"`
	RatePerSec         float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	PollIntervalMs     int     `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	ReconcileAfterMins int     `yaml:"reconcile_after_mins" mapstructure:"reconcile_after_mins"`
}

// RetryConfig configures backoff for store calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the store circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// MonitoringConfig configures stale-trip and dead-letter alerting.
type MonitoringConfig struct {
	WebhookURL          string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	StalenessMins       int    `yaml:"staleness_mins" mapstructure:"staleness_mins"`
	StaleHalfThreshold  int    `yaml:"stale_half_threshold" mapstructure:"stale_half_threshold"`
	DeadLetterThreshold int    `yaml:"dead_letter_threshold" mapstructure:"dead_letter_threshold"`
	AutoReconcile       bool   `yaml:"auto_reconcile" mapstructure:"auto_reconcile"`
}

// AggregateConfig configures the daily statistics job.
type AggregateConfig struct {
	Format       string    `yaml:"format" mapstructure:"format"`
	OutputDir    string    `yaml:"output_dir" mapstructure:"output_dir"`
	Sink         string    `yaml:"sink" mapstructure:"sink"`
	PostgresMode string    `yaml:"postgres_mode" mapstructure:"postgres_mode"`
	Table        string    `yaml:"table" mapstructure:"table"`
	HistoryTable string    `yaml:"history_table" mapstructure:"history_table"`
	PageSize     int       `yaml:"page_size" mapstructure:"page_size"`
	FTP          FTPConfig `yaml:"ftp" mapstructure:"ftp"`
}

// FTPConfig configures the optional report drop.
type FTPConfig struct {
	Host        string `yaml:"host" mapstructure:"host"`
	User        string `yaml:"user" mapstructure:"user"`
	Password    string `yaml:"password" mapstructure:"password"`
	Dir         string `yaml:"dir" mapstructure:"dir"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// TemporalConfig configures the Temporal client and worker.
type TemporalConfig struct {
	HostPort     string `yaml:"host_port" mapstructure:"host_port"`
	Namespace    string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue    string `yaml:"task_queue" mapstructure:"task_queue"`
	CronSchedule string `yaml:"cron_schedule" mapstructure:"cron_schedule"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TRIPJOIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "tripjoin.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.op_timeout_ms", 2000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.max_body_bytes", 10<<20)
	v.SetDefault("server.rate_per_sec", 50.0)
	v.SetDefault("server.burst", 100)
	v.SetDefault("server.run_dispatcher", true)
	v.SetDefault("ingest.concurrency", 8)
	v.SetDefault("ingest.sanitation_policy", "")
	v.SetDefault("matcher.fare_preference", "end")
	v.SetDefault("matcher.consumer", "matcher")
	v.SetDefault("matcher.batch_size", 100)
	v.SetDefault("matcher.lanes", 4)
	v.SetDefault("matcher.rate_per_sec", 200.0)
	v.SetDefault("matcher.poll_interval_ms", 500)
	v.SetDefault("matcher.reconcile_after_mins", 15)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 50)
	v.SetDefault("retry.max_backoff_ms", 2000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.staleness_mins", 60)
	v.SetDefault("monitoring.stale_half_threshold", 100)
	v.SetDefault("monitoring.dead_letter_threshold", 10)
	v.SetDefault("monitoring.auto_reconcile", false)
	v.SetDefault("aggregate.format", "json")
	v.SetDefault("aggregate.output_dir", ".")
	v.SetDefault("aggregate.sink", "file")
	v.SetDefault("aggregate.postgres_mode", "overwrite")
	v.SetDefault("aggregate.table", "daily_trip_stats")
	v.SetDefault("aggregate.history_table", "daily_trip_stats_history")
	v.SetDefault("aggregate.page_size", 500)
	v.SetDefault("aggregate.ftp.host", "")
	v.SetDefault("aggregate.ftp.user", "")
	v.SetDefault("aggregate.ftp.password", "")
	v.SetDefault("aggregate.ftp.dir", "")
	v.SetDefault("aggregate.ftp.timeout_secs", 30)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "tripjoin-aggregate")
	v.SetDefault("temporal.cron_schedule", "15 0 * * *")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	default:
		errs = append(errs, "store.driver must be one of memory, sqlite, postgres")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		errs = append(errs, c.matcherErrors()...)
	case "ingest":
		if c.Ingest.Concurrency < 1 || c.Ingest.Concurrency > 64 {
			errs = append(errs, "ingest.concurrency must be between 1 and 64")
		}
	case "match", "reconcile":
		errs = append(errs, c.matcherErrors()...)
	case "aggregate", "worker":
		switch c.Aggregate.Format {
		case "json", "csv", "xlsx":
		default:
			errs = append(errs, "aggregate.format must be one of json, csv, xlsx")
		}
		switch c.Aggregate.Sink {
		case "file", "postgres", "both":
		default:
			errs = append(errs, "aggregate.sink must be one of file, postgres, both")
		}
		if c.Aggregate.Sink == "postgres" || c.Aggregate.Sink == "both" {
			if c.Store.DatabaseURL == "" {
				errs = append(errs, "store.database_url is required for the postgres sink")
			}
			if c.Aggregate.PostgresMode != "overwrite" && c.Aggregate.PostgresMode != "append" {
				errs = append(errs, "aggregate.postgres_mode must be overwrite or append")
			}
		}
	case "status", "dlq", "migrate":
	default:
		errs = append(errs, "unknown mode "+mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) matcherErrors() []string {
	var errs []string
	if c.Matcher.FarePreference != "end" && c.Matcher.FarePreference != "start" {
		errs = append(errs, "matcher.fare_preference must be end or start")
	}
	if c.Matcher.Lanes < 1 {
		errs = append(errs, "matcher.lanes must be >= 1")
	}
	if c.Matcher.BatchSize < 1 {
		errs = append(errs, "matcher.batch_size must be >= 1")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
