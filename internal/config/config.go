// Package config loads the orchestration core's configuration from
// environment variables, with sensible defaults for every tunable named in
// the component design.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/folio-org/folio-core/internal/coreerr"
	"github.com/folio-org/folio-core/internal/cronexpr"
)

// Config holds the full application configuration.
type Config struct {
	DB         DBConfig
	Server     ServerConfig
	S3         S3Config
	Timezone   string
	Scheduler  SchedulerConfig
	Dispatcher DispatcherConfig
	Tailer     TailerConfig
	Reconciler ReconcilerConfig
	Retention  RetentionConfig
}

// DBConfig holds PostgreSQL connection parameters.
type DBConfig struct {
	Host    string
	Port    int
	User    string
	Pass    string
	DBName  string
	SSLMode string
	URL     string // overrides the discrete fields above when set
	Timeout time.Duration
}

// DSN returns a PostgreSQL connection string.
func (c DBConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return "postgres://" + c.User + ":" + c.Pass +
		"@" + c.Host + ":" + strconv.Itoa(c.Port) +
		"/" + c.DBName + "?sslmode=" + c.SSLMode
}

// ServerConfig holds control-surface (apiserver) HTTP parameters.
type ServerConfig struct {
	Port string
	Host string
}

// Addr returns the full listen address (host:port).
func (c ServerConfig) Addr() string {
	return c.Host + c.Port
}

// S3Config holds S3-compatible object storage parameters for the Retention
// Manager's cold-storage backup archive.
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
}

// SchedulerConfig tunes the cron-driven Scheduler (spec §4.3).
type SchedulerConfig struct {
	RefreshInterval time.Duration
	ConflictWindow  time.Duration
}

// DispatcherConfig tunes the worker pool (spec §4.4).
type DispatcherConfig struct {
	MaxConcurrentTasks int
	PerProjectLimit    int
	QueueCapacity      int
	SpawnTimeout       time.Duration
	HardKillGrace      time.Duration
	TaskTimeout        time.Duration
	StderrRingBytes    int
}

// TailerConfig tunes the ingestion engine (spec §4.5).
type TailerConfig struct {
	FileAppearTimeout time.Duration
	PollInterval      time.Duration
	BatchMax          int
	BatchInterval     time.Duration
	MaxPendingBytes   int64
}

// ReconcilerConfig tunes the background repair sweep (spec §4.7).
type ReconcilerConfig struct {
	Interval     time.Duration
	Window       time.Duration
	StuckTimeout time.Duration
}

// RetentionConfig tunes JSONL trimming and backup cleanup (spec §4.8).
// Schedule is a standard 5-field cron expression (parsed by robfig/cron's
// standard parser, not the Scheduler's dedicated evaluator) governing when
// sweeps run; Interval remains as a fallback for callers that only know a
// fixed period.
type RetentionConfig struct {
	Schedule      string
	Interval      time.Duration
	MaxJSONLLines int
	KeepSessions  int
	MaxBackupAge  time.Duration
}

// Load reads configuration from environment variables with sensible
// defaults, mirroring every tunable named in the component design.
func Load() Config {
	return Config{
		DB: DBConfig{
			Host:    envOr("DB_HOST", "localhost"),
			Port:    envOrInt("DB_PORT", 5432),
			User:    envOr("DB_USER", "folio"),
			Pass:    envOr("DB_PASS", "folio"),
			DBName:  envOr("DB_NAME", "folio_core"),
			SSLMode: envOr("DB_SSLMODE", "disable"),
			URL:     envOr("SCRAPY_UI_DB_URL", ""),
			Timeout: envOrDuration("DB_TIMEOUT", 30*time.Second),
		},
		Server: ServerConfig{
			Port: envOr("SERVER_PORT", ":8080"),
			Host: envOr("SERVER_HOST", ""),
		},
		S3: S3Config{
			Endpoint:  envOr("S3_ENDPOINT", ""),
			Bucket:    envOr("S3_BUCKET", "folio-retention-backups"),
			AccessKey: envOr("S3_ACCESS_KEY", ""),
			SecretKey: envOr("S3_SECRET_KEY", ""),
			Region:    envOr("S3_REGION", "us-ashburn-1"),
		},
		Timezone: envOr("SCRAPY_UI_TIMEZONE", "Asia/Tokyo"),
		Scheduler: SchedulerConfig{
			RefreshInterval: envOrDuration("SCHEDULER_REFRESH_INTERVAL", 10*time.Second),
			ConflictWindow:  envOrDuration("SCHEDULER_CONFLICT_WINDOW", 5*time.Minute),
		},
		Dispatcher: DispatcherConfig{
			MaxConcurrentTasks: envOrInt("SCRAPY_UI_MAX_CONCURRENT_TASKS", 8),
			PerProjectLimit:    envOrInt("DISPATCHER_PER_PROJECT_LIMIT", 0),
			QueueCapacity:      envOrInt("DISPATCHER_QUEUE_CAPACITY", 64),
			SpawnTimeout:       envOrDuration("DISPATCHER_SPAWN_TIMEOUT", 10*time.Second),
			HardKillGrace:      envOrDuration("DISPATCHER_HARD_KILL_GRACE", 10*time.Second),
			TaskTimeout:        envOrDuration("DISPATCHER_TASK_TIMEOUT", time.Hour),
			StderrRingBytes:    envOrInt("DISPATCHER_STDERR_RING_BYTES", 16*1024),
		},
		Tailer: TailerConfig{
			FileAppearTimeout: envOrDuration("TAILER_FILE_APPEAR_TIMEOUT", 5*time.Second),
			PollInterval:      envOrDuration("TAILER_POLL_INTERVAL", time.Second),
			BatchMax:          envOrInt("TAILER_BATCH_MAX", 200),
			BatchInterval:     envOrDuration("TAILER_BATCH_INTERVAL", time.Second),
			MaxPendingBytes:   int64(envOrInt("TAILER_MAX_PENDING_BYTES", 16*1024*1024)),
		},
		Reconciler: ReconcilerConfig{
			Interval:     envOrDuration("SCRAPY_UI_RECONCILE_INTERVAL_S", 2*time.Minute),
			Window:       envOrDuration("RECONCILER_WINDOW", 6*time.Hour),
			StuckTimeout: envOrDuration("RECONCILER_STUCK_TIMEOUT", 30*time.Minute),
		},
		Retention: RetentionConfig{
			Schedule:      envOr("RETENTION_SCHEDULE", "@hourly"),
			Interval:      envOrDuration("RETENTION_INTERVAL", time.Hour),
			MaxJSONLLines: envOrInt("RETENTION_MAX_JSONL_LINES", 500),
			KeepSessions:  envOrInt("RETENTION_KEEP_SESSIONS", 1),
			MaxBackupAge:  envOrDuration("RETENTION_MAX_BACKUP_AGE", 30*24*time.Hour),
		},
	}
}

// Validate checks configuration invariants that can be caught before
// connecting to anything: a loadable timezone and sane pool sizes. It backs
// the `check-config` CLI verb.
func (c Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return coreerr.ConfigError("config.Validate", fmt.Errorf("invalid timezone %q: %w", c.Timezone, err))
	}
	if c.Dispatcher.MaxConcurrentTasks <= 0 {
		return coreerr.ConfigError("config.Validate", fmt.Errorf("max_concurrent_tasks must be positive, got %d", c.Dispatcher.MaxConcurrentTasks))
	}
	if c.Dispatcher.QueueCapacity <= 0 {
		return coreerr.ConfigError("config.Validate", fmt.Errorf("queue_capacity must be positive, got %d", c.Dispatcher.QueueCapacity))
	}
	return nil
}

// ValidateCronExpr is a convenience used by callers validating a Schedule's
// cron_expression before persisting it.
func ValidateCronExpr(expr string) error {
	if _, err := cronexpr.Parse(expr); err != nil {
		return coreerr.ConfigError("config.ValidateCronExpr", err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	// Accept either a Go duration string ("30s") or a bare integer of
	// seconds, matching SCRAPY_UI_RECONCILE_INTERVAL_S's naming.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
