// Package config loads the environment-variable surface the worker and
// scheduler binaries consume into an immutable configuration struct.
// Re-entrant tests then require no reset hooks: construct a fresh Config
// per test instead of mutating shared state.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/corvidqueue/corvid/internal/logger"
)

// Config holds everything a worker fleet process needs at startup.
type Config struct {
	// Queue is the raw QUEUE environment value: a comma-separated list, or
	// the literal "*" for "all queues, re-read on each reservation".
	Queue string
	// Count is how many worker loops cmd/worker starts (as goroutines by
	// default; an external process supervisor may instead start Count
	// separate OS processes, one per invocation with Count=1).
	Count int
	// Interval is the poll interval (non-blocking) or BLPOP timeout
	// (blocking) between reservation attempts.
	Interval time.Duration
	// Blocking selects BLPOP-based reservation over polling.
	Blocking bool
	// Prefix is the Redis key prefix applied to every key this system
	// reads or writes.
	Prefix string
	// RedisBackend is the Redis connection URL.
	RedisBackend string
	// RedisBackendDB selects a logical Redis database, appended to
	// RedisBackend as /N if RedisBackend doesn't already specify one.
	RedisBackendDB int
	// AppInclude names a path the host environment uses to load handler
	// registrations before starting the loop; the core treats it as
	// opaque (same contract as the Factory itself).
	AppInclude string
	// PIDFile, if set, receives this process's PID on startup.
	PIDFile string

	// SchedulerInterval is how often cmd/scheduler checks the `delayed`
	// ZSET for due entries to promote.
	SchedulerInterval time.Duration
	// CronSchedulerEnabled turns on the recurring cron-schedule registry
	// alongside delayed-job promotion in cmd/scheduler.
	CronSchedulerEnabled bool

	// Logging is the multi-tier logger configuration.
	Logging *logger.Config
}

// Queues splits the Queue field into its component names. It returns (nil,
// true) for the wildcard "*", or the ordered list and false otherwise.
func (c Config) Queues() (names []string, all bool) {
	if c.Queue == "*" || c.Queue == "" {
		return nil, true
	}
	parts := strings.Split(c.Queue, ",")
	names = make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			names = append(names, t)
		}
	}
	return names, false
}

// RedisURL returns RedisBackend with RedisBackendDB applied, unless
// RedisBackend already names a database in its path.
func (c Config) RedisURL() string {
	if c.RedisBackendDB == 0 {
		return c.RedisBackend
	}
	if idx := strings.LastIndex(c.RedisBackend, "/"); idx > strings.LastIndex(c.RedisBackend, "://")+2 {
		return c.RedisBackend
	}
	return fmt.Sprintf("%s/%d", strings.TrimRight(c.RedisBackend, "/"), c.RedisBackendDB)
}

// Load reads the environment surface into a Config, applying documented
// defaults for unset variables.
func Load() (*Config, error) {
	cfg := &Config{
		Queue:                getEnv("QUEUE", "default"),
		Count:                getEnvAsInt("COUNT", 1),
		Interval:             getEnvAsDuration("INTERVAL", 5*time.Second),
		Blocking:             getEnvAsBool("BLOCKING", false),
		Prefix:               getEnv("PREFIX", "corvid:"),
		RedisBackend:         getEnv("REDIS_BACKEND", "redis://localhost:6379"),
		RedisBackendDB:       getEnvAsInt("REDIS_BACKEND_DB", 0),
		AppInclude:           getEnv("APP_INCLUDE", ""),
		PIDFile:              getEnv("PIDFILE", ""),
		SchedulerInterval:    getEnvAsDuration("SCHEDULER_INTERVAL", 5*time.Second),
		CronSchedulerEnabled: getEnvAsBool("CRON_SCHEDULER_ENABLED", false),
		Logging:              loadLoggingConfig(),
	}

	if cfg.Count < 1 {
		return nil, fmt.Errorf("COUNT must be at least 1, got %d", cfg.Count)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("INTERVAL must be positive, got %v", cfg.Interval)
	}
	if cfg.RedisBackend == "" {
		return nil, fmt.Errorf("REDIS_BACKEND cannot be empty")
	}
	if cfg.Prefix == "" {
		return nil, fmt.Errorf("PREFIX cannot be empty")
	}
	if err := cfg.Logging.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}

	return cfg, nil
}

// WritePIDFile writes this process's PID to Config.PIDFile, if set.
func (c Config) WritePIDFile() error {
	if c.PIDFile == "" {
		return nil
	}
	return os.WriteFile(c.PIDFile, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare numbers (as the source CLI accepts for INTERVAL) are
		// seconds, not Go duration literals.
		if secs, serr := strconv.Atoi(v); serr == nil {
			return time.Duration(secs) * time.Second
		}
		return defaultValue
	}
	return d
}

func getEnvAsBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// loadLoggingConfig reads the LOG_* environment surface for the multi-tier
// logger.
func loadLoggingConfig() *logger.Config {
	cfg := logger.DefaultConfig()

	if level := getEnv("LOG_LEVEL", ""); level != "" {
		cfg.Level = logger.LogLevel(level)
	}
	if format := getEnv("LOG_FORMAT", ""); format != "" {
		cfg.Format = logger.LogFormat(format)
	}

	cfg.Console.Enabled = getEnvAsBool("LOG_CONSOLE_ENABLED", true)
	cfg.Console.Color = getEnvAsBool("LOG_COLOR", true)
	cfg.Console.BufferSize = getEnvAsInt("LOG_CONSOLE_BUFFER_SIZE", cfg.Console.BufferSize)
	cfg.Console.FlushInterval = getEnvAsDuration("LOG_CONSOLE_FLUSH_INTERVAL", cfg.Console.FlushInterval)

	cfg.File.Enabled = getEnvAsBool("LOG_FILE_ENABLED", false)
	cfg.File.Path = getEnv("LOG_FILE_PATH", cfg.File.Path)
	cfg.File.MaxSizeMB = getEnvAsInt("LOG_FILE_MAX_SIZE_MB", cfg.File.MaxSizeMB)
	cfg.File.MaxBackups = getEnvAsInt("LOG_FILE_MAX_BACKUPS", cfg.File.MaxBackups)
	cfg.File.MaxAgeDays = getEnvAsInt("LOG_FILE_MAX_AGE_DAYS", cfg.File.MaxAgeDays)
	cfg.File.Compress = getEnvAsBool("LOG_FILE_COMPRESS", cfg.File.Compress)
	cfg.File.BufferSize = getEnvAsInt("LOG_FILE_BUFFER_SIZE", cfg.File.BufferSize)
	cfg.File.BatchSize = getEnvAsInt("LOG_FILE_BATCH_SIZE", cfg.File.BatchSize)
	cfg.File.BatchInterval = getEnvAsDuration("LOG_FILE_BATCH_INTERVAL", cfg.File.BatchInterval)

	cfg.Elasticsearch.Enabled = getEnvAsBool("LOG_ES_ENABLED", false)
	cfg.Elasticsearch.Mode = getEnv("LOG_ES_MODE", cfg.Elasticsearch.Mode)
	cfg.Elasticsearch.Addresses = getEnvAsStringSlice("LOG_ES_ADDRESSES", cfg.Elasticsearch.Addresses)
	cfg.Elasticsearch.Username = getEnv("LOG_ES_USERNAME", "")
	cfg.Elasticsearch.Password = getEnv("LOG_ES_PASSWORD", "")
	cfg.Elasticsearch.CloudID = getEnv("LOG_ES_CLOUD_ID", "")
	cfg.Elasticsearch.APIKey = getEnv("LOG_ES_API_KEY", "")
	cfg.Elasticsearch.IndexPrefix = getEnv("LOG_ES_INDEX_PREFIX", "corvid-logs")
	cfg.Elasticsearch.BulkSize = getEnvAsInt("LOG_ES_BULK_SIZE", cfg.Elasticsearch.BulkSize)
	cfg.Elasticsearch.FlushInterval = getEnvAsDuration("LOG_ES_FLUSH_INTERVAL", cfg.Elasticsearch.FlushInterval)
	cfg.Elasticsearch.Workers = getEnvAsInt("LOG_ES_WORKERS", cfg.Elasticsearch.Workers)
	cfg.Elasticsearch.MaxRetries = getEnvAsInt("LOG_ES_MAX_RETRIES", cfg.Elasticsearch.MaxRetries)
	cfg.Elasticsearch.RetryBackoff = getEnvAsDuration("LOG_ES_RETRY_BACKOFF", cfg.Elasticsearch.RetryBackoff)
	cfg.Elasticsearch.CircuitBreaker = getEnvAsBool("LOG_ES_CIRCUIT_BREAKER", cfg.Elasticsearch.CircuitBreaker)
	cfg.Elasticsearch.FailureThreshold = getEnvAsInt("LOG_ES_FAILURE_THRESHOLD", cfg.Elasticsearch.FailureThreshold)
	cfg.Elasticsearch.ResetTimeout = getEnvAsDuration("LOG_ES_RESET_TIMEOUT", cfg.Elasticsearch.ResetTimeout)

	return cfg
}
