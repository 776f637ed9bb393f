// Package config loads and validates application configuration from
// environment variables. Unset variables fall back to defaults; set but
// unparsable values fail Load with every offending variable named.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	AuthToken           string // static bearer token; empty disables auth
	MaxRequestBodyBytes int64
	RateLimitRPS        float64
	RateLimitBurst      int

	// Storage settings. DatabaseURL selects Postgres; when empty the
	// SQLite file at SQLitePath is used.
	DatabaseURL string
	SQLitePath  string

	// Workspace settings.
	WorkspaceDir   string
	PythonBinary   string
	CommandTimeout time.Duration

	// Generation settings.
	OpenAIAPIKey      string
	OpenAIBaseURL     string // empty means the public OpenAI endpoint
	OpenAIModel       string
	GenerationTimeout time.Duration

	// Engine settings.
	MaxTestRetries        int
	MaxReviewRounds       int
	MaxSteps              int
	CoverageThreshold     float64
	ApprovalThreshold     float64
	MaxConcurrentSessions int

	// Retention settings. A zero RetentionMaxAge disables pruning.
	RetentionMaxAge   time.Duration
	RetentionInterval time.Duration

	// Event log settings.
	EventlogBufferSize    int
	EventlogFlushInterval time.Duration

	// Write-ahead log settings. Step events hit the WAL before the
	// in-memory buffer so a crash cannot lose them. WALDisable turns
	// the log off entirely.
	WALDir            string
	WALDisable        bool
	WALSyncMode       string // "full", "batch", or "none"
	WALSyncInterval   time.Duration
	WALSegmentSize    int
	WALSegmentRecords int

	// OTEL settings.
	OTLPEndpoint string
	OTLPInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel        string
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables with sensible
// defaults. All parse failures are reported together.
func Load() (Config, error) {
	var errs []error

	intVal := func(key string, def int) int {
		v, err := envInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	floatVal := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	boolVal := func(key string, def bool) bool {
		v, err := envBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	durVal := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := Config{
		Port:                  intVal("DAIKU_PORT", 8787),
		ReadTimeout:           durVal("DAIKU_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:          durVal("DAIKU_WRITE_TIMEOUT", 30*time.Second),
		AuthToken:             envStr("DAIKU_AUTH_TOKEN", ""),
		MaxRequestBodyBytes:   int64(intVal("DAIKU_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MiB default
		RateLimitRPS:          floatVal("DAIKU_RATE_LIMIT_RPS", 20),
		RateLimitBurst:        intVal("DAIKU_RATE_LIMIT_BURST", 40),
		DatabaseURL:           envStr("DAIKU_DATABASE_URL", ""),
		SQLitePath:            envStr("DAIKU_SQLITE_PATH", "daiku.db"),
		WorkspaceDir:          envStr("DAIKU_WORKSPACE_DIR", "./workspaces"),
		PythonBinary:          envStr("DAIKU_PYTHON_BINARY", "python3"),
		CommandTimeout:        durVal("DAIKU_COMMAND_TIMEOUT", 5*time.Minute),
		OpenAIAPIKey:          envStr("DAIKU_OPENAI_API_KEY", ""),
		OpenAIBaseURL:         envStr("DAIKU_OPENAI_BASE_URL", ""),
		OpenAIModel:           envStr("DAIKU_OPENAI_MODEL", "gpt-4o-mini"),
		GenerationTimeout:     durVal("DAIKU_GENERATION_TIMEOUT", 120*time.Second),
		MaxTestRetries:        intVal("DAIKU_MAX_TEST_RETRIES", 3),
		MaxReviewRounds:       intVal("DAIKU_MAX_REVIEW_ROUNDS", 5),
		MaxSteps:              intVal("DAIKU_MAX_STEPS", 50),
		CoverageThreshold:     floatVal("DAIKU_COVERAGE_THRESHOLD", 80),
		ApprovalThreshold:     floatVal("DAIKU_APPROVAL_THRESHOLD", 85),
		MaxConcurrentSessions: intVal("DAIKU_MAX_CONCURRENT_SESSIONS", 4),
		RetentionMaxAge:       durVal("DAIKU_RETENTION_MAX_AGE", 0),
		RetentionInterval:     durVal("DAIKU_RETENTION_INTERVAL", time.Hour),
		EventlogBufferSize:    intVal("DAIKU_EVENTLOG_BUFFER_SIZE", 64),
		EventlogFlushInterval: durVal("DAIKU_EVENTLOG_FLUSH_INTERVAL", 2*time.Second),
		WALDir:                envStr("DAIKU_WAL_DIR", "daiku-wal"),
		WALDisable:            boolVal("DAIKU_WAL_DISABLE", false),
		WALSyncMode:           envStr("DAIKU_WAL_SYNC_MODE", "batch"),
		WALSyncInterval:       durVal("DAIKU_WAL_SYNC_INTERVAL", 10*time.Millisecond),
		WALSegmentSize:        intVal("DAIKU_WAL_SEGMENT_SIZE", 64*1024*1024),
		WALSegmentRecords:     intVal("DAIKU_WAL_SEGMENT_RECORDS", 100_000),
		OTLPEndpoint:          envStr("DAIKU_OTLP_ENDPOINT", ""),
		OTLPInsecure:          boolVal("DAIKU_OTLP_INSECURE", false),
		ServiceName:           envStr("OTEL_SERVICE_NAME", "daiku"),
		LogLevel:              envStr("DAIKU_LOG_LEVEL", "info"),
		ShutdownTimeout:       durVal("DAIKU_SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: DAIKU_PORT must be in 1..65535, got %d", c.Port)
	}
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		return fmt.Errorf("config: one of DAIKU_DATABASE_URL or DAIKU_SQLITE_PATH is required")
	}
	if c.WorkspaceDir == "" {
		return fmt.Errorf("config: DAIKU_WORKSPACE_DIR is required")
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("config: DAIKU_MAX_STEPS must be positive")
	}
	if c.MaxTestRetries < 0 || c.MaxReviewRounds < 0 {
		return fmt.Errorf("config: retry caps must not be negative")
	}
	if c.CoverageThreshold < 0 || c.CoverageThreshold > 100 {
		return fmt.Errorf("config: DAIKU_COVERAGE_THRESHOLD must be in 0..100")
	}
	if c.ApprovalThreshold < 0 || c.ApprovalThreshold > 100 {
		return fmt.Errorf("config: DAIKU_APPROVAL_THRESHOLD must be in 0..100")
	}
	if c.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("config: DAIKU_MAX_CONCURRENT_SESSIONS must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: DAIKU_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("config: rate limit must allow at least one request")
	}
	if !c.WALDisable {
		if c.WALDir == "" {
			return fmt.Errorf("config: DAIKU_WAL_DIR is required unless DAIKU_WAL_DISABLE is set")
		}
		switch c.WALSyncMode {
		case "full", "batch", "none":
		default:
			return fmt.Errorf("config: DAIKU_WAL_SYNC_MODE must be full, batch, or none, got %q", c.WALSyncMode)
		}
	}
	if c.RetentionMaxAge < 0 {
		return fmt.Errorf("config: DAIKU_RETENTION_MAX_AGE must not be negative")
	}
	if c.RetentionMaxAge > 0 && c.RetentionInterval <= 0 {
		return fmt.Errorf("config: DAIKU_RETENTION_INTERVAL must be positive when retention is on")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("config: DAIKU_SHUTDOWN_TIMEOUT must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
