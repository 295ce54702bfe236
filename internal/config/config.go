package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/seantiz/crucible/internal/forecast"
	"github.com/seantiz/crucible/internal/objectstore"
	"github.com/seantiz/crucible/internal/scheduler"
)

const (
	defaultListenAddr        = ":8080"
	defaultDBPath            = "crucible.db"
	defaultProcessesPath     = "processes.yaml"
	defaultTimeoutScanSpec   = "@every 30s"
	defaultCleanupSpec       = "@every 30s"
	defaultDownloadRetention = 24 * time.Hour
	defaultMinTimeout        = 5 * time.Minute
	defaultDownloadBurst     = 10

	envListenAddr        = "CRUCIBLE_LISTEN_ADDR"
	envDBPath            = "CRUCIBLE_DB_PATH"
	envLogLevel          = "CRUCIBLE_LOG_LEVEL"
	envLogFormat         = "CRUCIBLE_LOG_FORMAT"
	envProcessesPath     = "CRUCIBLE_PROCESSES_PATH"
	envTimeoutScanSpec   = "CRUCIBLE_TIMEOUT_SCAN_SCHEDULE"
	envCleanupSpec       = "CRUCIBLE_CLEANUP_SCHEDULE"
	envDownloadRetention = "CRUCIBLE_DOWNLOAD_RETENTION"
	envMinTimeout        = "CRUCIBLE_MIN_EXECUTION_TIMEOUT"
	envMaxResultSize     = "CRUCIBLE_MAX_RESULT_SIZE"
	envMaxRunning        = "CRUCIBLE_MAX_RUNNING_DURATION"
	envQuotaBytes        = "CRUCIBLE_DOWNLOAD_QUOTA"
	envDownloadRate      = "CRUCIBLE_DOWNLOAD_RATE"
	envDownloadBurst     = "CRUCIBLE_DOWNLOAD_BURST"
	envS3Endpoint        = "CRUCIBLE_S3_ENDPOINT"
	envS3AccessKey       = "CRUCIBLE_S3_ACCESS_KEY"
	envS3SecretKey       = "CRUCIBLE_S3_SECRET_KEY"
	envS3Region          = "CRUCIBLE_S3_REGION"
	envS3UseSSL          = "CRUCIBLE_S3_USE_SSL"
	envS3Bucket          = "CRUCIBLE_S3_BUCKET"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr    string
	DBPath        string
	LogLevel      slog.Level
	LogFormat     string
	ProcessesPath string

	TimeoutScanSchedule string
	CleanupSchedule     string
	DownloadRetention   time.Duration
	MinTimeout          time.Duration

	// Zero ceilings disable the admission forecast checks.
	MaxResultSize      int64
	MaxRunningDuration time.Duration

	// Zero quota means unlimited bytes; zero rate means unlimited downloads.
	DownloadQuotaBytes int64
	DownloadRate       rate.Limit
	DownloadBurst      int

	ObjectStore objectstore.Config
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:          defaultListenAddr,
		DBPath:              defaultDBPath,
		LogLevel:            slog.LevelInfo,
		LogFormat:           "json",
		ProcessesPath:       defaultProcessesPath,
		TimeoutScanSchedule: defaultTimeoutScanSpec,
		CleanupSchedule:     defaultCleanupSpec,
		DownloadRetention:   defaultDownloadRetention,
		MinTimeout:          defaultMinTimeout,
		DownloadRate:        rate.Inf,
		DownloadBurst:       defaultDownloadBurst,
		ObjectStore:         objectstore.Config{Region: "us-east-1"},
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envLogFormat); v != "" {
		switch f := strings.ToLower(v); f {
		case "json", "text":
			cfg.LogFormat = f
		default:
			return Config{}, fmt.Errorf("%s: unknown log format %q", envLogFormat, v)
		}
	}
	if v := os.Getenv(envProcessesPath); v != "" {
		cfg.ProcessesPath = v
	}

	for _, s := range []struct {
		env string
		dst *string
	}{
		{envTimeoutScanSpec, &cfg.TimeoutScanSchedule},
		{envCleanupSpec, &cfg.CleanupSchedule},
	} {
		v := os.Getenv(s.env)
		if v == "" {
			continue
		}
		if _, err := scheduler.ParseSpec(v); err != nil {
			return Config{}, fmt.Errorf("%s: %w", s.env, err)
		}
		*s.dst = v
	}

	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{envDownloadRetention, &cfg.DownloadRetention},
		{envMinTimeout, &cfg.MinTimeout},
		{envMaxRunning, &cfg.MaxRunningDuration},
	} {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed < 0 {
			return Config{}, fmt.Errorf("%s: invalid duration %q", d.env, v)
		}
		*d.dst = parsed
	}

	for _, b := range []struct {
		env string
		dst *int64
	}{
		{envMaxResultSize, &cfg.MaxResultSize},
		{envQuotaBytes, &cfg.DownloadQuotaBytes},
	} {
		v := os.Getenv(b.env)
		if v == "" {
			continue
		}
		parsed, err := forecast.ParseBytes(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", b.env, err)
		}
		*b.dst = parsed
	}

	if v := os.Getenv(envDownloadRate); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r < 0 {
			return Config{}, fmt.Errorf("%s: invalid rate %q", envDownloadRate, v)
		}
		if r > 0 {
			cfg.DownloadRate = rate.Limit(r)
		}
	}
	if v := os.Getenv(envDownloadBurst); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("%s: invalid burst %q", envDownloadBurst, v)
		}
		cfg.DownloadBurst = n
	}

	cfg.ObjectStore.Endpoint = os.Getenv(envS3Endpoint)
	cfg.ObjectStore.AccessKey = os.Getenv(envS3AccessKey)
	cfg.ObjectStore.SecretKey = os.Getenv(envS3SecretKey)
	cfg.ObjectStore.Bucket = os.Getenv(envS3Bucket)
	if v := os.Getenv(envS3Region); v != "" {
		cfg.ObjectStore.Region = v
	}
	if v := os.Getenv(envS3UseSSL); v != "" {
		ssl, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envS3UseSSL, err)
		}
		cfg.ObjectStore.UseSSL = ssl
	}

	return cfg, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to w at the configured level.
// format is "json" or "text"; anything else falls back to JSON.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
