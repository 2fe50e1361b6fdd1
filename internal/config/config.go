// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - GRPC_ADDR: listen address for the gRPC server (default ":9090").
//   - LOG_LEVEL: debug, info, warn or error (default "info").
//   - LOG_FORMAT: json or text, any case (default "json").
//   - STREAM_POLL_INTERVAL: polling interval for SSE and gRPC streaming
//     (default "1s").
//   - AUTH_RATE_LIMIT: failed auth attempts allowed per IP per minute
//     (default "10").
//   - ADMIN_HOSTNAME: tailnet hostname of the operator API. Requires
//     TS_AUTH_KEY. TS_STATE_DIR defaults to "tsnet-state".
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576").
//   - EVENT_BATCH_SIZE: max number of events returned per stream poll query
//     (default "1000").
//   - CACHE_RESYNC_INTERVAL: safety-net cache refresh interval
//     (default "1m").
//   - MAX_CONDITION_DEPTH: deepest nesting of condition groups accepted
//     (default "32").
//   - NOTIFY_CHANNEL: PostgreSQL LISTEN/NOTIFY channel for cache
//     invalidation, at most 63 bytes (default "condition_events").
//   - MIGRATE_ON_START: apply embedded migrations at startup
//     (default "true").
//
// Numeric and duration values must be positive when set.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"
)

const (
	defaultHTTPAddr                  = ":8080"
	defaultGRPCAddr                  = ":9090"
	defaultLogLevel                  = "info"
	defaultLogFormat                 = "json"
	defaultStreamPollInterval        = time.Second
	defaultTSStateDir                = "tsnet-state"
	defaultAuthRateLimit             = 10
	defaultMaxJSONBodySize     int64 = 1 << 20
	defaultEventBatchSize            = 1000
	defaultCacheResyncInterval       = time.Minute
	defaultMaxConditionDepth         = 32
	defaultNotifyChannel             = "condition_events"

	// maxIdentifierLength is PostgreSQL's NAMEDATALEN - 1.
	maxIdentifierLength = 63
)

// Config holds the runtime configuration for the condz server.
type Config struct {
	DatabaseURL         string
	HTTPAddr            string
	GRPCAddr            string
	StreamPollInterval  time.Duration
	LogLevel            string
	LogFormat           string
	AuthRateLimit       int
	AdminHostname       string
	TSAuthKey           string
	TSStateDir          string
	MaxJSONBodySize     int64
	EventBatchSize      int
	CacheResyncInterval time.Duration
	MaxConditionDepth   int
	NotifyChannel       string
	MigrateOnStart      bool
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		HTTPAddr:      envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:      envOrDefault("GRPC_ADDR", defaultGRPCAddr),
		LogLevel:      envOrDefault("LOG_LEVEL", defaultLogLevel),
		LogFormat:     strings.ToLower(envOrDefault("LOG_FORMAT", defaultLogFormat)),
		AdminHostname: strings.TrimSpace(os.Getenv("ADMIN_HOSTNAME")),
		TSAuthKey:     strings.TrimSpace(os.Getenv("TS_AUTH_KEY")),
		TSStateDir:    envOrDefault("TS_STATE_DIR", defaultTSStateDir),
		NotifyChannel: envOrDefault("NOTIFY_CHANNEL", defaultNotifyChannel),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}
	if cfg.AdminHostname != "" && cfg.TSAuthKey == "" {
		return Config{}, errors.New("TS_AUTH_KEY is required when ADMIN_HOSTNAME is set")
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return Config{}, errors.New("LOG_FORMAT must be json or text")
	}
	if err := validateChannel(cfg.NotifyChannel); err != nil {
		return Config{}, err
	}

	var err error
	if cfg.StreamPollInterval, err = positiveDuration("STREAM_POLL_INTERVAL", defaultStreamPollInterval); err != nil {
		return Config{}, err
	}
	if cfg.CacheResyncInterval, err = positiveDuration("CACHE_RESYNC_INTERVAL", defaultCacheResyncInterval); err != nil {
		return Config{}, err
	}
	if cfg.AuthRateLimit, err = positiveInt("AUTH_RATE_LIMIT", defaultAuthRateLimit); err != nil {
		return Config{}, err
	}
	if cfg.EventBatchSize, err = positiveInt("EVENT_BATCH_SIZE", defaultEventBatchSize); err != nil {
		return Config{}, err
	}
	if cfg.MaxConditionDepth, err = positiveInt("MAX_CONDITION_DEPTH", defaultMaxConditionDepth); err != nil {
		return Config{}, err
	}
	maxBody, err := positiveInt("MAX_JSON_BODY_SIZE", int(defaultMaxJSONBodySize))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxJSONBodySize = int64(maxBody)

	cfg.MigrateOnStart = true
	if v := strings.TrimSpace(os.Getenv("MIGRATE_ON_START")); v != "" {
		if cfg.MigrateOnStart, err = strconv.ParseBool(v); err != nil {
			return Config{}, fmt.Errorf("parse MIGRATE_ON_START: %w", err)
		}
	}

	return cfg, nil
}

func positiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func positiveInt(key string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return parsed, nil
}

func validateChannel(channel string) error {
	if len(channel) > maxIdentifierLength {
		return fmt.Errorf("NOTIFY_CHANNEL must be at most %d bytes", maxIdentifierLength)
	}
	if strings.ContainsFunc(channel, unicode.IsControl) {
		return errors.New("NOTIFY_CHANNEL must not contain control characters")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
