// Package config validates the recognized options from spec.md §6 into
// a Config struct with defaults, following the Video-Conferencing
// backend's ValidateEnv shape: required/optional fields, validated in
// one pass, with the result logged (secrets redacted).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ephemeral/relay/internal/logging"
	"go.uber.org/zap"
)

// Config holds the validated runtime configuration for the relay core.
type Config struct {
	ListenAddress  string
	PersistenceDir string // empty disables persistence
	RelayBaseURL   string // empty disables bridging
	OutboundProxy  string // optional SOCKS5 proxy for relay connections

	MaxUpdateBytes  int
	IdleRoomTimeout int // seconds
	DebounceFlushMs int
	FlushCeilingMs  int

	ShutdownTimeoutMs int
}

const (
	defaultListenAddress     = ":8443"
	defaultMaxUpdateBytes    = 2 * 1024 * 1024
	defaultIdleRoomTimeout   = 600
	defaultDebounceFlushMs   = 2000
	defaultFlushCeilingMs    = 30000
	defaultShutdownTimeoutMs = 10000
)

// FromEnv reads the recognized environment variables listed in
// spec.md §6 and returns a validated Config. Unlike the
// Video-Conferencing backend's JWT_SECRET/PORT, none of this core's
// options are strictly required: a relay with no persistence-dir and
// no relay-base-url is a valid (if minimal) local-only deployment.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddress:   getEnvOrDefault("LISTEN_ADDRESS", defaultListenAddress),
		PersistenceDir:  os.Getenv("PERSISTENCE_DIR"),
		RelayBaseURL:    os.Getenv("RELAY_BASE_URL"),
		OutboundProxy:   os.Getenv("OUTBOUND_PROXY"),
		MaxUpdateBytes:  defaultMaxUpdateBytes,
		IdleRoomTimeout: defaultIdleRoomTimeout,
		DebounceFlushMs: defaultDebounceFlushMs,
		FlushCeilingMs:  defaultFlushCeilingMs,

		ShutdownTimeoutMs: defaultShutdownTimeoutMs,
	}

	var errs []string

	if v := os.Getenv("MAX_UPDATE_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Sprintf("MAX_UPDATE_BYTES must be a positive integer (got %q)", v))
		} else {
			cfg.MaxUpdateBytes = n
		}
	}

	if v := os.Getenv("IDLE_ROOM_TIMEOUT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Sprintf("IDLE_ROOM_TIMEOUT must be a positive integer (got %q)", v))
		} else {
			cfg.IdleRoomTimeout = n
		}
	}

	if v := os.Getenv("DEBOUNCE_FLUSH_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Sprintf("DEBOUNCE_FLUSH_MS must be a positive integer (got %q)", v))
		} else {
			cfg.DebounceFlushMs = n
		}
	}

	if v := os.Getenv("FLUSH_CEILING_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Sprintf("FLUSH_CEILING_MS must be a positive integer (got %q)", v))
		} else {
			cfg.FlushCeilingMs = n
		}
	}

	if cfg.DebounceFlushMs > 0 && cfg.FlushCeilingMs > 0 && cfg.DebounceFlushMs > cfg.FlushCeilingMs {
		errs = append(errs, "DEBOUNCE_FLUSH_MS must not exceed FLUSH_CEILING_MS")
	}

	if cfg.RelayBaseURL != "" && !strings.HasPrefix(cfg.RelayBaseURL, "ws://") && !strings.HasPrefix(cfg.RelayBaseURL, "wss://") {
		errs = append(errs, fmt.Sprintf("RELAY_BASE_URL must start with ws:// or wss:// (got %q)", cfg.RelayBaseURL))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidated(cfg)
	return cfg, nil
}

func logValidated(cfg *Config) {
	logging.Info(nil, "configuration validated",
		zap.String("listen_address", cfg.ListenAddress),
		zap.Bool("persistence_enabled", cfg.PersistenceDir != ""),
		zap.Bool("bridging_enabled", cfg.RelayBaseURL != ""),
		zap.Bool("outbound_proxy_configured", cfg.OutboundProxy != ""),
		zap.Int("max_update_bytes", cfg.MaxUpdateBytes),
		zap.Int("idle_room_timeout_s", cfg.IdleRoomTimeout),
		zap.Int("debounce_flush_ms", cfg.DebounceFlushMs),
		zap.Int("flush_ceiling_ms", cfg.FlushCeilingMs),
	)
}

func getEnvOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
