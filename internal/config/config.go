package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice gateway.
type Config struct {
	BindAddr         string
	PublicBaseURL    string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	MaxSessions         int
	SessionIdleTimeout  time.Duration
	FrontendGraceWindow time.Duration
	JanitorInterval     time.Duration

	AssetBackend string
	AssetTTL     time.Duration
	AssetDir     string
	AssetSweep   time.Duration
	DatabaseURL  string

	OTABaseURL         string
	WSOrigin           string
	DeviceFile         string
	ActivationInterval time.Duration
	ActivationAttempts int

	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	HandshakeTimeout     time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		PublicBaseURL:        envOrDefault("APP_PUBLIC_BASE_URL", "http://localhost:8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "zoe"),
		AllowAnyOrigin:       false,
		MaxSessions:          64,
		SessionIdleTimeout:   5 * time.Minute,
		FrontendGraceWindow:  30 * time.Second,
		JanitorInterval:      30 * time.Second,
		AssetBackend:         envOrDefault("APP_ASSET_BACKEND", ""),
		AssetTTL:             10 * time.Minute,
		AssetDir:             envOrDefault("APP_ASSET_DIR", "data/assets"),
		AssetSweep:           time.Minute,
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		OTABaseURL:           envOrDefault("ZOE_OTA_BASE_URL", "https://api.tenclass.net/xiaozhi"),
		WSOrigin:             stringsTrimSpace("ZOE_WS_ORIGIN"),
		DeviceFile:           envOrDefault("ZOE_DEVICE_FILE", "data/device.json"),
		ActivationInterval:   5 * time.Second,
		ActivationAttempts:   60,
		ConnectTimeout:       10 * time.Second,
		HeartbeatInterval:    45 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		ReconnectBaseDelay:   time.Second,
		MaxReconnectAttempts: 5,
		ShutdownTimeout:      15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionIdleTimeout, err = durationFromEnv("APP_SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.FrontendGraceWindow, err = durationFromEnv("APP_FRONTEND_GRACE_WINDOW", cfg.FrontendGraceWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.JanitorInterval, err = durationFromEnv("APP_SESSION_SWEEP_INTERVAL", cfg.JanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSessions, err = intFromEnv("APP_MAX_SESSIONS", cfg.MaxSessions)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.AssetTTL, err = durationFromEnv("APP_ASSET_TTL", cfg.AssetTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.AssetSweep, err = durationFromEnv("APP_ASSET_SWEEP_INTERVAL", cfg.AssetSweep)
	if err != nil {
		return Config{}, err
	}
	cfg.ActivationInterval, err = durationFromEnv("ZOE_ACTIVATION_POLL_INTERVAL", cfg.ActivationInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ActivationAttempts, err = intFromEnv("ZOE_ACTIVATION_MAX_ATTEMPTS", cfg.ActivationAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectTimeout, err = durationFromEnv("ZOE_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.HeartbeatInterval, err = durationFromEnv("ZOE_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.HandshakeTimeout, err = durationFromEnv("ZOE_HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectBaseDelay, err = durationFromEnv("ZOE_RECONNECT_BASE_DELAY", cfg.ReconnectBaseDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxReconnectAttempts, err = intFromEnv("ZOE_RECONNECT_MAX_ATTEMPTS", cfg.MaxReconnectAttempts)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxSessions <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_SESSIONS must be positive")
	}
	if cfg.SessionIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.FrontendGraceWindow <= 0 {
		return Config{}, fmt.Errorf("APP_FRONTEND_GRACE_WINDOW must be positive")
	}
	if cfg.AssetTTL <= 0 {
		return Config{}, fmt.Errorf("APP_ASSET_TTL must be positive")
	}
	if cfg.ActivationAttempts <= 0 {
		return Config{}, fmt.Errorf("ZOE_ACTIVATION_MAX_ATTEMPTS must be positive")
	}
	if cfg.ConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("ZOE_CONNECT_TIMEOUT must be positive")
	}
	if cfg.MaxReconnectAttempts <= 0 {
		return Config{}, fmt.Errorf("ZOE_RECONNECT_MAX_ATTEMPTS must be positive")
	}
	switch cfg.AssetBackend {
	case "", "memory", "disk", "postgres":
	default:
		return Config{}, fmt.Errorf("APP_ASSET_BACKEND must be memory, disk, or postgres")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
