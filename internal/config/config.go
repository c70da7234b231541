package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the interview relay service.
type Config struct {
	BindAddr         string
	MetricsNamespace string
	ShutdownTimeout  time.Duration

	AllowAnyOrigin bool

	DatabaseURL string

	// InitializerGrace is how long a non-sole peer waits before claiming the
	// operations-log initializer role for itself.
	InitializerGrace time.Duration
	// TransitionGrace is the window after a mode transition during which the
	// operation applier binding is left untouched.
	TransitionGrace time.Duration
	// PlaybackDebounce is the timeline publish interval during playback.
	PlaybackDebounce time.Duration

	// ClientBufferSize is the per-connection outbound event queue depth.
	ClientBufferSize int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "pairview"),
		AllowAnyOrigin:   false,
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:  15 * time.Second,
		InitializerGrace: time.Second,
		TransitionGrace:  5 * time.Second,
		PlaybackDebounce: 40 * time.Millisecond,
		ClientBufferSize: 256,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.InitializerGrace, err = durationFromEnv("APP_INITIALIZER_GRACE", cfg.InitializerGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.TransitionGrace, err = durationFromEnv("APP_TRANSITION_GRACE", cfg.TransitionGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.PlaybackDebounce, err = durationFromEnv("APP_PLAYBACK_DEBOUNCE", cfg.PlaybackDebounce)
	if err != nil {
		return Config{}, err
	}
	cfg.ClientBufferSize, err = intFromEnv("APP_CLIENT_BUFFER_SIZE", cfg.ClientBufferSize)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.InitializerGrace <= 0 {
		return Config{}, fmt.Errorf("APP_INITIALIZER_GRACE must be positive")
	}
	if cfg.TransitionGrace <= 0 {
		return Config{}, fmt.Errorf("APP_TRANSITION_GRACE must be positive")
	}
	if cfg.PlaybackDebounce < 10*time.Millisecond {
		return Config{}, fmt.Errorf("APP_PLAYBACK_DEBOUNCE must be at least 10ms")
	}
	if cfg.ClientBufferSize <= 0 {
		return Config{}, fmt.Errorf("APP_CLIENT_BUFFER_SIZE must be positive")
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
	return strings.TrimSpace(os.Getenv(key))
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
