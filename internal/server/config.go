// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the chat relay.
package server

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig defines the parameters for per-user message rate limiting.
type RateLimitConfig struct {
	MaxMessages int
	Window      time.Duration
}

// Config holds the relay configuration settings including security controls.
type Config struct {
	// ChatAddr is the TCP listen address for the line-based chat protocol.
	ChatAddr string
	// HTTPAddr is the listen address for the WebSocket gateway and health
	// endpoint.
	HTTPAddr       string
	AllowedOrigins []string
	MaxMessageSize int64
	// ReadTimeout bounds each read from a client. Zero keeps the legacy
	// behavior of blocking indefinitely on a silent peer.
	ReadTimeout  time.Duration
	RoomCapacity int
	RateLimit    RateLimitConfig
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		ChatAddr: ":3000",
		HTTPAddr: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 1024,
		ReadTimeout:    0,
		RoomCapacity:   100,
		RateLimit: RateLimitConfig{
			MaxMessages: 10,
			Window:      60 * time.Second,
		},
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.ChatAddr == "" {
		cfg.ChatAddr = ":3000"
	}

	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 1024
	}

	if cfg.ReadTimeout < 0 {
		cfg.ReadTimeout = 0
	}

	if cfg.RoomCapacity <= 0 {
		cfg.RoomCapacity = 100
	}

	if cfg.RateLimit.MaxMessages <= 0 {
		cfg.RateLimit.MaxMessages = 10
	}

	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = 60 * time.Second
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		defaultCfg := defaultConfig()
		sanitizeConfig(defaultCfg)
		return
	}

	sanitized := Config{
		ChatAddr:       cfg.ChatAddr,
		HTTPAddr:       cfg.HTTPAddr,
		AllowedOrigins: append([]string(nil), cfg.AllowedOrigins...),
		MaxMessageSize: cfg.MaxMessageSize,
		ReadTimeout:    cfg.ReadTimeout,
		RoomCapacity:   cfg.RoomCapacity,
		RateLimit: RateLimitConfig{
			MaxMessages: cfg.RateLimit.MaxMessages,
			Window:      cfg.RateLimit.Window,
		},
	}
	sanitizeConfig(sanitized)
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	// Load CHAT_LISTEN_ADDR
	if addr := os.Getenv("CHAT_LISTEN_ADDR"); addr != "" {
		cfg.ChatAddr = addr
	}

	// Load HTTP_LISTEN_ADDR
	if addr := os.Getenv("HTTP_LISTEN_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}

	// Load ALLOWED_ORIGINS
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	// Load MAX_MESSAGE_SIZE
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	// Load READ_TIMEOUT (seconds; zero disables the deadline)
	if timeout := os.Getenv("READ_TIMEOUT"); timeout != "" {
		cfg.ReadTimeout = parseSeconds(timeout, cfg.ReadTimeout)
	}

	// Load ROOM_CAPACITY
	if capacity := os.Getenv("ROOM_CAPACITY"); capacity != "" {
		cfg.RoomCapacity = parseIntValue(capacity, cfg.RoomCapacity)
	}

	// Load RATE_LIMIT_MAX_MESSAGES
	if maxMessages := os.Getenv("RATE_LIMIT_MAX_MESSAGES"); maxMessages != "" {
		cfg.RateLimit.MaxMessages = parseIntValue(maxMessages, cfg.RateLimit.MaxMessages)
	}

	// Load RATE_LIMIT_WINDOW (seconds)
	if window := os.Getenv("RATE_LIMIT_WINDOW"); window != "" {
		cfg.RateLimit.Window = parseSeconds(window, cfg.RateLimit.Window)
	}

	return &cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
