package server

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// HTTP
	ListenAddr string

	// Auth
	JWTSecret   string // HMAC secret for local token verification
	IdentityURL string // optional remote identity service base URL

	// Storage
	AuditDBPath string

	// Connection pool
	SweepInterval time.Duration
	IdleTimeout   time.Duration
	AuthTimeout   time.Duration

	// Heartbeat
	PingInterval  time.Duration
	PongTimeout   time.Duration
	PingThreshold int

	// Dispatcher
	QueueMax         int
	ExecutionTimeout time.Duration
	GraceWindow      time.Duration

	// Token rotation
	TokenCycle     time.Duration
	RenewThreshold time.Duration

	// Rate limiting
	RateLimitMessages int
	RateLimitWindow   time.Duration

	LogLevel string
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:        ":8080",
		AuditDBPath:       "agentfleet.db",
		SweepInterval:     30 * time.Second,
		IdleTimeout:       30 * time.Minute,
		AuthTimeout:       60 * time.Second,
		PingInterval:      30 * time.Second,
		PongTimeout:       10 * time.Second,
		PingThreshold:     3,
		QueueMax:          5,
		ExecutionTimeout:  5 * time.Minute,
		GraceWindow:       60 * time.Second,
		TokenCycle:        60 * time.Second,
		RenewThreshold:    5 * time.Minute,
		RateLimitMessages: 100,
		RateLimitWindow:   60 * time.Second,
		LogLevel:          "info",
	}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	cfg.JWTSecret = os.Getenv("AGENTFLEET_JWT_SECRET")
	if cfg.JWTSecret == "" {
		return nil, errors.New("AGENTFLEET_JWT_SECRET is required")
	}

	if addr := os.Getenv("AGENTFLEET_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	cfg.IdentityURL = os.Getenv("AGENTFLEET_IDENTITY_URL")
	if path := os.Getenv("AGENTFLEET_AUDIT_DB"); path != "" {
		cfg.AuditDBPath = path
	}

	var err error
	if cfg.SweepInterval, err = envSeconds("AGENTFLEET_SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return nil, err
	}
	if cfg.IdleTimeout, err = envSeconds("AGENTFLEET_IDLE_TIMEOUT", cfg.IdleTimeout); err != nil {
		return nil, err
	}
	if cfg.AuthTimeout, err = envSeconds("AGENTFLEET_AUTH_TIMEOUT", cfg.AuthTimeout); err != nil {
		return nil, err
	}
	if cfg.PingInterval, err = envSeconds("AGENTFLEET_PING_INTERVAL", cfg.PingInterval); err != nil {
		return nil, err
	}
	if cfg.PongTimeout, err = envSeconds("AGENTFLEET_PONG_TIMEOUT", cfg.PongTimeout); err != nil {
		return nil, err
	}
	if cfg.ExecutionTimeout, err = envSeconds("AGENTFLEET_EXECUTION_TIMEOUT", cfg.ExecutionTimeout); err != nil {
		return nil, err
	}
	if cfg.GraceWindow, err = envSeconds("AGENTFLEET_GRACE_WINDOW", cfg.GraceWindow); err != nil {
		return nil, err
	}
	if cfg.QueueMax, err = envInt("AGENTFLEET_QUEUE_MAX", cfg.QueueMax); err != nil {
		return nil, err
	}
	if cfg.PingThreshold, err = envInt("AGENTFLEET_PING_THRESHOLD", cfg.PingThreshold); err != nil {
		return nil, err
	}
	if cfg.RateLimitMessages, err = envInt("AGENTFLEET_RATE_LIMIT", cfg.RateLimitMessages); err != nil {
		return nil, err
	}

	if level := os.Getenv("AGENTFLEET_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return cfg, cfg.Validate()
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT secret is required")
	}
	if c.QueueMax < 1 {
		return errors.New("queue max must be at least 1")
	}
	if c.PingInterval < time.Second {
		return errors.New("ping interval must be at least 1 second")
	}
	if c.GraceWindow < time.Second {
		return errors.New("grace window must be at least 1 second")
	}
	return nil
}

func envSeconds(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 1 {
		return 0, errors.New(key + " must be a positive number (seconds)")
	}
	return time.Duration(seconds) * time.Second, nil
}

func envInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New(key + " must be a positive number")
	}
	return n, nil
}
