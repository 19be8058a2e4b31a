// Package agent implements the worker process that connects to the
// control plane, executes shell commands, and streams their output.
package agent

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Version is stamped at build time.
var Version = "dev"

// Config holds all agent configuration.
type Config struct {
	ServerURL string // WebSocket URL (ws:// or wss://)
	Token     string // agent authentication token

	AgentID      string // defaults to the hostname
	AgentType    string
	Capabilities []string

	HeartbeatInterval time.Duration
	LogLevel          string
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		AgentID:           hostname,
		AgentType:         "generic",
		HeartbeatInterval: 30 * time.Second,
		LogLevel:          "info",
	}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	cfg.ServerURL = os.Getenv("AGENTFLEET_SERVER_URL")
	if cfg.ServerURL == "" {
		return nil, errors.New("AGENTFLEET_SERVER_URL is required")
	}

	cfg.Token = os.Getenv("AGENTFLEET_AGENT_TOKEN")
	if cfg.Token == "" {
		return nil, errors.New("AGENTFLEET_AGENT_TOKEN is required")
	}

	if id := os.Getenv("AGENTFLEET_AGENT_ID"); id != "" {
		cfg.AgentID = id
	}
	if t := os.Getenv("AGENTFLEET_AGENT_TYPE"); t != "" {
		cfg.AgentType = t
	}
	if caps := os.Getenv("AGENTFLEET_CAPABILITIES"); caps != "" {
		for _, c := range strings.Split(caps, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cfg.Capabilities = append(cfg.Capabilities, c)
			}
		}
	}
	if interval := os.Getenv("AGENTFLEET_HEARTBEAT_INTERVAL"); interval != "" {
		seconds, err := strconv.Atoi(interval)
		if err != nil || seconds < 1 {
			return nil, errors.New("AGENTFLEET_HEARTBEAT_INTERVAL must be a positive number (seconds)")
		}
		cfg.HeartbeatInterval = time.Duration(seconds) * time.Second
	}
	if level := os.Getenv("AGENTFLEET_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return cfg, cfg.Validate()
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server URL is required")
	}
	if c.Token == "" {
		return errors.New("token is required")
	}
	if c.AgentID == "" {
		return errors.New("agent id is required")
	}
	if c.HeartbeatInterval < time.Second {
		return errors.New("heartbeat interval must be at least 1 second")
	}
	return nil
}
