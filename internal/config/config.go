package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for agentsync.
type Config struct {
	// Agent service endpoint, e.g. "agent.example.com". The engine dials
	// wss://<host>/v1/stream.
	ServerHost string `env:"AGENT_SERVER_HOST"`

	// Authentication token presented on the resume handshake.
	Token string `env:"AGENT_TOKEN"`

	// Session to attach to. Empty requests a fresh session from the server.
	SessionID string `env:"AGENT_SESSION_ID" envDefault:""`

	// Directory holding the durable state database. Defaults to
	// ~/.agentsync/ when empty.
	StateDir string `env:"AGENTSYNC_STATE_DIR"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// How long a queued offline action stays eligible for replay before it
	// is dropped as stale. Mirrors the server's retry-expiry window.
	ActionStaleAfter time.Duration `env:"ACTION_STALE_AFTER" envDefault:"5m"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:""`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the agent token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "agentsync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.StateDir == "" {
		dir, err := DefaultStateDir()
		if err != nil {
			return nil, err
		}

		cfg.StateDir = dir
	}

	absDir, err := filepath.Abs(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("resolving state dir to absolute path: %w", err)
	}

	cfg.StateDir = absDir

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerHost == "" {
		return fmt.Errorf("AGENT_SERVER_HOST is required")
	}

	if c.Token == "" {
		return fmt.Errorf("AGENT_TOKEN is required")
	}

	if c.ActionStaleAfter <= 0 {
		return fmt.Errorf("ACTION_STALE_AFTER must be positive")
	}

	return nil
}

// DefaultStateDir returns the default state directory: ~/.agentsync/
func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".agentsync"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
