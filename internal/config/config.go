package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/alexjbarnes/inbox-sync/internal/chat"
)

// Config holds all environment-based configuration for inbox-sync.
type Config struct {
	// Backend realtime channel endpoint, e.g. wss://chat.example.com/ws.
	ServerURL string `env:"INBOX_SERVER_URL"`

	// Bearer token presented during the connection handshake.
	AuthToken string `env:"INBOX_AUTH_TOKEN"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Path to the local session cache. Defaults to ~/.inbox-sync/state.db.
	StatePath string `env:"INBOX_STATE_PATH"`

	// Counterparty phone number to open on startup, e.g. from a deep link.
	OpenPhone string `env:"INBOX_OPEN_PHONE"`

	// Polling-fallback period for re-fetching server state. Zero uses the
	// engine default; negative disables polling entirely.
	ReconcileInterval time.Duration `env:"INBOX_RECONCILE_INTERVAL"`

	// How long an unconfirmed send stays pending before it is marked
	// failed. Zero or negative uses the engine default.
	PendingTimeout time.Duration `env:"INBOX_PENDING_TIMEOUT"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
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
			hostname = "inbox-sync"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("INBOX_SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("INBOX_SERVER_URL is not a valid URL: %w", err)
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("INBOX_SERVER_URL must use ws:// or wss://, got %q", u.Scheme)
	}

	if c.AuthToken == "" {
		return fmt.Errorf("INBOX_AUTH_TOKEN is required")
	}

	if c.OpenPhone != "" && chat.NormalizePhone(c.OpenPhone) == "" {
		return fmt.Errorf("INBOX_OPEN_PHONE %q is not a recognizable phone number", c.OpenPhone)
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
