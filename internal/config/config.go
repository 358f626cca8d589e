package config

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// Query service base URL, e.g. https://chat.example.com/api
	APIBaseURL string `env:"CHAT_API_URL"`

	// Push channel host, e.g. chat.example.com. Optional: when empty the
	// core runs in pull-only mode.
	PushHost string `env:"CHAT_PUSH_HOST"`

	// Session token identifying the user to both the query service and
	// the push channel.
	Token string `env:"CHAT_TOKEN"`

	// UserID is the local user's id, used for optimistic-send matching
	// and self-removal eviction.
	UserID string `env:"CHAT_USER_ID"`

	// Conversation to open at startup. If empty, the last-open
	// conversation recorded in the state database is used.
	OpenConversation string `env:"CHAT_OPEN_CONVERSATION"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Seconds to wait for a delete's push confirmation before falling
	// back to a refresh.
	DeleteConfirmWaitSeconds int `env:"DELETE_CONFIRM_WAIT_SECONDS" envDefault:"3"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the session token to other users.
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
			hostname = "chat-sync"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("CHAT_API_URL is required")
	}

	if c.Token == "" {
		return fmt.Errorf("CHAT_TOKEN is required")
	}

	if c.UserID == "" {
		return fmt.Errorf("CHAT_USER_ID is required")
	}

	if c.DeleteConfirmWaitSeconds <= 0 {
		return fmt.Errorf("DELETE_CONFIRM_WAIT_SECONDS must be positive")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
