package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string    `toml:"default_session"`
	Server         Server    `toml:"server"`
	Account        Account   `toml:"account"`
	Auth           Auth      `toml:"auth"`
	Reconnect      Reconnect `toml:"reconnect"`
	Log            Log       `toml:"log"`
}

// Server locates the real-time endpoint.
type Server struct {
	Endpoint string `toml:"endpoint"`
}

// Account is the local user's profile, copied onto outgoing messages.
type Account struct {
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
	AvatarRef   string `toml:"avatar_ref"`
}

// Auth configures the credential source. A static token wins over the
// refresh-token grant when both are set.
type Auth struct {
	TokenURL     string `toml:"token_url"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RefreshToken string `toml:"refresh_token"`
	StaticToken  string `toml:"static_token"`
}

// Reconnect bounds the backoff between connection attempts.
type Reconnect struct {
	MinBackoff Duration `toml:"min_backoff"`
	MaxBackoff Duration `toml:"max_backoff"`
}

// Log configures the daemon logger.
type Log struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration written as a string such as "5s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Reconnect: Reconnect{
			MinBackoff: Duration{time.Second},
			MaxBackoff: Duration{30 * time.Second},
		},
		Log: Log{Level: "info"},
	}
}

// Validate checks the fields the sync core cannot run without.
func (c *Config) Validate() error {
	if c.Server.Endpoint == "" {
		return fmt.Errorf("server.endpoint is required")
	}
	u, err := url.Parse(c.Server.Endpoint)
	if err != nil {
		return fmt.Errorf("server.endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("server.endpoint: unsupported scheme %q", u.Scheme)
	}
	if c.Reconnect.MinBackoff.Duration <= 0 || c.Reconnect.MaxBackoff.Duration < c.Reconnect.MinBackoff.Duration {
		return fmt.Errorf("reconnect: need 0 < min_backoff <= max_backoff")
	}
	return nil
}

// Load reads config from the given path on top of Default. Returns error if
// the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
