package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.lifsync/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// Backend endpoints.
	APIBaseURL  string `toml:"api_base_url"`
	RealtimeURL string `toml:"realtime_url"`

	// UserID is the logged-in account id, written at login. Used to tell
	// inbound from outbound messages.
	UserID string `toml:"user_id"`

	// REST timeouts, in seconds. UploadTimeout applies to multipart image
	// sends only.
	RequestTimeoutSecs int `toml:"request_timeout_secs"`
	UploadTimeoutSecs  int `toml:"upload_timeout_secs"`

	// Typing windows, in milliseconds. TypingQuiet is the outbound debounce
	// window; TypingStale bounds how long a remote typing indicator may stay
	// visible without a refresh.
	TypingQuietMs int `toml:"typing_quiet_ms"`
	TypingStaleMs int `toml:"typing_stale_ms"`

	// Unread policy: when true, a conversation open on a backgrounded app
	// still suppresses unread increments. Default false (backgrounded counts
	// as closed).
	SuppressUnreadWhenBackgrounded bool `toml:"suppress_unread_when_backgrounded"`
}

// Default returns a config with all fallback values populated.
func Default() *Config {
	return &Config{
		APIBaseURL:         "http://localhost:3000/api",
		RealtimeURL:        "ws://localhost:3000/realtime",
		RequestTimeoutSecs: 15,
		UploadTimeoutSecs:  30,
		TypingQuietMs:      2000,
		TypingStaleMs:      6000,
	}
}

// Load reads config from the given path, filling unset fields with defaults.
// Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
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

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = def.APIBaseURL
	}
	if cfg.RealtimeURL == "" {
		cfg.RealtimeURL = def.RealtimeURL
	}
	if cfg.RequestTimeoutSecs <= 0 {
		cfg.RequestTimeoutSecs = def.RequestTimeoutSecs
	}
	if cfg.UploadTimeoutSecs <= 0 {
		cfg.UploadTimeoutSecs = def.UploadTimeoutSecs
	}
	if cfg.TypingQuietMs <= 0 {
		cfg.TypingQuietMs = def.TypingQuietMs
	}
	if cfg.TypingStaleMs <= 0 {
		cfg.TypingStaleMs = def.TypingStaleMs
	}
}

// RequestTimeout returns the default REST timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSecs) * time.Second
}

// UploadTimeout returns the multipart upload timeout.
func (c *Config) UploadTimeout() time.Duration {
	return time.Duration(c.UploadTimeoutSecs) * time.Second
}

// TypingQuiet returns the outbound typing debounce window.
func (c *Config) TypingQuiet() time.Duration {
	return time.Duration(c.TypingQuietMs) * time.Millisecond
}

// TypingStale returns the inbound typing display TTL.
func (c *Config) TypingStale() time.Duration {
	return time.Duration(c.TypingStaleMs) * time.Millisecond
}
