// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package config loads the engine configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the engine configuration.
type Config struct {
	// Addr is the address to listen on.
	Addr string `koanf:"addr"`
	// Host is the public base URL webhooks are registered under, e.g.
	// https://bots.example.com. Leave empty to skip webhook registration.
	Host string `koanf:"host"`
	// WebhookSecret is echoed back by Telegram with each delivery and
	// checked by the webhook handler.
	WebhookSecret string `koanf:"webhook_secret"`
	// AdminToken is the bearer token of the management API.
	AdminToken string `koanf:"admin_token"`

	// DBPath is the path of the SQLite database.
	DBPath string `koanf:"db_path"`

	// ScriptTimeout caps a single script execution.
	ScriptTimeout time.Duration `koanf:"script_timeout"`
	// AskTimeout caps the wait for a user's answer.
	AskTimeout time.Duration `koanf:"ask_timeout"`
	// DataTTL caps how long script data stays in the in-memory cache.
	DataTTL time.Duration `koanf:"data_ttl"`

	// Python configures the Python bridge.
	Python Python `koanf:"python"`

	// Log configures logging.
	Log Log `koanf:"log"`
}

// Python configures the Python bridge.
type Python struct {
	// Interpreter is the interpreter executable; python3 and python are
	// tried when empty.
	Interpreter string `koanf:"interpreter"`
	// Pip is the pip executable; pip3 and pip are tried when empty.
	Pip string `koanf:"pip"`
	// Timeout caps a single snippet run.
	Timeout time.Duration `koanf:"timeout"`
}

// Log configures logging.
type Log struct {
	// File is the log file path; stderr when empty.
	File string `koanf:"file"`
	// MaxSizeMB rotates the log file when it exceeds this size.
	MaxSizeMB int `koanf:"max_size_mb"`
	// MaxBackups is how many rotated files to keep.
	MaxBackups int `koanf:"max_backups"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Addr:          "localhost:3000",
		DBPath:        "botcraft.db",
		ScriptTimeout: 30 * time.Second,
		AskTimeout:    60 * time.Second,
		DataTTL:       10 * time.Minute,
		Python: Python{
			Timeout: 60 * time.Second,
		},
		Log: Log{
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// Load reads configuration from the given YAML file, then overlays
// environment variable overrides (BOTCRAFT_*). A missing file is not an
// error; defaults and the environment apply.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Start from defaults.
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("accessing config %s: %w", path, err)
		}
	}

	// Overlay environment variables: BOTCRAFT_ADMIN_TOKEN -> admin_token,
	// BOTCRAFT_PYTHON__TIMEOUT -> python.timeout, etc.
	if err := k.Load(env.Provider("BOTCRAFT_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "BOTCRAFT_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration contains valid values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Host != "" && !strings.HasPrefix(c.Host, "https://") {
		return fmt.Errorf("host must be an https:// URL, got %q", c.Host)
	}
	if c.ScriptTimeout <= 0 {
		return fmt.Errorf("script_timeout must be positive")
	}
	if c.AskTimeout <= 0 {
		return fmt.Errorf("ask_timeout must be positive")
	}
	if c.DataTTL <= 0 {
		return fmt.Errorf("data_ttl must be positive")
	}
	if c.Python.Timeout <= 0 {
		return fmt.Errorf("python.timeout must be positive")
	}
	return nil
}
