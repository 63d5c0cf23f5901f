// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost:3000", cfg.Addr)
	assert.Equal(t, "botcraft.db", cfg.DBPath)
	assert.Equal(t, 30*time.Second, cfg.ScriptTimeout)
	assert.Equal(t, 60*time.Second, cfg.AskTimeout)
	assert.Equal(t, 10*time.Minute, cfg.DataTTL)
	assert.Equal(t, 60*time.Second, cfg.Python.Timeout)
}

func TestMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Addr, cfg.Addr)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "botcraft.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
addr: ":8080"
host: https://bots.example.com
admin_token: secret
script_timeout: 45s
python:
  interpreter: /usr/bin/python3.12
  timeout: 2m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "https://bots.example.com", cfg.Host)
	assert.Equal(t, "secret", cfg.AdminToken)
	assert.Equal(t, 45*time.Second, cfg.ScriptTimeout)
	assert.Equal(t, "/usr/bin/python3.12", cfg.Python.Interpreter)
	assert.Equal(t, 2*time.Minute, cfg.Python.Timeout)

	// Unset keys keep their defaults.
	assert.Equal(t, "botcraft.db", cfg.DBPath)
	assert.Equal(t, 60*time.Second, cfg.AskTimeout)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
addr: ":8080"
admin_token: from-file
`)

	t.Setenv("BOTCRAFT_ADMIN_TOKEN", "from-env")
	t.Setenv("BOTCRAFT_DB_PATH", filepath.Join(t.TempDir(), "env.db"))
	t.Setenv("BOTCRAFT_PYTHON__TIMEOUT", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)

	// The environment wins over the file.
	assert.Equal(t, "from-env", cfg.AdminToken)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Contains(t, cfg.DBPath, "env.db")
	assert.Equal(t, 90*time.Second, cfg.Python.Timeout)
}

func TestValidate(t *testing.T) {
	cases := map[string]struct {
		mutate  func(*Config)
		wantErr string
	}{
		"valid": {
			mutate: func(c *Config) {},
		},
		"valid with host": {
			mutate: func(c *Config) { c.Host = "https://bots.example.com" },
		},
		"empty addr": {
			mutate:  func(c *Config) { c.Addr = "" },
			wantErr: "addr is required",
		},
		"empty db path": {
			mutate:  func(c *Config) { c.DBPath = "" },
			wantErr: "db_path is required",
		},
		"plain http host": {
			mutate:  func(c *Config) { c.Host = "http://bots.example.com" },
			wantErr: "host must be an https:// URL",
		},
		"zero script timeout": {
			mutate:  func(c *Config) { c.ScriptTimeout = 0 },
			wantErr: "script_timeout must be positive",
		},
		"negative ask timeout": {
			mutate:  func(c *Config) { c.AskTimeout = -time.Second },
			wantErr: "ask_timeout must be positive",
		},
		"zero data ttl": {
			mutate:  func(c *Config) { c.DataTTL = 0 },
			wantErr: "data_ttl must be positive",
		},
		"zero python timeout": {
			mutate:  func(c *Config) { c.Python.Timeout = 0 },
			wantErr: "python.timeout must be positive",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tc.wantErr)
			}
		})
	}
}
