// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.History.Capacity != 40 {
		t.Errorf("History.Capacity = %d, want 40", cfg.History.Capacity)
	}
	if cfg.Limits.ChunkSize != 4096 {
		t.Errorf("Limits.ChunkSize = %d, want 4096", cfg.Limits.ChunkSize)
	}
	if cfg.AI.MaxHistoryChars != 12000 {
		t.Errorf("AI.MaxHistoryChars = %d, want 12000", cfg.AI.MaxHistoryChars)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[telegram]
token = "123:abc"
allowed_users = [42, 99]

[ai]
api_keys = ["k1", "k2"]
model = "mixtral-8x7b"
temperature = 0.3

[history]
capacity = 10

[limits]
chunk_size = 2000
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("Token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.AllowedUsers) != 2 || cfg.Telegram.AllowedUsers[0] != 42 {
		t.Errorf("AllowedUsers = %v", cfg.Telegram.AllowedUsers)
	}
	if len(cfg.AI.APIKeys) != 2 {
		t.Errorf("APIKeys = %v", cfg.AI.APIKeys)
	}
	if cfg.History.Capacity != 10 {
		t.Errorf("Capacity = %d, want 10", cfg.History.Capacity)
	}
	if cfg.Limits.ChunkSize != 2000 {
		t.Errorf("ChunkSize = %d, want 2000", cfg.Limits.ChunkSize)
	}

	// Unset fields fall back to defaults.
	if cfg.AI.BaseURL == "" {
		t.Error("BaseURL should default")
	}
	if cfg.AI.MaxTokens != 2048 {
		t.Errorf("MaxTokens = %d, want default 2048", cfg.AI.MaxTokens)
	}
}

func TestLoadFromPath_FixesInsecurePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFromPath(path); err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("permissions = %o, want 600", info.Mode().Perm())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(c *Config) {}, ""},
		{"chunk size too large", func(c *Config) { c.Limits.ChunkSize = 5000 }, "limits.chunk_size"},
		{"chunk size zero", func(c *Config) { c.Limits.ChunkSize = 0 }, "limits.chunk_size"},
		{"temperature out of range", func(c *Config) { c.AI.Temperature = 3.0 }, "ai.temperature"},
		{"history capacity too small", func(c *Config) { c.History.Capacity = 1 }, "history.capacity"},
		{"bad base url", func(c *Config) { c.AI.BaseURL = "not a url" }, "ai.base_url"},
		{"poll timeout too large", func(c *Config) { c.Telegram.PollTimeoutSecs = 60 }, "telegram.poll_timeout_secs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")
	t.Setenv("OPENAI_API_KEYS", "ka, kb ,kc")
	t.Setenv("RELAYBOT_MODEL", "env-model")
	t.Setenv("RELAYBOT_TEMPERATURE", "0.1")
	t.Setenv("RELAYBOT_ALLOWED_USERS", "5, 6")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	if cfg.Telegram.Token != "env-token" {
		t.Errorf("Token = %q", cfg.Telegram.Token)
	}
	if len(cfg.AI.APIKeys) != 3 || cfg.AI.APIKeys[1] != "kb" {
		t.Errorf("APIKeys = %v, want trimmed [ka kb kc]", cfg.AI.APIKeys)
	}
	if cfg.AI.Model != "env-model" {
		t.Errorf("Model = %q", cfg.AI.Model)
	}
	if cfg.AI.Temperature != 0.1 {
		t.Errorf("Temperature = %g", cfg.AI.Temperature)
	}
	if len(cfg.Telegram.AllowedUsers) != 2 || cfg.Telegram.AllowedUsers[1] != 6 {
		t.Errorf("AllowedUsers = %v", cfg.Telegram.AllowedUsers)
	}
}

func TestApplyEnvOverrides_SingleKeyFallback(t *testing.T) {
	t.Setenv("OPENAI_API_KEYS", "")
	t.Setenv("OPENAI_API_KEY", "solo")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	if len(cfg.AI.APIKeys) != 1 || cfg.AI.APIKeys[0] != "solo" {
		t.Errorf("APIKeys = %v, want [solo]", cfg.AI.APIKeys)
	}
}

func TestSaveTOMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.Telegram.Token = "123:abc"
	cfg.AI.APIKeys = []string{"k1"}
	if err := SaveTOML(cfg, path); err != nil {
		t.Fatalf("SaveTOML: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("permissions = %o, want 600", info.Mode().Perm())
	}

	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if loaded.Telegram.Token != "123:abc" {
		t.Errorf("Token = %q after round trip", loaded.Telegram.Token)
	}
	if len(loaded.AI.APIKeys) != 1 || loaded.AI.APIKeys[0] != "k1" {
		t.Errorf("APIKeys = %v after round trip", loaded.AI.APIKeys)
	}
}
