// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for relaybot.
//
// Supports TOML configuration with sensible defaults, environment variable
// overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.relaybot/config.toml
//   - Built-in defaults
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete relaybot configuration.
type Config struct {
	// Telegram transport configuration
	Telegram TelegramConfig `toml:"telegram"`

	// AI completion backend configuration
	AI AIConfig `toml:"ai"`

	// History store configuration
	History HistoryConfig `toml:"history"`

	// Per-user request limits
	Limits LimitsConfig `toml:"limits"`

	// Storage paths for settings and usage accounting
	Storage StorageConfig `toml:"storage"`
}

// TelegramConfig contains Bot API configuration.
type TelegramConfig struct {
	// Token is the bot token from @BotFather
	Token string `toml:"token"`
	// PollTimeoutSecs is the getUpdates long-poll window in seconds
	PollTimeoutSecs int `toml:"poll_timeout_secs"`
	// AllowedUsers restricts the bot to these Telegram user IDs.
	// Empty means open to everyone.
	AllowedUsers []int64 `toml:"allowed_users"`
}

// AIConfig contains the completion backend configuration.
type AIConfig struct {
	// APIKeys are rotated round-robin when the provider rate-limits
	APIKeys []string `toml:"api_keys"`
	// BaseURL is the OpenAI-compatible endpoint prefix
	BaseURL string `toml:"base_url"`
	// Model is the default completion model
	Model string `toml:"model"`
	// Temperature is the default sampling temperature
	Temperature float64 `toml:"temperature"`
	// MaxTokens caps the completion length
	MaxTokens int `toml:"max_tokens"`
	// TimeoutSecs is the per-request HTTP timeout in seconds
	TimeoutSecs int `toml:"timeout_secs"`
	// SystemPrompt is prepended to every conversation
	SystemPrompt string `toml:"system_prompt"`
	// MaxHistoryChars is the context character budget
	MaxHistoryChars int `toml:"max_history_chars"`
}

// HistoryConfig contains conversation history configuration.
type HistoryConfig struct {
	// Capacity is the number of turns retained per user
	Capacity int `toml:"capacity"`
}

// LimitsConfig contains per-user rate limiting configuration.
type LimitsConfig struct {
	// RequestsPerMinute is the sustained per-user request rate
	RequestsPerMinute float64 `toml:"requests_per_minute"`
	// Burst is the number of requests a user may make at once
	Burst int `toml:"burst"`
	// ChunkSize is the maximum reply segment length in characters
	ChunkSize int `toml:"chunk_size"`
}

// StorageConfig contains file paths for persistent state.
type StorageConfig struct {
	// SettingsPath is the per-user settings JSON file (empty = default)
	SettingsPath string `toml:"settings_path"`
	// UsageDBPath is the SQLite usage database (empty = default)
	UsageDBPath string `toml:"usage_db_path"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{
			PollTimeoutSecs: 30,
		},
		AI: AIConfig{
			BaseURL:         "https://api.groq.com/openai/v1",
			Model:           "llama-3.3-70b-versatile",
			Temperature:     0.7,
			MaxTokens:       2048,
			TimeoutSecs:     60,
			SystemPrompt:    "You are a helpful assistant.",
			MaxHistoryChars: 12000,
		},
		History: HistoryConfig{
			Capacity: 40,
		},
		Limits: LimitsConfig{
			RequestsPerMinute: 20,
			Burst:             5,
			ChunkSize:         4096,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the relaybot configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".relaybot"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// ensureSecurePermissions checks and fixes permissions on config files.
// Config files should be 0600 (owner read/write only): they hold API keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	mode := info.Mode().Perm()
	if mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the default config file, falling back to
// built-in defaults when no file exists. Environment overrides apply last.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); statErr != nil {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific TOML file with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	cfg.ApplyEnvOverrides()
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// fillDefaults fills in any missing values with defaults.
func (c *Config) fillDefaults() {
	defaults := Default()

	if c.Telegram.PollTimeoutSecs == 0 {
		c.Telegram.PollTimeoutSecs = defaults.Telegram.PollTimeoutSecs
	}

	if c.AI.BaseURL == "" {
		c.AI.BaseURL = defaults.AI.BaseURL
	}
	if c.AI.Model == "" {
		c.AI.Model = defaults.AI.Model
	}
	if c.AI.Temperature == 0 {
		c.AI.Temperature = defaults.AI.Temperature
	}
	if c.AI.MaxTokens == 0 {
		c.AI.MaxTokens = defaults.AI.MaxTokens
	}
	if c.AI.TimeoutSecs == 0 {
		c.AI.TimeoutSecs = defaults.AI.TimeoutSecs
	}
	if c.AI.SystemPrompt == "" {
		c.AI.SystemPrompt = defaults.AI.SystemPrompt
	}
	if c.AI.MaxHistoryChars == 0 {
		c.AI.MaxHistoryChars = defaults.AI.MaxHistoryChars
	}

	if c.History.Capacity == 0 {
		c.History.Capacity = defaults.History.Capacity
	}

	if c.Limits.RequestsPerMinute == 0 {
		c.Limits.RequestsPerMinute = defaults.Limits.RequestsPerMinute
	}
	if c.Limits.Burst == 0 {
		c.Limits.Burst = defaults.Limits.Burst
	}
	if c.Limits.ChunkSize == 0 {
		c.Limits.ChunkSize = defaults.Limits.ChunkSize
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file with 0600 permissions
// (owner read/write only; the file holds API keys).
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	fmt.Fprintln(file, "# relaybot configuration file")
	fmt.Fprintln(file, "# Generated by relaybot - edit with care")
	fmt.Fprintln(file, "")

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Telegram.PollTimeoutSecs < 0 || c.Telegram.PollTimeoutSecs > 50 {
		errs = append(errs, ValidationError{
			Field:   "telegram.poll_timeout_secs",
			Message: fmt.Sprintf("must be 0-50 per the Bot API, got %d", c.Telegram.PollTimeoutSecs),
		})
	}

	if c.AI.BaseURL != "" {
		if u, err := url.Parse(c.AI.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "ai.base_url",
				Message: fmt.Sprintf("invalid URL '%s'", c.AI.BaseURL),
			})
		}
	}

	if c.AI.Temperature < 0 || c.AI.Temperature > 2 {
		errs = append(errs, ValidationError{
			Field:   "ai.temperature",
			Message: fmt.Sprintf("must be 0.0-2.0, got %g", c.AI.Temperature),
		})
	}

	if c.AI.MaxTokens < 0 {
		errs = append(errs, ValidationError{
			Field:   "ai.max_tokens",
			Message: "must be non-negative",
		})
	}

	if c.AI.MaxHistoryChars < 0 {
		errs = append(errs, ValidationError{
			Field:   "ai.max_history_chars",
			Message: "must be non-negative",
		})
	}

	if c.History.Capacity < 2 {
		errs = append(errs, ValidationError{
			Field:   "history.capacity",
			Message: fmt.Sprintf("must be at least 2 (one user/assistant exchange), got %d", c.History.Capacity),
		})
	}

	if c.Limits.RequestsPerMinute < 0 {
		errs = append(errs, ValidationError{
			Field:   "limits.requests_per_minute",
			Message: "must be non-negative",
		})
	}

	if c.Limits.ChunkSize < 1 || c.Limits.ChunkSize > 4096 {
		errs = append(errs, ValidationError{
			Field:   "limits.chunk_size",
			Message: fmt.Sprintf("must be 1-4096 per the Bot API message limit, got %d", c.Limits.ChunkSize),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - TELEGRAM_BOT_TOKEN: overrides telegram.token
//   - RELAYBOT_ALLOWED_USERS: comma-separated user IDs, overrides telegram.allowed_users
//   - OPENAI_API_KEYS: comma-separated keys, overrides ai.api_keys
//   - OPENAI_API_KEY: single key, used when OPENAI_API_KEYS is unset
//   - RELAYBOT_BASE_URL: overrides ai.base_url
//   - RELAYBOT_MODEL: overrides ai.model
//   - RELAYBOT_TEMPERATURE: overrides ai.temperature
//   - RELAYBOT_SYSTEM_PROMPT: overrides ai.system_prompt
//   - RELAYBOT_MAX_HISTORY_CHARS: overrides ai.max_history_chars
func (c *Config) ApplyEnvOverrides() {
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		c.Telegram.Token = token
	}

	if users := os.Getenv("RELAYBOT_ALLOWED_USERS"); users != "" {
		var ids []int64
		for _, part := range strings.Split(users, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err == nil {
				ids = append(ids, id)
			}
		}
		c.Telegram.AllowedUsers = ids
	}

	if keys := os.Getenv("OPENAI_API_KEYS"); keys != "" {
		var parsed []string
		for _, part := range strings.Split(keys, ",") {
			if k := strings.TrimSpace(part); k != "" {
				parsed = append(parsed, k)
			}
		}
		c.AI.APIKeys = parsed
	} else if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.AI.APIKeys = []string{key}
	}

	if base := os.Getenv("RELAYBOT_BASE_URL"); base != "" {
		c.AI.BaseURL = base
	}

	if model := os.Getenv("RELAYBOT_MODEL"); model != "" {
		c.AI.Model = model
	}

	if temp := os.Getenv("RELAYBOT_TEMPERATURE"); temp != "" {
		if v, err := strconv.ParseFloat(temp, 64); err == nil {
			c.AI.Temperature = v
		}
	}

	if prompt := os.Getenv("RELAYBOT_SYSTEM_PROMPT"); prompt != "" {
		c.AI.SystemPrompt = prompt
	}

	if chars := os.Getenv("RELAYBOT_MAX_HISTORY_CHARS"); chars != "" {
		if v, err := strconv.Atoi(chars); err == nil {
			c.AI.MaxHistoryChars = v
		}
	}
}

// SettingsPath returns the configured settings file path or the default
// under the config directory.
func (c *Config) SettingsPath() (string, error) {
	if c.Storage.SettingsPath != "" {
		return c.Storage.SettingsPath, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "settings.json"), nil
}

// UsageDBPath returns the configured usage database path or the default
// under the config directory.
func (c *Config) UsageDBPath() (string, error) {
	if c.Storage.UsageDBPath != "" {
		return c.Storage.UsageDBPath, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "usage.db"), nil
}
