// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package settings persists per-user preferences (model, temperature,
// history toggle) as a JSON file on disk.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/jeranaias/relaybot/internal/util"
)

// UserSettings holds one user's adjustable preferences.
type UserSettings struct {
	Model          string  `json:"model,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	Enabled        bool    `json:"enabled"`
	HistoryEnabled bool    `json:"history_enabled"`
	Language       string  `json:"language,omitempty"`
}

// defaultSettings returns the settings a user starts with.
func defaultSettings() UserSettings {
	return UserSettings{Enabled: true, HistoryEnabled: true}
}

// Store is a mutex-guarded settings map persisted to a single JSON file.
// Users absent from the map get defaults on first access.
type Store struct {
	mu    sync.Mutex
	path  string
	users map[string]UserSettings
}

// NewStore loads (or initializes) the settings file at path. A missing
// file is not an error; it is created on first Save.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:  path,
		users: make(map[string]UserSettings),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}
	if err := json.Unmarshal(data, &s.users); err != nil {
		return nil, fmt.Errorf("failed to parse settings file: %w", err)
	}
	return s, nil
}

// Get returns the user's settings, falling back to defaults for users
// never seen before.
func (s *Store) Get(userID int64) UserSettings {
	s.mu.Lock()
	defer s.mu.Unlock()

	if us, ok := s.users[key(userID)]; ok {
		return us
	}
	return defaultSettings()
}

// Set replaces the user's settings and persists the store.
func (s *Store) Set(userID int64, us UserSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[key(userID)] = us
	return s.persist()
}

// Update applies fn to the user's current settings (defaults if unseen)
// and persists the result.
func (s *Store) Update(userID int64, fn func(*UserSettings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	us, ok := s.users[key(userID)]
	if !ok {
		us = defaultSettings()
	}
	fn(&us)
	s.users[key(userID)] = us
	return s.persist()
}

// persist writes the map atomically. Callers must hold s.mu.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.users, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := util.AtomicWriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	return nil
}

func key(userID int64) string {
	return strconv.FormatInt(userID, 10)
}
