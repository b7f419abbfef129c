// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
)

// ErrNoCredentials indicates the rotator was created without any API keys.
var ErrNoCredentials = errors.New("no API credentials configured")

// =============================================================================
// CREDENTIAL ROTATOR
// =============================================================================

// CredentialRotator holds an ordered pool of API keys and a cursor pointing
// at the current one. Advance moves the cursor round-robin; the cursor is
// always valid and wraps to the first key. All methods are safe for
// concurrent use, so simultaneous 429 handlers cannot skip or duplicate a
// key assignment.
type CredentialRotator struct {
	mu     sync.Mutex
	keys   []string
	cursor int
}

// NewCredentialRotator creates a rotator over the given keys, in order.
func NewCredentialRotator(keys []string) (*CredentialRotator, error) {
	cleaned := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			cleaned = append(cleaned, k)
		}
	}
	if len(cleaned) == 0 {
		return nil, ErrNoCredentials
	}
	return &CredentialRotator{keys: cleaned}, nil
}

// Current returns the key the cursor points at.
func (r *CredentialRotator) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keys[r.cursor]
}

// Advance moves the cursor to the next key, wrapping to the first, and
// returns the new current key.
func (r *CredentialRotator) Advance() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor = (r.cursor + 1) % len(r.keys)
	return r.keys[r.cursor]
}

// Len returns the number of keys in the pool.
func (r *CredentialRotator) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

// Fingerprint returns a short SHA-256 fingerprint of a key for logging.
// Raw key material must never reach the logs.
func Fingerprint(key string) string {
	if key == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:4])
}
