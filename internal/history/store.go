// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package history provides the per-user bounded conversation buffer.
package history

import (
	"sync"
)

// Message roles as used by OpenAI-compatible chat completion APIs.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultCapacity is the default number of turns retained per user.
const DefaultCapacity = 40

// =============================================================================
// TURN
// =============================================================================

// Turn is one role-tagged message in a conversation. Immutable once stored.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewSystemTurn creates a system turn.
func NewSystemTurn(content string) Turn {
	return Turn{Role: RoleSystem, Content: content}
}

// NewUserTurn creates a user turn.
func NewUserTurn(content string) Turn {
	return Turn{Role: RoleUser, Content: content}
}

// NewAssistantTurn creates an assistant turn.
func NewAssistantTurn(content string) Turn {
	return Turn{Role: RoleAssistant, Content: content}
}

// =============================================================================
// STORE
// =============================================================================

// Store keeps an ordered, capacity-bounded history of turns per user.
// Buffers are created lazily on first access and live only for the process
// lifetime. All methods are safe for concurrent use; per-user buffers never
// cross-contaminate. Ordering of same-user mutations is the caller's
// responsibility (the dispatcher serializes each user's pipeline).
type Store struct {
	mu       sync.RWMutex
	capacity int
	buffers  map[int64][]Turn
}

// NewStore creates a store with the given per-user capacity.
// A non-positive capacity falls back to DefaultCapacity.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		buffers:  make(map[int64][]Turn),
	}
}

// Capacity returns the per-user turn capacity.
func (s *Store) Capacity() int {
	return s.capacity
}

// Append pushes a turn onto the user's history, evicting the oldest turn
// when the buffer is full. Always succeeds.
func (s *Store) Append(userID int64, role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := append(s.buffers[userID], Turn{Role: role, Content: content})
	if len(buf) > s.capacity {
		// FIFO eviction. Copy down so the backing array does not pin
		// evicted turns.
		buf = append(buf[:0], buf[len(buf)-s.capacity:]...)
	}
	s.buffers[userID] = buf
}

// Snapshot returns a copy of the user's history in conversation order.
func (s *Store) Snapshot(userID int64) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := s.buffers[userID]
	if len(buf) == 0 {
		return nil
	}
	out := make([]Turn, len(buf))
	copy(out, buf)
	return out
}

// Len returns the number of turns stored for the user.
func (s *Store) Len(userID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buffers[userID])
}

// DropOldest removes the user's oldest turn. Returns false when the
// history is already empty.
func (s *Store) DropOldest(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.buffers[userID]
	if len(buf) == 0 {
		return false
	}
	s.buffers[userID] = append(buf[:0], buf[1:]...)
	return true
}

// Clear empties the user's history.
func (s *Store) Clear(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, userID)
}
