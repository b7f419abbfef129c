// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package access gates incoming messages: a user-ID allowlist plus a
// per-user rate limiter in front of the completion pipeline.
package access

import (
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// Default limiter parameters: completion calls a single user may make.
const (
	DefaultPerMinute = 20
	DefaultBurst     = 5
)

var (
	// ErrNotAllowed indicates the user is not on the allowlist.
	ErrNotAllowed = errors.New("user not allowed")

	// ErrRateLimited indicates the user exceeded their request rate.
	ErrRateLimited = errors.New("user rate limited")
)

// Gate combines the allowlist with per-user token-bucket limiters.
// An empty allowlist means the bot is open to everyone (limiters still
// apply). Safe for concurrent use.
type Gate struct {
	mu       sync.Mutex
	allowed  map[int64]bool
	limiters map[int64]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewGate creates a gate for the given allowlisted user IDs.
// perMinute <= 0 or burst <= 0 fall back to the defaults.
func NewGate(allowedIDs []int64, perMinute float64, burst int) *Gate {
	if perMinute <= 0 {
		perMinute = DefaultPerMinute
	}
	if burst <= 0 {
		burst = DefaultBurst
	}

	allowed := make(map[int64]bool, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = true
	}

	return &Gate{
		allowed:  allowed,
		limiters: make(map[int64]*rate.Limiter),
		limit:    rate.Limit(perMinute / 60.0),
		burst:    burst,
	}
}

// Allowed reports whether the user passes the allowlist.
func (g *Gate) Allowed(userID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.allowed) == 0 || g.allowed[userID]
}

// Check admits or rejects one request from the user. Returns ErrNotAllowed
// for unlisted users and ErrRateLimited when the user's bucket is empty.
func (g *Gate) Check(userID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.allowed) > 0 && !g.allowed[userID] {
		return ErrNotAllowed
	}

	limiter, ok := g.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(g.limit, g.burst)
		g.limiters[userID] = limiter
	}
	if !limiter.Allow() {
		return ErrRateLimited
	}
	return nil
}
