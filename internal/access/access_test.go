// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package access

import (
	"errors"
	"testing"
)

func TestGate_Allowlist(t *testing.T) {
	g := NewGate([]int64{100, 200}, 60, 10)

	if !g.Allowed(100) {
		t.Error("user 100 should be allowed")
	}
	if g.Allowed(300) {
		t.Error("user 300 should be denied")
	}
	if err := g.Check(300); !errors.Is(err, ErrNotAllowed) {
		t.Errorf("Check(300) = %v, want ErrNotAllowed", err)
	}
	if err := g.Check(100); err != nil {
		t.Errorf("Check(100) = %v, want nil", err)
	}
}

func TestGate_EmptyAllowlistOpen(t *testing.T) {
	g := NewGate(nil, 60, 10)

	if !g.Allowed(12345) {
		t.Error("empty allowlist should admit everyone")
	}
	if err := g.Check(12345); err != nil {
		t.Errorf("Check = %v, want nil", err)
	}
}

func TestGate_RateLimitBurst(t *testing.T) {
	// Tiny refill rate: only the burst is available within the test.
	g := NewGate([]int64{1}, 0.001, 3)

	for i := 0; i < 3; i++ {
		if err := g.Check(1); err != nil {
			t.Fatalf("Check %d = %v, want nil within burst", i, err)
		}
	}
	if err := g.Check(1); !errors.Is(err, ErrRateLimited) {
		t.Errorf("Check after burst = %v, want ErrRateLimited", err)
	}
}

func TestGate_LimitersIsolatedPerUser(t *testing.T) {
	g := NewGate(nil, 0.001, 1)

	if err := g.Check(1); err != nil {
		t.Fatalf("user 1 first request: %v", err)
	}
	if err := g.Check(1); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("user 1 second request = %v, want ErrRateLimited", err)
	}
	// User 2 has their own bucket.
	if err := g.Check(2); err != nil {
		t.Errorf("user 2 first request = %v, want nil", err)
	}
}
