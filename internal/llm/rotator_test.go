// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"sync"
	"testing"
)

func TestNewCredentialRotator_Empty(t *testing.T) {
	if _, err := NewCredentialRotator(nil); err != ErrNoCredentials {
		t.Errorf("err = %v, want ErrNoCredentials", err)
	}
	if _, err := NewCredentialRotator([]string{"", ""}); err != ErrNoCredentials {
		t.Errorf("err = %v, want ErrNoCredentials for blank keys", err)
	}
}

func TestCredentialRotator_RoundRobin(t *testing.T) {
	r, err := NewCredentialRotator([]string{"k1", "k2", "k3"})
	if err != nil {
		t.Fatalf("NewCredentialRotator: %v", err)
	}

	if got := r.Current(); got != "k1" {
		t.Errorf("Current() = %q, want k1", got)
	}
	if got := r.Advance(); got != "k2" {
		t.Errorf("Advance() = %q, want k2", got)
	}
	if got := r.Advance(); got != "k3" {
		t.Errorf("Advance() = %q, want k3", got)
	}
	// Cursor wraps to the first key.
	if got := r.Advance(); got != "k1" {
		t.Errorf("Advance() after last = %q, want k1", got)
	}
}

func TestCredentialRotator_SingleKeyWraps(t *testing.T) {
	r, _ := NewCredentialRotator([]string{"only"})
	for i := 0; i < 3; i++ {
		if got := r.Advance(); got != "only" {
			t.Fatalf("Advance() = %q, want only", got)
		}
	}
}

func TestCredentialRotator_ConcurrentAdvance(t *testing.T) {
	r, _ := NewCredentialRotator([]string{"a", "b", "c"})

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Advance()
		}()
	}
	wg.Wait()

	// 30 advances over 3 keys lands back on the first key.
	if got := r.Current(); got != "a" {
		t.Errorf("Current() after 30 advances = %q, want a", got)
	}
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("sk-secret-key")
	if len(fp) != 8 {
		t.Errorf("Fingerprint length = %d, want 8", len(fp))
	}
	if fp == "sk-secre" {
		t.Error("Fingerprint must not contain raw key material")
	}
	if Fingerprint("") != "none" {
		t.Errorf("Fingerprint(\"\") = %q, want none", Fingerprint(""))
	}
	if Fingerprint("a") == Fingerprint("b") {
		t.Error("distinct keys should have distinct fingerprints")
	}
}
