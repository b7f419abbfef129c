// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"truncated", "hello world", 8, "hello..."},
		{"zero", "hello", 0, ""},
		{"tiny max", "hello", 2, "he"},
		{"cyrillic", "привет мир", 9, "привет..."},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := TruncateRunes(tc.in, tc.max)
			if got != tc.want {
				t.Errorf("TruncateRunes(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
			}
		})
	}
}

func TestTruncateRunesNoEllipsis(t *testing.T) {
	got := TruncateRunesNoEllipsis("привет", 3)
	if got != "при" {
		t.Errorf("TruncateRunesNoEllipsis = %q, want %q", got, "при")
	}
}

func TestRuneLen(t *testing.T) {
	if n := RuneLen("привет"); n != 6 {
		t.Errorf("RuneLen = %d, want 6", n)
	}
	if n := RuneLen(""); n != 0 {
		t.Errorf("RuneLen(\"\") = %d, want 0", n)
	}
}

func TestAtomicWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "settings.json")

	if err := AtomicWriteFile(path, []byte("first"), 0644); err != nil {
		t.Fatalf("AtomicWriteFile: %v", err)
	}

	// Overwrite must replace, not append.
	if err := AtomicWriteFile(path, []byte("second"), 0644); err != nil {
		t.Fatalf("AtomicWriteFile overwrite: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("content = %q, want %q", data, "second")
	}

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want 1", len(entries))
	}
}
