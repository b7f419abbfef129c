// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry records per-request token usage in a local SQLite
// database so operators can track consumption per user and model.
package telemetry

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Outcome labels how a completion request ended.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeRefused  = "refused"
	OutcomeCanceled = "canceled"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	user_id INTEGER NOT NULL,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_user ON usage(user_id);
`

// Record is one completion request's accounting entry.
type Record struct {
	RequestID        string
	UserID           int64
	Model            string
	PromptTokens     int
	CompletionTokens int
	Outcome          string
}

// Totals aggregates a user's token consumption.
type Totals struct {
	Requests         int64
	PromptTokens     int64
	CompletionTokens int64
}

// Recorder persists usage records. Safe for concurrent use; database/sql
// serializes access to the underlying connection pool.
type Recorder struct {
	db *sql.DB
}

// NewRecorder opens (creating if needed) the usage database at path.
func NewRecorder(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open usage database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize usage schema: %w", err)
	}
	return &Recorder{db: db}, nil
}

// Close releases the database handle.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// Record inserts one usage entry.
func (r *Recorder) Record(rec Record) error {
	_, err := r.db.Exec(
		`INSERT INTO usage (request_id, user_id, model, prompt_tokens, completion_tokens, outcome, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.UserID, rec.Model, rec.PromptTokens, rec.CompletionTokens, rec.Outcome, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// TotalsForUser sums a user's recorded usage.
func (r *Recorder) TotalsForUser(userID int64) (Totals, error) {
	var t Totals
	err := r.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
		 FROM usage WHERE user_id = ?`,
		userID,
	).Scan(&t.Requests, &t.PromptTokens, &t.CompletionTokens)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to query usage totals: %w", err)
	}
	return t, nil
}
