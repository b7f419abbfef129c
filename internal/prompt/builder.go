// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompt assembles the message context submitted to the completion
// endpoint: one system turn followed by the user's stored history.
package prompt

import (
	"github.com/jeranaias/relaybot/internal/history"
	"github.com/jeranaias/relaybot/internal/util"
)

// MinRetainedTurns is the trimming floor: budget enforcement never reduces a
// user's stored history below this many turns, so minimal conversational
// continuity survives even when individual messages are very long.
const MinRetainedTurns = 2

// DefaultMaxChars is the default character budget for an outgoing context.
const DefaultMaxChars = 12000

// Build returns the ordered message list for one completion request:
// the system prompt followed by the user's history snapshot.
//
// Budget enforcement is destructive: while the total content length exceeds
// maxChars and more than MinRetainedTurns turns remain, the oldest stored
// turn is dropped from the underlying history and the list is rebuilt. The
// trim persists in the store so history stays character-bounded, not just
// turn-bounded. If the system prompt alone exceeds the budget the loop stops
// at the floor; the soft overflow is accepted, not an error.
func Build(store *history.Store, userID int64, systemPrompt string, maxChars int) []history.Turn {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	msgs := assemble(store, userID, systemPrompt)
	for totalChars(msgs) > maxChars && store.Len(userID) > MinRetainedTurns {
		store.DropOldest(userID)
		msgs = assemble(store, userID, systemPrompt)
	}
	return msgs
}

func assemble(store *history.Store, userID int64, systemPrompt string) []history.Turn {
	snap := store.Snapshot(userID)
	msgs := make([]history.Turn, 0, len(snap)+1)
	msgs = append(msgs, history.NewSystemTurn(systemPrompt))
	msgs = append(msgs, snap...)
	return msgs
}

func totalChars(msgs []history.Turn) int {
	total := 0
	for _, m := range msgs {
		total += util.RuneLen(m.Content)
	}
	return total
}
