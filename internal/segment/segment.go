// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package segment splits formatted replies into transport-sized chunks.
package segment

import (
	"strings"

	"github.com/jeranaias/relaybot/internal/util"
)

// DefaultChunkSize is the Telegram message length limit.
const DefaultChunkSize = 4096

// separator is the paragraph boundary chunks are accumulated across.
const separator = "\n\n"

// Split breaks text into ordered chunks of at most chunkSize runes each.
//
// Paragraphs (blank-line separated) are accumulated greedily; when the next
// paragraph would overflow the buffer, the buffer is flushed as one chunk. A
// paragraph that alone exceeds chunkSize is hard-wrapped at chunkSize-rune
// boundaries, preserving its internal whitespace. Total over all inputs:
// empty input yields no chunks, non-empty input always yields at least one,
// and no chunk ever exceeds chunkSize.
func Split(text string, chunkSize int) []string {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if text == "" {
		return nil
	}

	paragraphs := strings.Split(text, separator)

	var chunks []string
	var buf string
	for _, p := range paragraphs {
		candidate := p
		if buf != "" {
			candidate = buf + separator + p
		}
		if util.RuneLen(candidate) <= chunkSize {
			buf = candidate
			continue
		}

		if buf != "" {
			chunks = append(chunks, buf)
			buf = ""
		}
		if util.RuneLen(p) <= chunkSize {
			chunks = append(chunks, p)
			continue
		}
		chunks = append(chunks, hardWrap(p, chunkSize)...)
	}
	if buf != "" {
		chunks = append(chunks, buf)
	}

	if len(chunks) == 0 {
		// Non-empty input of pure separators reduces to empty paragraphs;
		// still deliver one (empty-text) chunk so the caller sends something
		// deterministic rather than dropping the reply.
		chunks = append(chunks, "")
	}
	return chunks
}

// hardWrap cuts an oversized paragraph into chunkSize-rune slices.
func hardWrap(p string, chunkSize int) []string {
	runes := []rune(p)
	chunks := make([]string, 0, (len(runes)+chunkSize-1)/chunkSize)
	for start := 0; start < len(runes); start += chunkSize {
		end := start + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
