// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package format converts the Markdown dialect emitted by completion models
// into Telegram HTML. Pure text transforms, no IO; total over all inputs.
package format

import (
	"regexp"
	"strings"
)

var (
	boldRe     = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe   = regexp.MustCompile(`\*(.+?)\*`)
	bulletRe   = regexp.MustCompile(`(?m)^\s*[\*\-]\s+`)
	numberedRe = regexp.MustCompile(`(?m)^(\d+)\.\s+`)
	fencedRe   = regexp.MustCompile("(?s)```(.*?)```")
	inlineRe   = regexp.MustCompile("`([^`\n]+)`")
	blankRunRe = regexp.MustCompile(`\n{3,}`)
	codeSpanRe = regexp.MustCompile(`(?s)<pre><code>.*?</code></pre>`)
)

// ToHTML rewrites model Markdown as Telegram HTML. Transform order:
// bold, italic, bullets, numbered lists, fenced code, inline code, then
// blank-line normalization outside code regions. Fenced and inline code
// content is HTML-escaped exactly once; runs of 3+ blank lines collapse to
// 2 inside fenced blocks and in the non-code text, never crossing a code
// boundary.
func ToHTML(text string) string {
	text = boldRe.ReplaceAllString(text, "<b>$1</b>")
	text = italicRe.ReplaceAllString(text, "<i>$1</i>")
	text = bulletRe.ReplaceAllString(text, "• ")
	text = numberedRe.ReplaceAllString(text, "${1}) ")

	text = fencedRe.ReplaceAllStringFunc(text, func(m string) string {
		code := strings.TrimSuffix(strings.TrimPrefix(m, "```"), "```")
		code = escapeCode(code)
		code = strings.Trim(code, "\n")
		code = blankRunRe.ReplaceAllString(code, "\n\n")
		return "<pre><code>" + code + "</code></pre>"
	})

	text = inlineRe.ReplaceAllStringFunc(text, func(m string) string {
		code := strings.Trim(m, "`")
		return "<code>" + escapeCode(code) + "</code>"
	})

	return normalizeOutsideCode(text)
}

// escapeCode escapes the characters Telegram would otherwise parse as tags.
func escapeCode(s string) string {
	s = strings.ReplaceAll(s, "<", "&lt;")
	return strings.ReplaceAll(s, ">", "&gt;")
}

// normalizeOutsideCode collapses runs of 3+ blank lines to 2 in the
// segments between <pre><code> blocks. Code regions pass through verbatim:
// their literal newlines and indentation must survive.
func normalizeOutsideCode(text string) string {
	spans := codeSpanRe.FindAllStringIndex(text, -1)
	if len(spans) == 0 {
		return blankRunRe.ReplaceAllString(text, "\n\n")
	}

	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, span := range spans {
		b.WriteString(blankRunRe.ReplaceAllString(text[prev:span[0]], "\n\n"))
		b.WriteString(text[span[0]:span[1]])
		prev = span[1]
	}
	b.WriteString(blankRunRe.ReplaceAllString(text[prev:], "\n\n"))
	return b.String()
}

// allowedTags are the Telegram HTML tags ToHTML can emit.
var allowedTags = []string{
	"<b>", "</b>", "<i>", "</i>",
	"<pre>", "</pre>", "<code>", "</code>",
}

// allowedEntities are the escapes ToHTML can emit.
var allowedEntities = []string{"&lt;", "&gt;", "&amp;"}

// SafeForMarkup reports whether a chunk can be sent with HTML parse mode
// enabled. It is false when the chunk carries markup the formatter did not
// produce — a stray '<' or '&', or a leftover backtick — or when the
// segmenter split a code block so its tags no longer balance. Such chunks
// must be sent as plain text so Telegram does not reject the message.
func SafeForMarkup(chunk string) bool {
	if strings.Contains(chunk, "`") {
		return false
	}

	for i := 0; i < len(chunk); i++ {
		switch chunk[i] {
		case '<':
			if !hasAnyPrefix(chunk[i:], allowedTags) {
				return false
			}
		case '&':
			if !hasAnyPrefix(chunk[i:], allowedEntities) {
				return false
			}
		}
	}

	return tagsBalanced(chunk)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// tagsBalanced checks that every emitted open tag has its close tag in the
// same chunk, in order.
func tagsBalanced(chunk string) bool {
	for _, tag := range []string{"b", "i", "pre", "code"} {
		open := strings.Count(chunk, "<"+tag+">")
		closed := strings.Count(chunk, "</"+tag+">")
		if open != closed {
			return false
		}
	}
	return true
}
