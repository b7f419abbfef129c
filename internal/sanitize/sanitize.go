// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sanitize inspects outbound user text before it reaches the
// completion endpoint: credential-shaped tokens are redacted, and requests
// that look like secret leaks or prompt-extraction attempts are refused.
package sanitize

import (
	"regexp"
)

// Placeholder replaces redacted spans in outgoing text.
const Placeholder = "[REDACTED]"

// credentialPatterns match spans that are redacted before dispatch.
// Order matters: the high-confidence token shapes come first so the looser
// key=value pattern does not partially consume them.
var credentialPatterns = []*regexp.Regexp{
	// OpenAI-style secret keys (sk-..., sk-or-..., sk-proj-...).
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}`),
	// GitHub tokens.
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`),
	// AWS access key IDs.
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	// Bearer headers pasted verbatim.
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._\-]{16,}`),
	// password=..., token: ..., api_key = ...
	regexp.MustCompile(`(?i)\b(password|passwd|token|api[_-]?key|secret)\b\s*[:=]\s*\S+`),
}

// secretShapePatterns are the high-confidence credential shapes. Their
// presence makes the whole request unsafe, not just redactable: a message
// carrying a live key should never be forwarded at all.
var secretShapePatterns = credentialPatterns[:4]

// extractionPatterns match attempts to pull the hidden system instructions.
var extractionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+|any\s+)?(previous|prior|above)\s+instructions`),
	regexp.MustCompile(`(?i)disregard\s+(your|the|all)\s+(previous\s+|prior\s+)?instructions`),
	regexp.MustCompile(`(?i)(reveal|show|print|repeat|output)\s+(me\s+)?(your|the)\s+(hidden\s+|full\s+|original\s+)?(system\s+prompt|system\s+message|instructions)`),
	regexp.MustCompile(`(?i)what\s+(is|are)\s+your\s+(system\s+prompt|hidden\s+instructions)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+in\s+developer\s+mode`),
}

// Redact replaces credential-shaped spans in text with Placeholder and
// returns the redacted text together with the number of replacements. Total
// over all inputs; empty input yields empty output.
func Redact(text string) (string, int) {
	count := 0
	for _, re := range credentialPatterns {
		text = re.ReplaceAllStringFunc(text, func(string) string {
			count++
			return Placeholder
		})
	}
	return text, count
}

// IsRequestSafe reports whether the original (unredacted) text may be
// forwarded at all. It is false when the text carries a high-confidence
// credential token or a prompt-extraction attempt; in that case the caller
// must refuse the request without any network call.
func IsRequestSafe(text string) bool {
	for _, re := range secretShapePatterns {
		if re.MatchString(text) {
			return false
		}
	}
	for _, re := range extractionPatterns {
		if re.MatchString(text) {
			return false
		}
	}
	return true
}
