// Package redact scrubs credentials out of strings before they are logged.
//
// Upstream providers sometimes echo request headers or keys back in error
// bodies; those bodies are passed through String with the configured API
// keys before reaching a log line.
package redact

import "strings"

const placeholder = "[REDACTED]"

// minSecretLen guards against replacing short, common substrings.
const minSecretLen = 4

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than four characters are ignored.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < minSecretLen {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Truncate shortens s to at most n bytes for logging, marking the cut.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "…(truncated)"
}
