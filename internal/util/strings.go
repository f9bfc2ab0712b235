package util

import "strings"

// SafeTruncate safely truncates a string to maxLen bytes without panicking.
// Token values are only ever logged through this, never in full.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // Returns: "very-lon"
//	SafeTruncate("short", 10)                  // Returns: "short"
//	SafeTruncate("test", -1)                   // Returns: ""
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// ContainsAnyFold returns the first needle found in s, ignoring case.
func ContainsAnyFold(s string, needles []string) (string, bool) {
	if s == "" {
		return "", false
	}
	lower := strings.ToLower(s)
	for _, n := range needles {
		if n != "" && strings.Contains(lower, strings.ToLower(n)) {
			return n, true
		}
	}
	return "", false
}
