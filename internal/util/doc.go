// Package util provides small helpers shared across the guard packages:
// SafeTruncate for logging token prefixes, ContainsAnyFold for substring
// blocklists, and IP classification used by threat scoring.
package util
