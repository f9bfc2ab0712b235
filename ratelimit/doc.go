// Package ratelimit implements the adaptive rate limiter: fixed-window
// budgets per client IP and endpoint category, with a progressive delay
// for repeat offenders and containment hooks (IP blocks, raised strictness)
// used by the threat monitor.
package ratelimit
