// Package threat scores security events reported by the guards, detects
// attack patterns across requests and raises alerts with automated
// containment.
//
// Each event gets a risk score in [0, 1] from the base weight of its type
// plus bonuses for a flagged or noisy source IP, a suspicious user agent, a
// flagged client and repeat activity. Scores map to levels at 0.3 (medium),
// 0.6 (high) and 0.8 (critical). High and critical events block and flag
// their source IP through the configured Containment.
//
// Alert cooldowns, threat indicators, per-IP history and statistics are kept
// in the storage.KeyValueStore, so monitors on different instances share them.
package threat
