// Package valkey provides a Valkey storage backend for the guard.
//
// Valkey is wire-compatible with Redis. Pointing every replica at the same
// instance makes rate-limit windows, alert cooldowns, IP blocks and threat
// indicators hold cluster-wide.
//
// # Key Schema
//
// All keys carry a configurable prefix (default "guard:"):
//
//	{prefix}csrf:token:{value}                  -> record(csrf_token)
//	{prefix}csrf:session:{sessionID}            -> record(csrf_session_index)
//	{prefix}session:fp:{sessionID}              -> record(fingerprint)
//	{prefix}security:event:{id}                 -> record(security_event)
//	{prefix}security:alert:{id}                 -> record(security_alert)
//	{prefix}security:alert:cooldown:{sev}:{h}   -> "1" (SET NX, TTL)
//	{prefix}ratelimit:ip:{ip}:{category}        -> counter (TTL = window)
//	{prefix}ratelimit:violations:{ip}:{cat}     -> counter (TTL 1h)
//	{prefix}ratelimit:block:{ip}                -> record(ip_block)
//	{prefix}threat:indicator:ip:{ip}            -> record(threat_indicator)
//
// # Atomic Operations
//
// IncrementWithTTL runs INCR and PEXPIRE in one Lua script, so a window
// counter can never be left behind without a TTL if a client dies between
// the two commands.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
package valkey
