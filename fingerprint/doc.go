// Package fingerprint detects session hijacking by comparing each request
// against a stored multi-factor fingerprint of the session's client.
//
// The fingerprint of record is created the first time a session is seen, or
// explicitly through Guard.Regenerate when a session id is reissued. Later
// requests are compared against it and never replace it, so an attacker who
// fixes a session id cannot overwrite the victim's fingerprint.
package fingerprint
