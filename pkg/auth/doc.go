// Package auth resolves presented API keys to principals and verifies the
// second factor for destructive operations. Raw keys are never stored: a key
// is looked up by its SHA-512 hash, and only an eight character prefix ever
// appears in audit records. Authentication failures are recorded best-effort
// with stable reasons (missing_key, key_not_found, revoked, expired,
// ip_not_allowed) so an audit outage cannot be used to lock every caller out.
package auth
