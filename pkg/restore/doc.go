/*
Package restore authorizes and verifies restore requests.

The pipeline order is fixed: MFA validation runs before the metadata lookup
so callers cannot probe for backup existence, the policy decision is audited
before the incident gate is consulted, and no ciphertext leaves the object
store until both have passed. QUARANTINE parks the request for manual review;
LOCKDOWN blocks it outright. Crypto-shredded backups are permanently
irreversible.

After the gates, the sealed blob is re-verified end to end: ciphertext
checksum, nonce binding, AEAD tag, and plaintext checksum. Any mismatch is
reported as a single opaque integrity failure. A successful restore issues a
short-lived restore-access token bound to the requesting actor.
*/
package restore
