/*
Package keymgmt owns the encryption key lifecycle.

Key material itself is provisioned externally and loaded through the key
store; this package tracks versions, the single active marker, rotation
history, and destruction. On first use the active version is seeded from the
key store with rotation reason initial_seed.

Crypto-shred is the one deliberately irreversible operation in the system.
It requires the super_admin role, the literal confirmation "DESTROY
<version_id>", and a valid MFA token. The destructive step is a single
transaction: the version is marked destroyed and every dependent backup
becomes IRREVERSIBLE with one shared timestamp. Afterwards the incident
level is escalated to LOCKDOWN; the shred stands even when the escalation is
rejected, and the reported incident_effect says which happened. Every denial
and every completed shred lands on the audit chain before the caller sees a
response.
*/
package keymgmt
