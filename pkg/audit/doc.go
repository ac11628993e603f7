/*
Package audit implements Warden's tamper-evident audit chain.

Every security-relevant event becomes one AuditEntry linked to its
predecessor: entry N carries prev_hash equal to entry N-1's entry_hash, and
entry_hash is the SHA-512 of a canonical JSON rendering of the entry's eleven
chained fields. The canonical form is byte-exact: keys in lexicographic
order, compact separators, null for absent optional fields, and timestamps
formatted with fixed six-digit fractional seconds at +00:00. Any writer that
deviates from these bytes produces a chain the validator rejects.

# Append protocol

Appends are optimistic. The engine reads the latest cursor, builds the next
entry, and relies on the store's uniqueness guarantees to detect a concurrent
winner, retrying from a fresh cursor up to ten times. There is no in-process
lock; correctness comes from the store's single-transaction insert.

Writes come in two modes. Fail-secure writes (policy decisions, pipeline
transitions, administrative mutations) return WriteError when the chain is
unavailable and the guarded operation must not proceed. Best-effort writes
(authentication and MFA telemetry) log and suppress failures so an audit
outage cannot lock every caller out of the system.

# Validation

ValidateChain walks the full chain oldest-first and recomputes every link,
reporting the first failure as chain_index_out_of_sequence,
prev_hash_mismatch, or entry_hash_mismatch. The walk is paginated but never
truncated.
*/
package audit
