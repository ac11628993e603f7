/*
Package storage provides Warden's transactional metadata store.

The Store interface covers seven record families: audit chain entries, backup
metadata, key versions, incident history, alerts, API keys, and policy
records. The production implementation is BoltStore, backed by BoltDB with
one bucket per family plus secondary-index buckets for audit entry hashes,
alert dedupe keys, and API key hashes.

# Uniqueness and the audit chain

AppendAuditEntry is the correctness primitive behind the hash chain: it
checks chain_index and entry_hash uniqueness and inserts inside a single
Update transaction, returning ErrConflict when a concurrent appender won the
race. The audit engine retries from a fresh cursor read, which yields
gap-free, linearizable chain indices without any in-process lock.

# Cross-entity atomicity

SetActiveKeyVersion and CryptoShredKeyVersion both span multiple records in
one transaction. Crypto-shred destroys the key version row and marks every
dependent backup IRREVERSIBLE with a single shared timestamp; a crash can
never leave the key destroyed but the backups unmarked.
*/
package storage
