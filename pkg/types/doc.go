/*
Package types defines the core data structures used throughout Warden.

This package contains the fundamental records that represent Warden's domain
model: audit chain entries, backup metadata, key versions, incident states,
monitoring alerts, API keys, and policy records. All other packages depend on
these types for persistence, pipeline orchestration, and API responses.

Closed enum sets (Classification, BackupStatus, IncidentLevel, AlertSeverity,
AlertStatus) ship with Parse helpers that reject unknown values. Persisted
rows carrying values outside the closed set must be treated as fail-secure
errors by callers, never silently coerced.

All record types are JSON-serializable; the metadata store persists them as
JSON documents keyed by their natural identifier.
*/
package types
